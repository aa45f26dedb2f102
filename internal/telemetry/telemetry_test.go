package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Meter("straddle/test"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestHistogramViewsCoverEngineInstruments(t *testing.T) {
	require.Len(t, histogramViews(), 3)
}
