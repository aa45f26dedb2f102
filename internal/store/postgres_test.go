package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/schema"
)

// Integration coverage for the Postgres backend. Set STRADDLE_TEST_DSN to a
// scratch database to enable; the suite migrates and writes real rows.
func postgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("STRADDLE_TEST_DSN")
	if dsn == "" {
		t.Skip("STRADDLE_TEST_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresPairRoundTrip(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()

	pair := testPair(fmt.Sprintf("pg-%d", time.Now().UnixNano()))
	require.NoError(t, s.SavePair(ctx, pair))

	pairs, err := s.LoadPairs(ctx)
	require.NoError(t, err)

	var found *schema.MonitoringPair
	for i := range pairs {
		if pairs[i].PairID == pair.PairID {
			found = &pairs[i]
		}
	}
	require.NotNil(t, found)
	require.True(t, found.SliceQty.Equal(pair.SliceQty))

	// Upsert replaces the document.
	pair.MaxExecs = 9
	require.NoError(t, s.SavePair(ctx, pair))

	require.NoError(t, s.DeletePair(ctx, pair.PairID))
	pairs, err = s.LoadPairs(ctx)
	require.NoError(t, err)
	for _, p := range pairs {
		require.NotEqual(t, pair.PairID, p.PairID)
	}
}

func TestPostgresExecutionLog(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()

	rec := schema.ExecutionRecord{
		ID:     fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		PairID: "pg-pair",
		Ts:     time.Now().UTC(),
		Qty:    decimal.RequireFromString("0.001"),
		Status: schema.ExecStatusPartial,
	}
	require.NoError(t, s.AppendExecution(ctx, rec))
	// Idempotent on id.
	require.NoError(t, s.AppendExecution(ctx, rec))

	recs, err := s.LoadExecutions(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	require.Equal(t, rec.ID, recs[0].ID)
	require.Equal(t, schema.ExecStatusPartial, recs[0].Status)
}
