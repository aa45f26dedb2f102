// Package venue defines the exchange adapter contract and the manager that
// fronts all adapter access.
package venue

import (
	"context"
	"strings"

	"github.com/coachpo/straddle/internal/schema"
)

// QuoteSink receives top-of-book updates from adapters. Update reports
// whether the quote advanced the per-key timeline.
type QuoteSink interface {
	Update(q schema.Quote) bool
}

// Credentials hold one venue's API key pair. Empty credentials put the
// adapter in public-only mode: market data works, order submission fails
// fast with an auth error.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Public reports whether no usable key material is present.
func (c Credentials) Public() bool {
	return strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == ""
}

// Adapter is one exchange integration. Implementations own their transport
// (websocket streams plus REST) and push quotes into the configured sink.
type Adapter interface {
	// Name returns the canonical venue identifier.
	Name() schema.VenueID

	// Initialize brings up stream transport. It must be called before any
	// subscription and is idempotent.
	Initialize(ctx context.Context) error

	// SubscribeTopOfBook starts streaming best bid/ask for the market.
	SubscribeTopOfBook(ctx context.Context, key schema.MarketKey) error

	// UnsubscribeTopOfBook stops streaming the market.
	UnsubscribeTopOfBook(ctx context.Context, key schema.MarketKey) error

	// FetchTopOfBook reads the current best bid/ask over REST. Used as a
	// cold-start and gap fallback for the stream.
	FetchTopOfBook(ctx context.Context, key schema.MarketKey) (schema.Quote, error)

	// SubmitOrder places an order. Public-only adapters fail with an auth
	// error without touching the network.
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderResult, error)

	// Close tears down all transport.
	Close() error
}
