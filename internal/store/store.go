// Package store persists monitoring pairs, TWAP plans and the execution log.
package store

import (
	"context"

	"github.com/coachpo/straddle/internal/schema"
)

// ExecutionLogCap bounds the durable execution log. Older records beyond the
// cap are discarded on append.
const ExecutionLogCap = 1000

// Store is the durability contract shared by the file and Postgres backends.
// Writers call Save/Delete synchronously before acknowledging mutations.
type Store interface {
	LoadPairs(ctx context.Context) ([]schema.MonitoringPair, error)
	SavePair(ctx context.Context, pair schema.MonitoringPair) error
	DeletePair(ctx context.Context, pairID string) error

	LoadPlans(ctx context.Context) ([]schema.TwapPlan, error)
	SavePlan(ctx context.Context, plan schema.TwapPlan) error

	AppendExecution(ctx context.Context, rec schema.ExecutionRecord) error
	LoadExecutions(ctx context.Context, limit int) ([]schema.ExecutionRecord, error)

	Close() error
}
