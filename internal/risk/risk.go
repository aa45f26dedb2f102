// Package risk gates order flow against configured trading limits.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/schema"
)

// Limits defines the global risk parameters.
type Limits struct {
	// MaxOrderQty is the largest single-order base quantity. Zero disables
	// the check.
	MaxOrderQty decimal.Decimal `yaml:"maxOrderQty"`

	// MaxDailyNotional caps the summed quote notional of orders submitted
	// per UTC day. Zero disables the check.
	MaxDailyNotional decimal.Decimal `yaml:"maxDailyNotional"`

	// OrderThrottle is the maximum order submission rate per second.
	// Zero disables throttling.
	OrderThrottle float64 `yaml:"orderThrottle"`
}

// Manager enforces Limits across all executors.
type Manager struct {
	limits  Limits
	limiter *rate.Limiter

	mu       sync.Mutex
	day      time.Time
	notional decimal.Decimal
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	var limiter *rate.Limiter
	if limits.OrderThrottle > 0 {
		limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return &Manager{limits: limits, limiter: limiter}
}

// CheckOrder evaluates the request against the configured limits. The
// notional estimate uses the given reference price; a zero price skips the
// notional accounting.
func (m *Manager) CheckOrder(ctx context.Context, req schema.OrderRequest, refPrice decimal.Decimal) error {
	if m == nil {
		return nil
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return errs.New("risk/check", errs.CodeRateLimited,
				errs.WithMessage("order throttle exceeded"), errs.WithCause(err))
		}
	}

	if m.limits.MaxOrderQty.IsPositive() && req.Qty.GreaterThan(m.limits.MaxOrderQty) {
		return errs.New("risk/check", errs.CodeValidation,
			errs.WithMessage("order qty exceeds maxOrderQty"))
	}

	if !m.limits.MaxDailyNotional.IsPositive() || !refPrice.IsPositive() {
		return nil
	}

	notional := req.Qty.Mul(refPrice)
	m.mu.Lock()
	defer m.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !m.day.Equal(today) {
		m.day = today
		m.notional = decimal.Zero
	}
	if m.notional.Add(notional).GreaterThan(m.limits.MaxDailyNotional) {
		return errs.New("risk/check", errs.CodeValidation,
			errs.WithMessage("daily notional limit exceeded"))
	}
	m.notional = m.notional.Add(notional)
	return nil
}
