// Package risk enforces position limits and order-flow throttling.
package risk

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/halfspread/quoter/internal/observability"
)

// Limits configure the manager. Position bounds are notional amounts in the
// quote currency; the running quantity is converted with the last trade
// price before comparison.
type Limits struct {
	Enabled       bool
	MinPosition   decimal.Decimal
	MaxPosition   decimal.Decimal
	OrderThrottle float64
}

// Manager evaluates position limits and rate-limits quoting passes.
type Manager struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewManager builds a manager. A zero or negative throttle disables
// rate limiting.
func NewManager(limits Limits) *Manager {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if limits.OrderThrottle > 0 {
		limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return &Manager{limits: limits, limiter: limiter}
}

// Allow blocks until the throttle admits another quoting pass or ctx ends.
func (m *Manager) Allow(ctx context.Context) error {
	return m.limiter.Wait(ctx)
}

// LongLimitExceeded reports whether buying more would push the notional
// position above the maximum. Without a trade price yet there is nothing to
// compare against and the answer is false.
func (m *Manager) LongLimitExceeded(runningQty, lastPrice decimal.Decimal) bool {
	if !m.limits.Enabled || !lastPrice.IsPositive() {
		return false
	}
	exceeded := runningQty.GreaterThanOrEqual(m.limits.MaxPosition.Div(lastPrice))
	if exceeded {
		observability.Log().Warn("long position limit reached",
			observability.F("running_qty", runningQty.String()),
			observability.F("last_price", lastPrice.String()))
	}
	return exceeded
}

// ShortLimitExceeded reports whether selling more would push the notional
// position below the minimum.
func (m *Manager) ShortLimitExceeded(runningQty, lastPrice decimal.Decimal) bool {
	if !m.limits.Enabled || !lastPrice.IsPositive() {
		return false
	}
	exceeded := runningQty.LessThanOrEqual(m.limits.MinPosition.Div(lastPrice))
	if exceeded {
		observability.Log().Warn("short position limit reached",
			observability.F("running_qty", runningQty.String()),
			observability.F("last_price", lastPrice.String()))
	}
	return exceeded
}
