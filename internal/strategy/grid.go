// Package strategy derives desired quote ladders from market state.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/halfspread/quoter/internal/observability"
	"github.com/halfspread/quoter/internal/reconcile"
)

// MarketView exposes the market state a strategy reads. *binance.Client
// satisfies it.
type MarketView interface {
	BestBid() (decimal.Decimal, bool)
	BestAsk() (decimal.Decimal, bool)
	RunningQty() decimal.Decimal
	LastPrice() decimal.Decimal
}

// PositionGuard decides whether a side must stop quoting. *risk.Manager
// satisfies it.
type PositionGuard interface {
	LongLimitExceeded(runningQty, lastPrice decimal.Decimal) bool
	ShortLimitExceeded(runningQty, lastPrice decimal.Decimal) bool
}

// Converger applies a desired quote set. *reconcile.Engine satisfies it.
type Converger interface {
	Converge(ctx context.Context, buys, sells []reconcile.Quote, opts ...reconcile.Option)
}

// GridParams shape the ladder.
type GridParams struct {
	// OrderNotional is the quote-currency value of each rung.
	OrderNotional decimal.Decimal
	// HalfSpread is the distance from mid to the innermost rung.
	HalfSpread decimal.Decimal
	// PriceRange is the half-width of the ladder; rungs span
	// [mid-PriceRange, mid+PriceRange].
	PriceRange decimal.Decimal
	// Levels is the rung count per side.
	Levels int
	// TickSize is the instrument's price increment.
	TickSize decimal.Decimal
}

// Grid quotes a symmetric ladder around the book mid.
type Grid struct {
	view   MarketView
	guard  PositionGuard
	conv   Converger
	params GridParams

	interval decimal.Decimal
}

// NewGrid builds a grid strategy. The rung interval is 2*PriceRange/Levels
// snapped to a tick multiple, at least one tick.
func NewGrid(view MarketView, guard PositionGuard, conv Converger, params GridParams) *Grid {
	interval := params.PriceRange.Mul(decimal.NewFromInt(2)).
		Div(decimal.NewFromInt(int64(params.Levels)))
	interval = snapDown(interval, params.TickSize)
	if !interval.IsPositive() {
		interval = params.TickSize
	}
	return &Grid{view: view, guard: guard, conv: conv, params: params, interval: interval}
}

// Pass computes the desired ladder from the current book and converges the
// resting orders onto it. A pass with no usable book is skipped; there is
// nothing sensible to quote against.
func (g *Grid) Pass(ctx context.Context) {
	bid, haveBid := g.view.BestBid()
	ask, haveAsk := g.view.BestAsk()
	if !haveBid || !haveAsk {
		observability.Log().Debug("skipping quote pass, book not ready")
		return
	}

	// Rungs track mid directly; the reconciliation engine's relist tolerance
	// keeps orders resting while mid drifts within it.
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	runningQty := g.view.RunningQty()
	lastPrice := g.view.LastPrice()
	longExceeded := g.guard.LongLimitExceeded(runningQty, lastPrice)
	shortExceeded := g.guard.ShortLimitExceeded(runningQty, lastPrice)

	var buys, sells []reconcile.Quote
	if !longExceeded {
		buys = g.ladder(mid.Sub(g.params.HalfSpread), g.interval.Neg(), false)
	}
	if !shortExceeded {
		sells = g.ladder(mid.Add(g.params.HalfSpread), g.interval, true)
	}

	var opts []reconcile.Option
	if longExceeded || shortExceeded {
		opts = append(opts, reconcile.CancelFirst())
	}
	g.conv.Converge(ctx, buys, sells, opts...)
}

// ladder emits Levels rungs starting at the innermost price and stepping by
// step. Buy rungs round down to the tick, sell rungs round up, so quotes
// never cross the intended level.
func (g *Grid) ladder(innermost, step decimal.Decimal, roundUp bool) []reconcile.Quote {
	quotes := make([]reconcile.Quote, 0, g.params.Levels)
	price := innermost
	for i := 0; i < g.params.Levels; i++ {
		rounded := snapDown(price, g.params.TickSize)
		if roundUp {
			rounded = snapUp(price, g.params.TickSize)
		}
		if !rounded.IsPositive() {
			break
		}
		quotes = append(quotes, reconcile.Quote{
			Price:    rounded,
			Quantity: g.params.OrderNotional.Div(rounded),
		})
		price = price.Add(step)
	}
	return quotes
}

func snapDown(value, tick decimal.Decimal) decimal.Decimal {
	return value.Div(tick).Floor().Mul(tick)
}

func snapUp(value, tick decimal.Decimal) decimal.Decimal {
	return value.Div(tick).Ceil().Mul(tick)
}
