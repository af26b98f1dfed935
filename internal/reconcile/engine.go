// Package reconcile converges the exchange's resting orders onto a desired
// quote set with the minimum number of cancel and create calls.
package reconcile

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/halfspread/quoter/internal/binance"
	"github.com/halfspread/quoter/internal/observability"
)

// quantityPlaces is the exchange's quantity precision; desired quantities
// are floored, never rounded up, so notional stays within what was asked.
const quantityPlaces = 3

// Quote is one desired resting order.
type Quote struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Exchange is the order surface the engine drives. *binance.Client
// satisfies it.
type Exchange interface {
	ActiveOrders() []binance.Record
	CreateOrder(ctx context.Context, intent binance.OrderIntent) (binance.Record, error)
	CreateBulkOrders(ctx context.Context, intents []binance.OrderIntent) ([]binance.Record, error)
	CancelBulkOrders(ctx context.Context, clientOrderIDs []string) error
}

// Option adjusts a single Converge pass.
type Option func(*convergeOptions)

type convergeOptions struct {
	cancelFirst bool
}

// CancelFirst sequences all cancels before any create. Used when shrinking
// exposure matters more than time off the book, e.g. position limit breaches.
func CancelFirst() Option {
	return func(o *convergeOptions) { o.cancelFirst = true }
}

// Engine diffs desired quotes against the active order table.
type Engine struct {
	ex              Exchange
	tickSize        decimal.Decimal
	relistTolerance decimal.Decimal
}

// NewEngine builds an engine for one instrument's tick size. A zero
// relistTolerance keeps only exact tick-bucket matches.
func NewEngine(ex Exchange, tickSize, relistTolerance decimal.Decimal) *Engine {
	return &Engine{ex: ex, tickSize: tickSize, relistTolerance: relistTolerance}
}

// Converge issues the cancels and creates that transform the current active
// orders into the desired buy and sell quotes. Matched orders are left
// untouched. Call failures are logged, not propagated: the next pass
// re-reads the table and converges again.
func (e *Engine) Converge(ctx context.Context, buys, sells []Quote, opts ...Option) {
	var call convergeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}

	var existingBuys, existingSells []binance.Record
	for _, rec := range e.ex.ActiveOrders() {
		switch rec.Side {
		case binance.SideBuy:
			existingBuys = append(existingBuys, rec)
		case binance.SideSell:
			existingSells = append(existingSells, rec)
		}
	}

	createBuys, cancelBuys := e.plan(buys, existingBuys)
	createSells, cancelSells := e.plan(sells, existingSells)

	cancels := append(cancelBuys, cancelSells...)
	creates := make([]binance.OrderIntent, 0, len(createBuys)+len(createSells))
	for _, quote := range createBuys {
		creates = append(creates, e.intent(binance.SideBuy, quote))
	}
	for _, quote := range createSells {
		creates = append(creates, e.intent(binance.SideSell, quote))
	}

	if call.cancelFirst {
		e.issueCancels(ctx, cancels)
		e.issueCreates(ctx, creates)
		return
	}

	var wg conc.WaitGroup
	wg.Go(func() { e.issueCancels(ctx, cancels) })
	wg.Go(func() { e.issueCreates(ctx, creates) })
	wg.Wait()
}

// plan pairs each desired quote with at most one surviving order. An order
// survives when it sits in the same tick bucket as a desired price, or
// within the relist tolerance of one. Everything unpaired on either side
// becomes work.
func (e *Engine) plan(desired []Quote, existing []binance.Record) (creates []Quote, cancels []string) {
	matched := make([]bool, len(existing))
	for _, quote := range desired {
		found := false
		for i, rec := range existing {
			if matched[i] {
				continue
			}
			if e.matches(quote, rec) {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			creates = append(creates, quote)
		}
	}
	for i, rec := range existing {
		if !matched[i] {
			cancels = append(cancels, rec.ClientOrderID)
		}
	}
	return creates, cancels
}

func (e *Engine) matches(quote Quote, rec binance.Record) bool {
	price, err := decimal.NewFromString(rec.Price)
	if err != nil || !price.IsPositive() {
		return false
	}
	if price.Div(e.tickSize).Floor().Equal(quote.Price.Div(e.tickSize).Floor()) {
		return true
	}
	// A nonzero tolerance widens matching beyond the exact bucket so small
	// mid drift does not relist the whole ladder.
	if e.relistTolerance.IsPositive() {
		deviation := quote.Price.Div(price).Sub(decimal.NewFromInt(1)).Abs()
		return deviation.LessThanOrEqual(e.relistTolerance)
	}
	return false
}

func (e *Engine) intent(side binance.Side, quote Quote) binance.OrderIntent {
	return binance.OrderIntent{
		Side:     side,
		Price:    quote.Price.String(),
		Quantity: quote.Quantity.RoundFloor(quantityPlaces).String(),
	}
}

// issueCancels fans cancel batches out concurrently, capped at the
// exchange's per-call limit.
func (e *Engine) issueCancels(ctx context.Context, clientOrderIDs []string) {
	if len(clientOrderIDs) == 0 {
		return
	}
	var wg conc.WaitGroup
	for start := 0; start < len(clientOrderIDs); start += binance.MaxCancelBatch {
		end := min(start+binance.MaxCancelBatch, len(clientOrderIDs))
		batch := clientOrderIDs[start:end]
		wg.Go(func() {
			if err := e.ex.CancelBulkOrders(ctx, batch); err != nil {
				observability.Log().Warn("cancel batch failed",
					observability.F("count", len(batch)),
					observability.F("error", err.Error()))
			}
		})
	}
	wg.Wait()
}

// issueCreates sends full batches through the bulk endpoint and the
// remainder as single orders, all concurrently.
func (e *Engine) issueCreates(ctx context.Context, intents []binance.OrderIntent) {
	if len(intents) == 0 {
		return
	}
	var wg conc.WaitGroup
	start := 0
	for ; start+binance.MaxCreateBatch <= len(intents); start += binance.MaxCreateBatch {
		batch := intents[start : start+binance.MaxCreateBatch]
		wg.Go(func() {
			if _, err := e.ex.CreateBulkOrders(ctx, batch); err != nil {
				observability.Log().Warn("create batch failed",
					observability.F("count", len(batch)),
					observability.F("error", err.Error()))
			}
		})
	}
	for _, intent := range intents[start:] {
		wg.Go(func() {
			if _, err := e.ex.CreateOrder(ctx, intent); err != nil {
				observability.Log().Warn("create order failed",
					observability.F("price", intent.Price),
					observability.F("error", err.Error()))
			}
		})
	}
	wg.Wait()
}
