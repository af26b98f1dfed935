package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/halfspread/quoter/internal/binance"
)

type fakeExchange struct {
	mu     sync.Mutex
	active []binance.Record

	createBatches [][]binance.OrderIntent
	singleCreates []binance.OrderIntent
	cancelBatches [][]string
	// calls records the interleaving: "cancel" and "create" entries in the
	// order the engine issued them.
	calls []string
}

func (f *fakeExchange) ActiveOrders() []binance.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]binance.Record(nil), f.active...)
}

func (f *fakeExchange) CreateOrder(_ context.Context, intent binance.OrderIntent) (binance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCreates = append(f.singleCreates, intent)
	f.calls = append(f.calls, "create")
	return binance.Record{}, nil
}

func (f *fakeExchange) CreateBulkOrders(_ context.Context, intents []binance.OrderIntent) ([]binance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createBatches = append(f.createBatches, intents)
	f.calls = append(f.calls, "create")
	return nil, nil
}

func (f *fakeExchange) CancelBulkOrders(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelBatches = append(f.cancelBatches, ids)
	f.calls = append(f.calls, "cancel")
	return nil
}

func (f *fakeExchange) canceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.cancelBatches {
		out = append(out, batch...)
	}
	sort.Strings(out)
	return out
}

func (f *fakeExchange) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.singleCreates)
	for _, batch := range f.createBatches {
		n += len(batch)
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(price, qty string) Quote {
	return Quote{Price: dec(price), Quantity: dec(qty)}
}

func record(id string, side binance.Side, price string) binance.Record {
	return binance.Record{ClientOrderID: id, Side: side, Price: price, Status: binance.StatusNew}
}

func newTestEngine(ex Exchange, tolerance string) *Engine {
	return NewEngine(ex, dec("0.1"), dec(tolerance))
}

func TestConvergeEmptyDesiredCancelsEverythingInBatches(t *testing.T) {
	ex := &fakeExchange{}
	for i := 0; i < 25; i++ {
		side := binance.SideBuy
		if i%2 == 0 {
			side = binance.SideSell
		}
		ex.active = append(ex.active, record(fmt.Sprintf("id%02d", i), side, "100.0"))
	}

	newTestEngine(ex, "0").Converge(context.Background(), nil, nil)

	require.Len(t, ex.canceledIDs(), 25)
	require.Zero(t, ex.createdCount())
	sizes := make([]int, 0, len(ex.cancelBatches))
	for _, batch := range ex.cancelBatches {
		sizes = append(sizes, len(batch))
	}
	sort.Ints(sizes)
	require.Equal(t, []int{5, 10, 10}, sizes)
}

func TestConvergeExactMatchIssuesNothing(t *testing.T) {
	ex := &fakeExchange{active: []binance.Record{
		record("b1", binance.SideBuy, "100.0"),
		record("s1", binance.SideSell, "100.4"),
	}}

	newTestEngine(ex, "0").Converge(context.Background(),
		[]Quote{quote("100.0", "0.01")},
		[]Quote{quote("100.4", "0.01")})

	require.Empty(t, ex.calls)
}

func TestConvergeCreatesInFullBatchesPlusSingles(t *testing.T) {
	ex := &fakeExchange{}
	var buys []Quote
	for i := 0; i < 12; i++ {
		buys = append(buys, quote(fmt.Sprintf("%d.0", 100-i), "0.01"))
	}

	newTestEngine(ex, "0").Converge(context.Background(), buys, nil)

	require.Equal(t, 12, ex.createdCount())
	require.Len(t, ex.createBatches, 2)
	require.Len(t, ex.createBatches[0], 5)
	require.Len(t, ex.createBatches[1], 5)
	require.Len(t, ex.singleCreates, 2)
}

func TestConvergeSameTickBucketSurvives(t *testing.T) {
	ex := &fakeExchange{active: []binance.Record{
		// 100.05 and 100.0 share the 0.1 bucket.
		record("b1", binance.SideBuy, "100.05"),
	}}

	newTestEngine(ex, "0").Converge(context.Background(),
		[]Quote{quote("100.0", "0.01")}, nil)

	require.Empty(t, ex.calls)
}

func TestConvergeRelistToleranceWidensMatching(t *testing.T) {
	active := []binance.Record{record("b1", binance.SideBuy, "99.5")}

	// Without tolerance the 99.5 order is replaced by the 100.0 quote.
	strict := &fakeExchange{active: active}
	newTestEngine(strict, "0").Converge(context.Background(),
		[]Quote{quote("100.0", "0.01")}, nil)
	require.Equal(t, []string{"b1"}, strict.canceledIDs())
	require.Equal(t, 1, strict.createdCount())

	// A 1% tolerance lets it survive: 100.0/99.5 - 1 is about 0.5%.
	loose := &fakeExchange{active: active}
	newTestEngine(loose, "0.01").Converge(context.Background(),
		[]Quote{quote("100.0", "0.01")}, nil)
	require.Empty(t, loose.calls)
}

func TestConvergeSidesNeverCrossMatch(t *testing.T) {
	ex := &fakeExchange{active: []binance.Record{
		record("s1", binance.SideSell, "100.0"),
	}}

	newTestEngine(ex, "0").Converge(context.Background(),
		[]Quote{quote("100.0", "0.01")}, nil)

	// The resting sell at the same price must not satisfy the desired buy.
	require.Equal(t, []string{"s1"}, ex.canceledIDs())
	require.Equal(t, 1, ex.createdCount())
}

func TestConvergeQuantityFlooredToThreePlaces(t *testing.T) {
	ex := &fakeExchange{}
	newTestEngine(ex, "0").Converge(context.Background(),
		[]Quote{quote("100.0", "0.0059")}, nil)

	require.Len(t, ex.singleCreates, 1)
	require.Equal(t, "0.005", ex.singleCreates[0].Quantity)
	require.Equal(t, binance.SideBuy, ex.singleCreates[0].Side)
}

func TestConvergeCancelFirstSequencesCancelsBeforeCreates(t *testing.T) {
	ex := &fakeExchange{}
	for i := 0; i < 15; i++ {
		ex.active = append(ex.active, record(fmt.Sprintf("id%02d", i), binance.SideBuy, "50.0"))
	}
	var sells []Quote
	for i := 0; i < 7; i++ {
		sells = append(sells, quote(fmt.Sprintf("%d.0", 200+i), "0.01"))
	}

	newTestEngine(ex, "0").Converge(context.Background(), nil, sells, CancelFirst())

	require.Len(t, ex.canceledIDs(), 15)
	require.Equal(t, 7, ex.createdCount())
	lastCancel, firstCreate := -1, -1
	for i, call := range ex.calls {
		if call == "cancel" && i > lastCancel {
			lastCancel = i
		}
		if call == "create" && firstCreate == -1 {
			firstCreate = i
		}
	}
	require.Greater(t, firstCreate, lastCancel)
}
