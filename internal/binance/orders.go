package binance

import (
	"sync"
	"time"

	"github.com/halfspread/quoter/internal/observability"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is an order lifecycle state.
type Status string

const (
	// StatusPendingNew marks an optimistic insert made the instant a create
	// call is issued, before the exchange acknowledges it.
	StatusPendingNew      Status = "PENDING_NEW"
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Active reports whether the order still rests (or may rest) in the book.
func (s Status) Active() bool {
	switch s {
	case StatusPendingNew, StatusNew, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Record tracks one of the bot's own orders, keyed by client order id.
type Record struct {
	Symbol        string
	ClientOrderID string
	Side          Side
	OrigQty       string
	Price         string
	Status        Status
	OrderID       int64
	ExecutedQty   string
	CumQty        string
	UpdateTime    int64
}

// terminalRetention is how long terminal records linger before garbage
// collection bounds memory growth from churn.
const terminalRetention = 5 * time.Minute

// Table is the shared order table. Stream events and REST confirmations
// race, so every mutation merges by "latest update timestamp wins".
type Table struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewTable returns an empty order table.
func NewTable() *Table {
	return &Table{records: make(map[string]Record)}
}

// RecordPendingCreate inserts the optimistic record for an order whose
// create call is about to be issued.
func (t *Table) RecordPendingCreate(rec Record) {
	rec.Status = StatusPendingNew
	t.mu.Lock()
	t.records[rec.ClientOrderID] = rec
	t.mu.Unlock()
}

// RemovePendingCreate drops the optimistic record after a failed create,
// unless a streamed event confirmed the order in the meantime.
func (t *Table) RemovePendingCreate(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[clientOrderID]
	if ok && rec.Status == StatusPendingNew {
		delete(t.records, clientOrderID)
	}
}

// Merge upserts an update sourced from the stream or a REST confirmation.
// Older updates never clobber newer state.
func (t *Table) Merge(update Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.records[update.ClientOrderID]
	if !ok {
		t.records[update.ClientOrderID] = update
		return
	}
	if update.UpdateTime < existing.UpdateTime {
		return
	}
	t.records[update.ClientOrderID] = overlay(existing, update)
}

// overlay keeps prior values for fields the update leaves empty; REST and
// stream payloads do not carry identical field sets.
func overlay(base, update Record) Record {
	if update.Symbol != "" {
		base.Symbol = update.Symbol
	}
	if update.Side != "" {
		base.Side = update.Side
	}
	if update.OrigQty != "" {
		base.OrigQty = update.OrigQty
	}
	if update.Price != "" {
		base.Price = update.Price
	}
	if update.Status != "" {
		base.Status = update.Status
	}
	if update.OrderID != 0 {
		base.OrderID = update.OrderID
	}
	if update.ExecutedQty != "" {
		base.ExecutedQty = update.ExecutedQty
	}
	if update.CumQty != "" {
		base.CumQty = update.CumQty
	}
	if update.UpdateTime != 0 {
		base.UpdateTime = update.UpdateTime
	}
	return base
}

// GC drops terminal records whose last update is older than the retention
// window. Invoked lazily on every streamed order event.
func (t *Table) GC(now time.Time) {
	cutoff := now.Add(-terminalRetention).UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if rec.Status.Terminal() && rec.UpdateTime < cutoff {
			delete(t.records, id)
		}
	}
}

// Get returns the record for the client order id.
func (t *Table) Get(clientOrderID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[clientOrderID]
	return rec, ok
}

// Active returns the subview of non-terminal records. This is the only
// input the reconciliation engine reads.
func (t *Table) Active() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Status.Active() {
			out = append(out, rec)
		}
	}
	observability.Telemetry().SetGauge(observability.MetricActiveOrders, float64(len(out)), nil)
	return out
}

// Len returns the total record count including terminal entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
