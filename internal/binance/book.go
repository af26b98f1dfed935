package binance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/halfspread/quoter/internal/observability"
)

type bookState int

const (
	// bookSynced: diffs chain onto prevU and apply directly.
	bookSynced bookState = iota
	// bookAwaitingSnapshot: a gap was detected; every diff is buffered in
	// arrival order until the REST snapshot lands.
	bookAwaitingSnapshot
	// bookDraining: the snapshot is applied but the buffer exhausted before
	// a valid resynchronization anchor; live diffs continue the drain.
	bookDraining
)

// Book maintains the incrementally synchronized depth map for one
// instrument. Levels are keyed by the exchange's exact price string and hold
// signed sizes: positive bid, negative ask, absent means removed.
type Book struct {
	mu           sync.RWMutex
	levels       map[string]decimal.Decimal
	prevU        int64
	initialized  bool
	state        bookState
	buffer       []DepthUpdate
	lastUpdateID int64
}

// NewBook returns an empty, unsynchronized book.
func NewBook() *Book {
	return &Book{levels: make(map[string]decimal.Decimal)}
}

// ApplyDiff merges one streamed depth update. The return value reports
// whether the caller must fetch a REST snapshot: it is true exactly once per
// gap, on the transition into the resynchronizing state.
func (b *Book) ApplyDiff(update DepthUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bookSynced:
		if !b.initialized || update.PrevFinalID != b.prevU {
			observability.Log().Warn("book gap detected, resynchronizing",
				observability.F("prev_update_id", b.prevU),
				observability.F("pu", update.PrevFinalID))
			observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1, nil)
			b.state = bookAwaitingSnapshot
			b.buffer = append(b.buffer[:0], update)
			return true
		}
		b.applyLevelsLocked(update, true)
		b.prevU = update.FinalID
		observability.Telemetry().SetGauge(observability.MetricBookDepthLevels, float64(len(b.levels)), nil)
		return false

	case bookAwaitingSnapshot:
		b.buffer = append(b.buffer, update)
		return false

	default: // bookDraining
		if update.FinalID < b.lastUpdateID || update.FirstID > b.lastUpdateID {
			return false
		}
		b.applyLevelsLocked(update, false)
		b.prevU = update.FinalID
		b.initialized = true
		b.state = bookSynced
		observability.Log().Warn("book initialized",
			observability.F("prev_update_id", b.prevU))
		return false
	}
}

// ApplySnapshot overlays a REST depth snapshot and drains the buffered
// diffs. Remembered levels inside the snapshot's price range are discarded;
// bids below its lowest bid and asks above its highest ask survive because
// the snapshot cannot speak for them.
func (b *Book) ApplySnapshot(snapshot depthSnapshotResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(snapshot)
	for _, level := range snapshot.Bids {
		b.setLevelLocked(level[0], level[1], false)
	}
	for _, level := range snapshot.Asks {
		b.setLevelLocked(level[0], level[1], true)
	}

	b.lastUpdateID = snapshot.LastUpdateID
	b.prevU = 0
	b.initialized = false
	b.drainLocked()
}

func (b *Book) drainLocked() {
	for len(b.buffer) > 0 {
		item := b.buffer[0]
		b.buffer = b.buffer[1:]
		if !b.initialized {
			// The first accepted event must straddle the snapshot anchor:
			// U <= lastUpdateId <= u.
			if item.FinalID < b.lastUpdateID || item.FirstID > b.lastUpdateID {
				continue
			}
		} else if item.PrevFinalID != b.prevU {
			observability.Log().Warn("update id does not match during drain",
				observability.F("prev_update_id", b.prevU),
				observability.F("pu", item.PrevFinalID))
		}
		b.applyLevelsLocked(item, false)
		b.prevU = item.FinalID
		b.initialized = true
	}

	b.buffer = nil
	if b.initialized {
		b.state = bookSynced
		observability.Log().Warn("book initialized",
			observability.F("prev_update_id", b.prevU))
		observability.Telemetry().SetGauge(observability.MetricBookDepthLevels, float64(len(b.levels)), nil)
		return
	}
	// No valid anchor yet; live diffs continue the drain as they arrive.
	b.state = bookDraining
}

func (b *Book) pruneLocked(snapshot depthSnapshotResponse) {
	var lowestBid, highestAsk decimal.Decimal
	haveBids := len(snapshot.Bids) > 0
	haveAsks := len(snapshot.Asks) > 0
	if haveBids {
		lowestBid, _ = decimal.NewFromString(snapshot.Bids[len(snapshot.Bids)-1][0])
	}
	if haveAsks {
		highestAsk, _ = decimal.NewFromString(snapshot.Asks[len(snapshot.Asks)-1][0])
	}
	for price, qty := range b.levels {
		parsed, err := decimal.NewFromString(price)
		if err != nil {
			delete(b.levels, price)
			continue
		}
		keep := false
		if qty.IsPositive() && haveBids && parsed.LessThan(lowestBid) {
			keep = true
		}
		if qty.IsNegative() && haveAsks && parsed.GreaterThan(highestAsk) {
			keep = true
		}
		if !keep {
			delete(b.levels, price)
		}
	}
}

// applyLevelsLocked merges one diff's levels. Deletions only happen in the
// synced fast path; during a drain a zero quantity is skipped because the
// snapshot already reflects it.
func (b *Book) applyLevelsLocked(update DepthUpdate, allowDelete bool) {
	for _, level := range update.Bids {
		b.mergeLevelLocked(level[0], level[1], false, allowDelete)
	}
	for _, level := range update.Asks {
		b.mergeLevelLocked(level[0], level[1], true, allowDelete)
	}
}

func (b *Book) mergeLevelLocked(price, qty string, ask, allowDelete bool) {
	parsed, err := decimal.NewFromString(qty)
	if err != nil {
		return
	}
	if parsed.IsZero() {
		if allowDelete {
			delete(b.levels, price)
		}
		return
	}
	if ask {
		parsed = parsed.Neg()
	}
	b.levels[price] = parsed
}

func (b *Book) setLevelLocked(price, qty string, ask bool) {
	parsed, err := decimal.NewFromString(qty)
	if err != nil || parsed.IsZero() {
		return
	}
	if ask {
		parsed = parsed.Neg()
	}
	b.levels[price] = parsed
}

// Clear wipes all state; used on disconnect, where a full reconnect rebuilds
// the book from scratch.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels = make(map[string]decimal.Decimal)
	b.prevU = 0
	b.initialized = false
	b.state = bookSynced
	b.buffer = nil
	b.lastUpdateID = 0
	observability.Telemetry().SetGauge(observability.MetricBookDepthLevels, 0, nil)
}

// NeedsSnapshot reports whether a REST snapshot fetch is required before the
// book can make progress. False while draining: live diffs complete a
// starved drain on their own.
func (b *Book) NeedsSnapshot() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == bookAwaitingSnapshot
}

// Synced reports whether diffs are being applied directly.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == bookSynced && b.initialized
}

// LastAppliedID returns the final update id of the last applied diff.
func (b *Book) LastAppliedID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prevU
}

// Snapshot returns a copy of the signed depth map.
func (b *Book) Snapshot() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.levels))
	for price, qty := range b.levels {
		out[price] = qty
	}
	return out
}

// Size returns the number of live price levels.
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.levels)
}

// BestBid returns the highest bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	return b.best(true)
}

// BestAsk returns the lowest ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	return b.best(false)
}

func (b *Book) best(bid bool) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best decimal.Decimal
	found := false
	for price, qty := range b.levels {
		if bid != qty.IsPositive() {
			continue
		}
		parsed, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		if !found || (bid && parsed.GreaterThan(best)) || (!bid && parsed.LessThan(best)) {
			best = parsed
			found = true
		}
	}
	return best, found
}
