package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTablePendingCreateLifecycle(t *testing.T) {
	table := NewTable()
	table.RecordPendingCreate(Record{ClientOrderID: "bot_bf_a", Side: SideBuy, Price: "100"})

	rec, ok := table.Get("bot_bf_a")
	require.True(t, ok)
	require.Equal(t, StatusPendingNew, rec.Status)
	require.Len(t, table.Active(), 1)

	table.RemovePendingCreate("bot_bf_a")
	_, ok = table.Get("bot_bf_a")
	require.False(t, ok)
}

func TestTableRemovePendingKeepsConfirmedOrder(t *testing.T) {
	table := NewTable()
	table.RecordPendingCreate(Record{ClientOrderID: "bot_bf_a", Side: SideBuy})

	// A stream event confirms the order before the failed REST call returns.
	table.Merge(Record{ClientOrderID: "bot_bf_a", Status: StatusNew, UpdateTime: 100})
	table.RemovePendingCreate("bot_bf_a")

	rec, ok := table.Get("bot_bf_a")
	require.True(t, ok)
	require.Equal(t, StatusNew, rec.Status)
}

func TestTableMergeTimestampWins(t *testing.T) {
	table := NewTable()
	table.Merge(Record{ClientOrderID: "bot_bf_a", Status: StatusPartiallyFilled, ExecutedQty: "0.5", UpdateTime: 200})

	// A late REST confirmation must not roll the order back to NEW.
	table.Merge(Record{ClientOrderID: "bot_bf_a", Status: StatusNew, UpdateTime: 100})
	rec, _ := table.Get("bot_bf_a")
	require.Equal(t, StatusPartiallyFilled, rec.Status)

	table.Merge(Record{ClientOrderID: "bot_bf_a", Status: StatusFilled, ExecutedQty: "1", UpdateTime: 300})
	rec, _ = table.Get("bot_bf_a")
	require.Equal(t, StatusFilled, rec.Status)
	require.Equal(t, "1", rec.ExecutedQty)
}

func TestTableMergePreservesFieldsAbsentFromUpdate(t *testing.T) {
	table := NewTable()
	table.Merge(Record{
		ClientOrderID: "bot_bf_a",
		Side:          SideSell,
		Price:         "101.5",
		OrigQty:       "0.25",
		Status:        StatusNew,
		UpdateTime:    100,
	})
	// Stream payload carrying only the status transition.
	table.Merge(Record{ClientOrderID: "bot_bf_a", Status: StatusCanceled, UpdateTime: 200})

	rec, _ := table.Get("bot_bf_a")
	require.Equal(t, StatusCanceled, rec.Status)
	require.Equal(t, SideSell, rec.Side)
	require.Equal(t, "101.5", rec.Price)
	require.Equal(t, "0.25", rec.OrigQty)
}

func TestTableGCDropsOnlyStaleTerminalRecords(t *testing.T) {
	table := NewTable()
	now := time.Now()
	old := now.Add(-10 * time.Minute).UnixMilli()
	fresh := now.Add(-1 * time.Minute).UnixMilli()

	table.Merge(Record{ClientOrderID: "stale_filled", Status: StatusFilled, UpdateTime: old})
	table.Merge(Record{ClientOrderID: "fresh_filled", Status: StatusFilled, UpdateTime: fresh})
	table.Merge(Record{ClientOrderID: "stale_open", Status: StatusNew, UpdateTime: old})

	table.GC(now)

	_, ok := table.Get("stale_filled")
	require.False(t, ok)
	_, ok = table.Get("fresh_filled")
	require.True(t, ok)
	_, ok = table.Get("stale_open")
	require.True(t, ok)
}

func TestTableActiveExcludesTerminal(t *testing.T) {
	table := NewTable()
	table.Merge(Record{ClientOrderID: "a", Status: StatusNew, UpdateTime: 1})
	table.Merge(Record{ClientOrderID: "b", Status: StatusPartiallyFilled, UpdateTime: 1})
	table.Merge(Record{ClientOrderID: "c", Status: StatusCanceled, UpdateTime: 1})
	table.Merge(Record{ClientOrderID: "d", Status: StatusRejected, UpdateTime: 1})

	active := table.Active()
	require.Len(t, active, 2)
	require.Equal(t, 4, table.Len())
}
