package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limits(minPos, maxPos string) Limits {
	return Limits{Enabled: true, MinPosition: dec(minPos), MaxPosition: dec(maxPos)}
}

func TestLongLimit(t *testing.T) {
	m := NewManager(limits("-10000", "10000"))

	// Max notional 10000 at price 50000 allows 0.2 long.
	require.False(t, m.LongLimitExceeded(dec("0.19"), dec("50000")))
	require.True(t, m.LongLimitExceeded(dec("0.2"), dec("50000")))
	require.True(t, m.LongLimitExceeded(dec("0.5"), dec("50000")))
}

func TestShortLimit(t *testing.T) {
	m := NewManager(limits("-10000", "10000"))

	require.False(t, m.ShortLimitExceeded(dec("-0.19"), dec("50000")))
	require.True(t, m.ShortLimitExceeded(dec("-0.2"), dec("50000")))
	require.True(t, m.ShortLimitExceeded(dec("-0.5"), dec("50000")))
}

func TestLimitsNeedATradePrice(t *testing.T) {
	m := NewManager(limits("-10000", "10000"))

	require.False(t, m.LongLimitExceeded(dec("1000000"), decimal.Zero))
	require.False(t, m.ShortLimitExceeded(dec("-1000000"), decimal.Zero))
}

func TestLimitsDisabled(t *testing.T) {
	l := limits("-10000", "10000")
	l.Enabled = false
	m := NewManager(l)

	require.False(t, m.LongLimitExceeded(dec("1000000"), dec("50000")))
	require.False(t, m.ShortLimitExceeded(dec("-1000000"), dec("50000")))
}

func TestAllowThrottles(t *testing.T) {
	l := limits("-10000", "10000")
	l.OrderThrottle = 100
	m := NewManager(l)

	// Burst of one: the second wait must take roughly one period.
	require.NoError(t, m.Allow(context.Background()))
	start := time.Now()
	require.NoError(t, m.Allow(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestAllowUnlimitedWhenThrottleUnset(t *testing.T) {
	m := NewManager(limits("-10000", "10000"))
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Allow(context.Background()))
	}
}
