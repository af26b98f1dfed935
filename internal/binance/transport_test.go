package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halfspread/quoter/errs"
)

func testTransport(t *testing.T, handler http.Handler) (*Transport, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts := withDefaults(Options{
		APIKey:    "test-key",
		APISecret: "test-secret",
		Symbol:    "btcusdt",
		Timeout:   2 * time.Second,
	})
	opts.apiBaseURL = server.URL

	tr := newTransport(opts)
	tr.rateLimitWait = time.Millisecond
	tr.transientWait = time.Millisecond
	tr.networkWait = time.Millisecond
	return tr, server
}

func TestDoSignsAndDefaultsVerb(t *testing.T) {
	var gotMethod, gotQuery, gotKey string
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{}`))
	}))

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	_, err := tr.Do(context.Background(), "/v1/order", params)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "test-key", gotKey)

	parsed, err := url.ParseQuery(gotQuery)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", parsed.Get("symbol"))
	require.NotEmpty(t, parsed.Get("timestamp"))
	require.Len(t, parsed.Get("signature"), 64)

	_, err = tr.Do(context.Background(), "/v1/listenKey", nil)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, gotMethod)
}

func TestDoTimestampShiftedIntoPast(t *testing.T) {
	var gotTimestamp string
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.URL.Query().Get("timestamp")
		_, _ = w.Write([]byte(`{}`))
	}))
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return fixed }

	_, err := tr.Do(context.Background(), "/v1/depth", nil)
	require.NoError(t, err)
	require.Equal(t, "1787918399000", gotTimestamp)
}

func TestDoAuthFailureIsFatalAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key"}`))
	}))

	_, err := tr.Do(context.Background(), "/v1/openOrders", nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
	require.True(t, errs.IsFatal(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestDoBadRequestReturnsValueWithRawCode(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1102,"msg":"Mandatory parameter missing"}`))
	}))

	_, err := tr.Do(context.Background(), "/v1/order", url.Values{"symbol": {"BTCUSDT"}})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.False(t, errs.IsRetryable(err))
	require.EqualValues(t, 1, calls.Load())

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "-1102", envelope.RawCode)
	require.Equal(t, http.StatusBadRequest, envelope.HTTP)
}

func TestDoRateLimitTriggersEmergencyCancel(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	var cancels atomic.Int32
	tr.setEmergencyCancel(func(context.Context) error {
		cancels.Add(1)
		return nil
	})

	body, err := tr.Do(context.Background(), "/v1/openOrders", nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(body))
	require.EqualValues(t, 1, cancels.Load())
	require.EqualValues(t, 2, calls.Load())
}

func TestDoTransientRetriesUntilBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := tr.Do(context.Background(), "/v1/depth", nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeBudget, errs.CodeOf(err))
	// Budget of 3 retries after the initial attempt.
	require.EqualValues(t, 4, calls.Load())
}

func TestDoMutatingVerbHasNoRetryBudget(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := tr.Do(context.Background(), "/v1/order", url.Values{"symbol": {"BTCUSDT"}})
	require.Error(t, err)
	require.Equal(t, errs.CodeBudget, errs.CodeOf(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestDoRetryCounterResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	tr, _ := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	for i := 0; i < 3; i++ {
		_, err := tr.Do(context.Background(), "/v1/depth", nil)
		require.NoError(t, err)
	}
	require.EqualValues(t, 6, calls.Load())
}

func TestDoNetworkFailureClassified(t *testing.T) {
	tr, server := testTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := tr.Do(context.Background(), "/v1/order", url.Values{"symbol": {"BTCUSDT"}})
	require.Error(t, err)
	require.Equal(t, errs.CodeBudget, errs.CodeOf(err))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(envelope.Unwrap()))
}
