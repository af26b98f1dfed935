package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/halfspread/quoter/errs"
	"github.com/halfspread/quoter/internal/observability"
)

const (
	rateLimitCooldown = 5 * time.Second
	transientCooldown = 3 * time.Second
	networkCooldown   = 1 * time.Second

	// The signing timestamp is shifted into the past to tolerate clock skew
	// between this host and the exchange.
	timestampSkew = 1000 * time.Millisecond
)

// CallOption overrides per-call transport behaviour.
type CallOption func(*callOptions)

type callOptions struct {
	verb       string
	timeout    time.Duration
	maxRetries int
	retriesSet bool
}

// WithVerb forces the HTTP verb instead of the POST-if-params default.
func WithVerb(verb string) CallOption {
	return func(o *callOptions) { o.verb = strings.ToUpper(strings.TrimSpace(verb)) }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = timeout }
}

// WithMaxRetries overrides the retry budget for the call chain.
func WithMaxRetries(retries int) CallOption {
	return func(o *callOptions) {
		o.maxRetries = retries
		o.retriesSet = true
	}
}

// Transport issues signed REST requests with exchange-specific retry and
// backoff classification.
type Transport struct {
	opts   Options
	client *http.Client
	clock  func() time.Time

	mu      sync.Mutex
	retries int

	rateLimitWait time.Duration
	transientWait time.Duration
	networkWait   time.Duration

	// emergencyCancel is invoked before retrying a rate-limited call so the
	// book exposure shrinks while we wait out the limit.
	emergencyCancel func(context.Context) error
}

func newTransport(opts Options) *Transport {
	return &Transport{
		opts:          opts,
		client:        &http.Client{},
		clock:         time.Now,
		rateLimitWait: rateLimitCooldown,
		transientWait: transientCooldown,
		networkWait:   networkCooldown,
	}
}

// setEmergencyCancel installs the cancel-all hook used on 429 responses.
func (t *Transport) setEmergencyCancel(fn func(context.Context) error) {
	t.emergencyCancel = fn
}

// Do executes a signed request against the futures API. The verb defaults
// to POST when params are present and GET otherwise; the retry budget
// defaults to 0 for POST/PUT and 3 for idempotent GET/DELETE.
func (t *Transport) Do(ctx context.Context, path string, params url.Values, opts ...CallOption) ([]byte, error) {
	call := callOptions{timeout: t.opts.Timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&call)
		}
	}
	if call.verb == "" {
		if len(params) > 0 {
			call.verb = http.MethodPost
		} else {
			call.verb = http.MethodGet
		}
	}
	if !call.retriesSet {
		switch call.verb {
		case http.MethodPost, http.MethodPut:
			call.maxRetries = 0
		default:
			call.maxRetries = 3
		}
	}

	for {
		body, err := t.attempt(ctx, call.verb, path, params, call.timeout)
		if err == nil {
			t.resetRetries()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		switch errs.CodeOf(err) {
		case errs.CodeRateLimited:
			observability.Log().Warn("rate limited, canceling all known orders before retry",
				observability.F("path", path))
			if t.emergencyCancel != nil {
				if cancelErr := t.emergencyCancel(ctx); cancelErr != nil {
					observability.Log().Error("emergency cancel-all failed",
						observability.F("error", cancelErr.Error()))
				}
			}
			if sleepErr := sleepCtx(ctx, t.rateLimitWait); sleepErr != nil {
				return nil, err
			}
		case errs.CodeTransient:
			observability.Log().Warn("exchange unavailable, retrying",
				observability.F("path", path))
			if sleepErr := sleepCtx(ctx, t.transientWait); sleepErr != nil {
				return nil, err
			}
		case errs.CodeNetwork:
			observability.Log().Warn("transport failure, retrying",
				observability.F("path", path), observability.F("error", err.Error()))
			if sleepErr := sleepCtx(ctx, t.networkWait); sleepErr != nil {
				return nil, err
			}
		default:
			// Fatal auth, application-rejected, and uncategorized exchange
			// errors are never re-issued.
			return nil, err
		}

		if !t.consumeRetry(call.maxRetries) {
			return nil, errs.New(errs.CodeBudget, errs.WithCause(err),
				errs.WithMessage(fmt.Sprintf("max retries on %s %s", call.verb, path)))
		}
	}
}

// attempt signs and executes one request. Each attempt re-canonicalizes the
// query with a fresh timestamp so retries never reuse a stale signature.
func (t *Transport) attempt(ctx context.Context, verb, path string, params url.Values, timeout time.Duration) ([]byte, error) {
	query := url.Values{}
	for key, values := range params {
		query[key] = values
	}
	ts := t.clock().Add(-timestampSkew).UnixMilli()
	query.Set("timestamp", strconv.FormatInt(ts, 10))
	encoded := query.Encode()
	signature := signPayload(encoded, t.opts.APISecret)
	endpoint := t.opts.restEndpoint(path) + "?" + encoded + "&signature=" + signature

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, verb, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s %s request: %w", verb, path, err)
	}
	req.Header.Set("X-MBX-APIKEY", t.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errs.New(errs.CodeNetwork, errs.WithCause(err),
			errs.WithMessage(fmt.Sprintf("%s %s", verb, path)))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.New(errs.CodeNetwork, errs.WithCause(err),
			errs.WithMessage("read response body"))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

func classifyStatus(status int, body []byte) error {
	rawCode := ""
	var exchangeErr binanceError
	if json.Unmarshal(body, &exchangeErr) == nil && exchangeErr.Code != 0 {
		rawCode = strconv.Itoa(exchangeErr.Code)
	}
	raw := strings.TrimSpace(string(body))

	switch status {
	case http.StatusUnauthorized:
		return errs.New(errs.CodeAuth, errs.WithHTTP(status), errs.WithRawMessage(raw),
			errs.WithMessage("api key or secret incorrect"))
	case http.StatusTooManyRequests:
		return errs.New(errs.CodeRateLimited, errs.WithHTTP(status), errs.WithRawMessage(raw))
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return errs.New(errs.CodeTransient, errs.WithHTTP(status), errs.WithRawMessage(raw))
	case http.StatusBadRequest:
		return errs.New(errs.CodeInvalid, errs.WithHTTP(status),
			errs.WithRawCode(rawCode), errs.WithRawMessage(raw),
			errs.WithMessage(exchangeErr.Msg))
	default:
		return errs.New(errs.CodeExchange, errs.WithHTTP(status),
			errs.WithRawCode(rawCode), errs.WithRawMessage(raw),
			errs.WithMessage(exchangeErr.Msg))
	}
}

// consumeRetry increments the shared retry counter and reports whether the
// budget still allows another attempt. The counter spans the call chain and
// only resets on a successful response.
func (t *Transport) consumeRetry(maxRetries int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
	observability.Telemetry().IncCounter(observability.MetricTransportRetries, 1, nil)
	return t.retries <= maxRetries
}

func (t *Transport) resetRetries() {
	t.mu.Lock()
	t.retries = 0
	t.mu.Unlock()
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
