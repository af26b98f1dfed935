package binance

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/halfspread/quoter/errs"
	"github.com/halfspread/quoter/internal/observability"
)

const (
	listenKeyKeepAlive = 5 * time.Second
	maxStreamFrameSize = 4 << 20
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// Sessions shorter than this count as flapping and keep the reconnect
	// delay growing instead of resetting it.
	stableSessionAge = time.Minute
)

// Supervisor owns the websocket session lifecycle: the connect sequence,
// listen key keepalives, frame dispatch, and reconnection with backoff.
type Supervisor struct {
	client *Client

	closed           atomic.Bool
	snapshotInFlight atomic.Bool
}

// NewSupervisor wraps a client with stream supervision.
func NewSupervisor(client *Client) *Supervisor {
	return &Supervisor{client: client}
}

// Run connects and re-connects until ctx is canceled, Close is called, or a
// fatal error surfaces. Every disconnect clears the book so the next session
// rebuilds it from a fresh snapshot.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBaseDelay
	bo.MaxInterval = reconnectMaxDelay

	for {
		started := time.Now()
		err := s.session(ctx)
		s.client.book.Clear()
		if s.closed.Load() || ctx.Err() != nil {
			return nil
		}
		if err != nil && errs.IsFatal(err) {
			return err
		}
		if time.Since(started) >= stableSessionAge {
			bo.Reset()
		}

		observability.Telemetry().IncCounter(observability.MetricReconnects, 1, nil)
		delay := bo.NextBackOff()
		observability.Log().Warn("stream disconnected, reconnecting",
			observability.F("delay", delay.String()),
			observability.F("error", errString(err)))
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return nil
		}
	}
}

// Close marks the supervisor stopped and cancels every resting order. The
// caller is expected to cancel the Run context alongside.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closed.Store(true)
	return s.client.CancelAllOrders(ctx)
}

// session performs one full connect sequence: cancel the slate clean, seed
// the position, obtain a listen key, then dial and pump the combined stream.
func (s *Supervisor) session(ctx context.Context) error {
	if err := s.client.CancelAllOrders(ctx); err != nil {
		return err
	}
	position, err := s.client.Position(ctx)
	if err != nil {
		return err
	}
	s.client.setRunningQty(position)

	listenKey, err := s.client.createListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, s.client.opts.streamURL(listenKey), nil)
	if err != nil {
		return errs.New(errs.CodeNetwork, errs.WithCause(err),
			errs.WithMessage("dial combined stream"))
	}
	conn.SetReadLimit(maxStreamFrameSize)
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx, conn)

	observability.Log().Info("stream connected",
		observability.F("symbol", s.client.opts.symbolUpper()),
		observability.F("running_qty", position.String()))

	for {
		_, data, err := conn.Read(sessionCtx)
		if err != nil {
			if sessionCtx.Err() != nil {
				return nil
			}
			return errs.New(errs.CodeNetwork, errs.WithCause(err),
				errs.WithMessage("read stream frame"))
		}
		s.dispatch(sessionCtx, conn, data)
	}
}

// keepAlive renews the listen key on a fixed cadence and pings the socket.
// Failures are logged and swallowed; an expired key surfaces as a
// listenKeyExpired event and a dead socket surfaces as a read error, both of
// which trigger a reconnect through the supervisor loop.
func (s *Supervisor) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.client.keepAliveListenKey(ctx); err != nil && ctx.Err() == nil {
			observability.Log().Warn("listen key keepalive failed",
				observability.F("error", err.Error()))
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = conn.Ping(pingCtx)
		cancel()
	}
}

func (s *Supervisor) dispatch(ctx context.Context, conn *websocket.Conn, data []byte) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.Log().Warn("undecodable stream frame",
			observability.F("error", err.Error()))
		return
	}

	switch frame.Stream {
	case s.client.opts.depthStream():
		s.handleDepth(ctx, conn, frame.Data)
	case s.client.opts.tradeStream():
		s.handleTrade(frame.Data)
	default:
		s.handleUserData(conn, frame.Data)
	}
}

func (s *Supervisor) handleDepth(ctx context.Context, conn *websocket.Conn, data []byte) {
	var update DepthUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		observability.Log().Warn("undecodable depth update",
			observability.F("error", err.Error()))
		return
	}
	if !s.client.book.ApplyDiff(update) {
		return
	}
	// The book just entered resynchronization; one snapshot fetch runs at a
	// time while further diffs buffer.
	if !s.snapshotInFlight.CompareAndSwap(false, true) {
		return
	}
	go s.runSnapshotFetch(ctx, conn)
}

// runSnapshotFetch owns the in-flight flag. It keeps fetching until the book
// no longer needs a snapshot: a gap detected while a fetch was running could
// not schedule its own (the flag was held), so it must be picked up here.
func (s *Supervisor) runSnapshotFetch(ctx context.Context, conn *websocket.Conn) {
	for {
		if err := s.client.fetchDepthSnapshot(ctx); err != nil {
			s.snapshotInFlight.Store(false)
			observability.Log().Error("depth snapshot fetch failed, forcing reconnect",
				observability.F("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "snapshot fetch failed")
			return
		}
		if !s.retainSnapshotFlight(ctx) {
			return
		}
	}
}

// retainSnapshotFlight releases the in-flight flag after a completed fetch
// and re-acquires it when another snapshot is already needed. Releasing
// before checking means a concurrent gap either sees the flag free and
// schedules its own fetch, or left the book awaiting and is caught by the
// re-check; a gap can never fall between the two.
func (s *Supervisor) retainSnapshotFlight(ctx context.Context) bool {
	s.snapshotInFlight.Store(false)
	if ctx.Err() != nil || !s.client.book.NeedsSnapshot() {
		return false
	}
	return s.snapshotInFlight.CompareAndSwap(false, true)
}

func (s *Supervisor) handleTrade(data []byte) {
	var trade aggTrade
	if err := json.Unmarshal(data, &trade); err != nil {
		return
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return
	}
	s.client.setLastPrice(price)
}

func (s *Supervisor) handleUserData(conn *websocket.Conn, data []byte) {
	var event userDataEvent
	if err := json.Unmarshal(data, &event); err != nil {
		observability.Log().Warn("undecodable user data event",
			observability.F("error", err.Error()))
		return
	}

	switch event.EventType {
	case eventOrderTradeUpdate:
		if event.Order == nil {
			return
		}
		s.client.orders.Merge(recordFromStream(*event.Order))
		s.client.orders.GC(time.Now())
	case eventAccountUpdate:
		if event.Account == nil {
			return
		}
		s.applyPositions(event.Account.Positions)
	case eventListenKeyExpired:
		observability.Log().Warn("listen key expired, forcing reconnect")
		_ = conn.Close(websocket.StatusGoingAway, "listen key expired")
	}
}

func (s *Supervisor) applyPositions(positions []positionUpdate) {
	for _, pos := range positions {
		if pos.PositionSide != "BOTH" {
			continue
		}
		if !strings.EqualFold(pos.Symbol, s.client.opts.Symbol) {
			continue
		}
		qty, err := decimal.NewFromString(pos.PositionAmount)
		if err != nil {
			observability.Log().Warn("unparsable position amount",
				observability.F("value", pos.PositionAmount))
			continue
		}
		s.client.setRunningQty(qty)
	}
}

func recordFromStream(update orderUpdate) Record {
	return Record{
		Symbol:        update.Symbol,
		ClientOrderID: update.ClientOrderID,
		Side:          Side(strings.ToUpper(update.Side)),
		OrigQty:       update.OrigQty,
		Price:         update.Price,
		Status:        Status(update.Status),
		OrderID:       update.OrderID,
		ExecutedQty:   update.LastFilledQty,
		CumQty:        update.CumFilledQty,
		UpdateTime:    update.TradeTime,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
