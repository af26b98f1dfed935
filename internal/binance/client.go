// Package binance implements the exchange-connectivity core for Binance
// USD-M futures: the signed REST transport, the incremental order-book
// synchronizer, the order-state tracker, and the websocket supervisor.
package binance

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halfspread/quoter/errs"
	"github.com/halfspread/quoter/internal/observability"
)

// Exchange-imposed per-call batch caps.
const (
	MaxCreateBatch = 5
	MaxCancelBatch = 10
)

// The exchange answers bulk cancels per item; -2011 means the order was
// already gone, which is not an error for our purposes.
const rawCodeUnknownOrder = -2011

// OrderIntent is a desired order prior to id assignment.
type OrderIntent struct {
	Side     Side
	Price    string
	Quantity string
}

// SymbolInfo carries the instrument filters the engine needs.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// Client owns the REST transport and the locally consistent views of the
// book and the bot's own orders.
type Client struct {
	opts      Options
	transport *Transport
	book      *Book
	orders    *Table
	clock     func() time.Time

	mu         sync.RWMutex
	runningQty decimal.Decimal
	lastPrice  decimal.Decimal
}

// NewClient constructs a client from options, applying defaults.
func NewClient(opts Options) *Client {
	opts = withDefaults(opts)
	c := &Client{
		opts:      opts,
		transport: newTransport(opts),
		book:      NewBook(),
		orders:    NewTable(),
		clock:     time.Now,
	}
	c.transport.setEmergencyCancel(c.CancelAllOrders)
	return c
}

// Book returns the depth synchronizer.
func (c *Client) Book() *Book { return c.book }

// Orders returns the order table.
func (c *Client) Orders() *Table { return c.orders }

// ActiveOrders returns the non-terminal subview of the order table.
func (c *Client) ActiveOrders() []Record { return c.orders.Active() }

// RunningQty returns the streamed signed position quantity.
func (c *Client) RunningQty() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runningQty
}

// LastPrice returns the last traded price, zero until the first trade tick.
func (c *Client) LastPrice() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPrice
}

// BestBid returns the highest bid in the synchronized book.
func (c *Client) BestBid() (decimal.Decimal, bool) { return c.book.BestBid() }

// BestAsk returns the lowest ask in the synchronized book.
func (c *Client) BestAsk() (decimal.Decimal, bool) { return c.book.BestAsk() }

func (c *Client) setRunningQty(qty decimal.Decimal) {
	c.mu.Lock()
	c.runningQty = qty
	c.mu.Unlock()
	f, _ := qty.Float64()
	observability.Telemetry().SetGauge(observability.MetricRunningQty, f, nil)
}

func (c *Client) setLastPrice(price decimal.Decimal) {
	c.mu.Lock()
	c.lastPrice = price
	c.mu.Unlock()
}

// newClientOrderID generates a prefixed, globally unique client order id.
func (c *Client) newClientOrderID() string {
	id := uuid.New()
	return c.opts.OrderIDPrefix + base64.RawURLEncoding.EncodeToString(id[:])
}

func (c *Client) orderParams(intent OrderIntent, clientOrderID string) url.Values {
	params := url.Values{}
	params.Set("symbol", c.opts.symbolUpper())
	params.Set("side", string(intent.Side))
	params.Set("type", "LIMIT")
	if c.opts.PostOnly {
		params.Set("timeInForce", "GTX")
	} else {
		params.Set("timeInForce", "GTC")
	}
	params.Set("quantity", intent.Quantity)
	params.Set("price", intent.Price)
	params.Set("newClientOrderId", clientOrderID)
	return params
}

func (c *Client) pendingRecord(intent OrderIntent, clientOrderID string) Record {
	return Record{
		Symbol:        c.opts.symbolUpper(),
		ClientOrderID: clientOrderID,
		Side:          intent.Side,
		OrigQty:       intent.Quantity,
		Price:         intent.Price,
		Status:        StatusPendingNew,
	}
}

func recordFromResponse(resp orderResponse) Record {
	return Record{
		Symbol:        resp.Symbol,
		ClientOrderID: resp.ClientOrderID,
		Side:          Side(strings.ToUpper(resp.Side)),
		OrigQty:       resp.OrigQty,
		Price:         resp.Price,
		Status:        Status(resp.Status),
		OrderID:       resp.OrderID,
		ExecutedQty:   resp.ExecutedQty,
		CumQty:        resp.CumQty,
		UpdateTime:    resp.UpdateTime,
	}
}

// CreateOrder places a single limit order. The order is inserted into the
// table optimistically before the call; a failed create removes it again
// unless a streamed event confirmed it in the meantime.
func (c *Client) CreateOrder(ctx context.Context, intent OrderIntent) (Record, error) {
	clientOrderID := c.newClientOrderID()
	c.orders.RecordPendingCreate(c.pendingRecord(intent, clientOrderID))

	body, err := c.transport.Do(ctx, "/v1/order", c.orderParams(intent, clientOrderID),
		WithVerb(http.MethodPost), WithMaxRetries(0))
	if err != nil {
		c.orders.RemovePendingCreate(clientOrderID)
		return Record{}, fmt.Errorf("create order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Record{}, fmt.Errorf("decode order response: %w", err)
	}
	rec := recordFromResponse(resp)
	c.orders.Merge(rec)
	observability.Telemetry().IncCounter(observability.MetricOrdersCreated, 1, nil)
	return rec, nil
}

// CreateBulkOrders places up to MaxCreateBatch limit orders in one call.
func (c *Client) CreateBulkOrders(ctx context.Context, intents []OrderIntent) ([]Record, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	if len(intents) > MaxCreateBatch {
		return nil, errs.New(errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("create batch exceeds %d orders", MaxCreateBatch)))
	}

	type batchItem struct {
		Symbol           string `json:"symbol"`
		Side             string `json:"side"`
		Type             string `json:"type"`
		TimeInForce      string `json:"timeInForce"`
		Quantity         string `json:"quantity"`
		Price            string `json:"price"`
		NewClientOrderID string `json:"newClientOrderId"`
	}

	tif := "GTC"
	if c.opts.PostOnly {
		tif = "GTX"
	}
	items := make([]batchItem, 0, len(intents))
	clientOrderIDs := make([]string, 0, len(intents))
	for _, intent := range intents {
		clientOrderID := c.newClientOrderID()
		clientOrderIDs = append(clientOrderIDs, clientOrderID)
		c.orders.RecordPendingCreate(c.pendingRecord(intent, clientOrderID))
		items = append(items, batchItem{
			Symbol:           c.opts.symbolUpper(),
			Side:             string(intent.Side),
			Type:             "LIMIT",
			TimeInForce:      tif,
			Quantity:         intent.Quantity,
			Price:            intent.Price,
			NewClientOrderID: clientOrderID,
		})
	}

	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode batch orders: %w", err)
	}
	params := url.Values{}
	params.Set("batchOrders", string(encoded))

	body, err := c.transport.Do(ctx, "/v1/batchOrders", params,
		WithVerb(http.MethodPost), WithMaxRetries(0))
	if err != nil {
		for _, clientOrderID := range clientOrderIDs {
			c.orders.RemovePendingCreate(clientOrderID)
		}
		return nil, fmt.Errorf("create bulk orders: %w", err)
	}

	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode batch orders response: %w", err)
	}
	records := make([]Record, 0, len(resp))
	for i, item := range resp {
		if item.Code != 0 {
			observability.Log().Warn("batch create item rejected",
				observability.F("code", item.Code), observability.F("msg", item.Msg))
			if i < len(clientOrderIDs) {
				c.orders.RemovePendingCreate(clientOrderIDs[i])
			}
			continue
		}
		rec := recordFromResponse(item)
		c.orders.Merge(rec)
		records = append(records, rec)
		observability.Telemetry().IncCounter(observability.MetricOrdersCreated, 1, nil)
	}
	return records, nil
}

// CancelBulkOrders cancels up to MaxCancelBatch orders by client order id.
func (c *Client) CancelBulkOrders(ctx context.Context, clientOrderIDs []string) error {
	if len(clientOrderIDs) == 0 {
		return nil
	}
	if len(clientOrderIDs) > MaxCancelBatch {
		return errs.New(errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("cancel batch exceeds %d ids", MaxCancelBatch)))
	}

	encoded, err := json.Marshal(clientOrderIDs)
	if err != nil {
		return fmt.Errorf("encode cancel ids: %w", err)
	}
	params := url.Values{}
	params.Set("symbol", c.opts.symbolUpper())
	params.Set("origClientOrderIdList", string(encoded))

	body, err := c.transport.Do(ctx, "/v1/batchOrders", params,
		WithVerb(http.MethodDelete), WithMaxRetries(0))
	if err != nil {
		return fmt.Errorf("cancel bulk orders: %w", err)
	}

	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode cancel response: %w", err)
	}
	for _, item := range resp {
		if item.Code != 0 {
			if item.Code != rawCodeUnknownOrder {
				observability.Log().Warn("bulk cancel item failed",
					observability.F("code", item.Code), observability.F("msg", item.Msg))
			}
			continue
		}
		c.orders.Merge(recordFromResponse(item))
		observability.Telemetry().IncCounter(observability.MetricOrdersCanceled, 1, nil)
	}
	return nil
}

// CancelAllOrders cancels every resting order on the instrument.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	params := url.Values{}
	params.Set("symbol", c.opts.symbolUpper())
	_, err := c.transport.Do(ctx, "/v1/allOpenOrders", params, WithVerb(http.MethodDelete))
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// OpenOrders fetches the exchange's view of the bot's resting orders.
func (c *Client) OpenOrders(ctx context.Context) ([]Record, error) {
	params := url.Values{}
	params.Set("symbol", c.opts.symbolUpper())
	body, err := c.transport.Do(ctx, "/v1/openOrders", params, WithVerb(http.MethodGet))
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	records := make([]Record, 0, len(resp))
	for _, item := range resp {
		records = append(records, recordFromResponse(item))
	}
	return records, nil
}

// Position fetches the current signed position for the instrument.
func (c *Client) Position(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.transport.Do(ctx, "/v2/positionRisk", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position risk: %w", err)
	}
	var entries []positionRiskEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return decimal.Zero, fmt.Errorf("decode position risk: %w", err)
	}
	for _, entry := range entries {
		if entry.PositionSide != "BOTH" {
			continue
		}
		if !strings.EqualFold(entry.Symbol, c.opts.Symbol) {
			continue
		}
		qty, err := decimal.NewFromString(entry.PositionAmt)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse position amount %q: %w", entry.PositionAmt, err)
		}
		return qty, nil
	}
	return decimal.Zero, nil
}

// SymbolFilters resolves tick size and lot filters from exchangeInfo.
func (c *Client) SymbolFilters(ctx context.Context) (SymbolInfo, error) {
	body, err := c.transport.Do(ctx, "/v1/exchangeInfo", nil)
	if err != nil {
		return SymbolInfo{}, fmt.Errorf("exchange info: %w", err)
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, sym := range resp.Symbols {
		if !strings.EqualFold(sym.Symbol, c.opts.Symbol) {
			continue
		}
		info := SymbolInfo{Symbol: sym.Symbol}
		for _, filter := range sym.Filters {
			switch strings.ToUpper(strings.TrimSpace(filter.FilterType)) {
			case "PRICE_FILTER":
				if parsed, err := decimal.NewFromString(filter.TickSize); err == nil {
					info.TickSize = parsed
				}
			case "LOT_SIZE":
				if parsed, err := decimal.NewFromString(filter.StepSize); err == nil {
					info.StepSize = parsed
				}
				if parsed, err := decimal.NewFromString(filter.MinQty); err == nil {
					info.MinQty = parsed
				}
			}
		}
		return info, nil
	}
	return SymbolInfo{}, errs.New(errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("symbol %s not found in exchange info", c.opts.symbolUpper())))
}

// createListenKey obtains the session token for the user data stream.
func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.transport.Do(ctx, "/v1/listenKey", nil, WithVerb(http.MethodPost))
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if strings.TrimSpace(resp.ListenKey) == "" {
		return "", errs.New(errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return resp.ListenKey, nil
}

// keepAliveListenKey renews the session token.
func (c *Client) keepAliveListenKey(ctx context.Context) error {
	_, err := c.transport.Do(ctx, "/v1/listenKey", nil, WithVerb(http.MethodPut))
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// fetchDepthSnapshot pulls a full REST snapshot and hands it to the book,
// which merges it with the diffs buffered while the fetch was in flight.
func (c *Client) fetchDepthSnapshot(ctx context.Context) error {
	params := url.Values{}
	params.Set("symbol", c.opts.symbolUpper())
	params.Set("limit", strconv.Itoa(c.opts.SnapshotDepth))
	body, err := c.transport.Do(ctx, "/v1/depth", params, WithVerb(http.MethodGet))
	if err != nil {
		return fmt.Errorf("depth snapshot: %w", err)
	}
	var snapshot depthSnapshotResponse
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return fmt.Errorf("decode depth snapshot: %w", err)
	}
	c.book.ApplySnapshot(snapshot)
	return nil
}
