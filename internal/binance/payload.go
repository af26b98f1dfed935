package binance

import (
	json "github.com/goccy/go-json"
)

// streamFrame is the envelope of every combined-stream message.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate is an incremental book update. FirstID/FinalID bound the
// aggregated update ids; PrevFinalID chains to the previous event.
type DepthUpdate struct {
	EventType   string      `json:"e"`
	EventTime   int64       `json:"E"`
	FirstID     int64       `json:"U"`
	FinalID     int64       `json:"u"`
	PrevFinalID int64       `json:"pu"`
	Bids        [][2]string `json:"b"`
	Asks        [][2]string `json:"a"`
}

// userDataEvent is the envelope of user-data-stream payloads; only the
// fields for the event types the client consumes are declared.
type userDataEvent struct {
	EventType string         `json:"e"`
	EventTime int64          `json:"E"`
	Account   *accountUpdate `json:"a,omitempty"`
	Order     *orderUpdate   `json:"o,omitempty"`
}

const (
	eventListenKeyExpired = "listenKeyExpired"
	eventAccountUpdate    = "ACCOUNT_UPDATE"
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
)

type accountUpdate struct {
	Positions []positionUpdate `json:"P"`
}

type positionUpdate struct {
	Symbol         string `json:"s"`
	PositionAmount string `json:"pa"`
	PositionSide   string `json:"ps"`
}

type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	CumFilledQty  string `json:"z"`
	TradeTime     int64  `json:"T"`
}

type aggTrade struct {
	Price    string `json:"p"`
	Quantity string `json:"q"`
}

// binanceError is the exchange's error body shape, also embedded per item
// in batch responses.
type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type depthSnapshotResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type positionRiskEntry struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	PositionSide string `json:"positionSide"`
}

// orderResponse is the REST shape of a create/cancel confirmation. Batch
// responses interleave these with binanceError items.
type orderResponse struct {
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	OrderID       int64  `json:"orderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQty        string `json:"cumQty"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol  string               `json:"symbol"`
	Status  string               `json:"status"`
	Filters []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}
