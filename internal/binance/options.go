package binance

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL        = "https://fapi.binance.com/fapi"
	defaultTestnetAPIBaseURL = "https://testnet.binancefuture.com/fapi"
	defaultStreamBaseURL     = "wss://fstream.binance.com"
	defaultTestnetStreamURL  = "wss://stream.binancefuture.com"

	defaultHTTPTimeout   = 10 * time.Second
	defaultSnapshotDepth = 1000
	defaultOrderIDPrefix = "bot_bf_"
)

// Options configure the Binance USD-M futures client.
type Options struct {
	APIKey        string
	APISecret     string
	Symbol        string
	Testnet       bool
	OrderIDPrefix string
	PostOnly      bool
	Timeout       time.Duration
	SnapshotDepth int

	apiBaseURL    string
	streamBaseURL string
}

func withDefaults(in Options) Options {
	in.Symbol = strings.ToLower(strings.TrimSpace(in.Symbol))
	if in.Symbol == "" {
		in.Symbol = "btcusdt"
	}
	if strings.TrimSpace(in.OrderIDPrefix) == "" {
		in.OrderIDPrefix = defaultOrderIDPrefix
	}
	if in.Timeout <= 0 {
		in.Timeout = defaultHTTPTimeout
	}
	if in.SnapshotDepth <= 0 {
		in.SnapshotDepth = defaultSnapshotDepth
	}
	if in.Testnet {
		in.apiBaseURL = defaultTestnetAPIBaseURL
		in.streamBaseURL = defaultTestnetStreamURL
	} else {
		in.apiBaseURL = defaultAPIBaseURL
		in.streamBaseURL = defaultStreamBaseURL
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(o.apiBaseURL, "/")
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func (o Options) symbolUpper() string {
	return strings.ToUpper(o.Symbol)
}

func (o Options) depthStream() string {
	return o.Symbol + "@depth@0ms"
}

func (o Options) tradeStream() string {
	return o.Symbol + "@aggTrade"
}

// streamURL builds the combined-stream endpoint carrying the user data
// channel, the depth diff channel, and the trade tick channel.
func (o Options) streamURL(listenKey string) string {
	return fmt.Sprintf("%s/stream?streams=%s/%s/%s",
		o.streamBaseURL, listenKey, o.depthStream(), o.tradeStream())
}
