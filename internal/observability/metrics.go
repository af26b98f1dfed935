package observability

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Metric names emitted by the connectivity core.
const (
	MetricBookResyncs      = "quoter_book_resyncs_total"
	MetricReconnects       = "quoter_ws_reconnects_total"
	MetricTransportRetries = "quoter_transport_retries_total"
	MetricOrdersCreated    = "quoter_orders_created_total"
	MetricOrdersCanceled   = "quoter_orders_canceled_total"
	MetricBookDepthLevels  = "quoter_book_depth_levels"
	MetricActiveOrders     = "quoter_active_orders"
	MetricRunningQty       = "quoter_running_qty"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)   {}
