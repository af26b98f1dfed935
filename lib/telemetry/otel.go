// Package telemetry configures OpenTelemetry providers for the quoter.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/halfspread/quoter/internal/observability"
)

// Init configures the OTLP metric exporter and returns a Metrics adapter.
// An empty endpoint yields a noop meter provider so the core can run without
// a collector.
func Init(ctx context.Context, endpoint, service string) (observability.Metrics, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if service = strings.TrimSpace(service); service == "" {
		service = "quoter"
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return NewMetrics(provider.Meter(service)), func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	return NewMetrics(provider.Meter(service)), provider.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// NewMetrics adapts an OpenTelemetry meter to the observability.Metrics interface.
func NewMetrics(meter apimetric.Meter) observability.Metrics {
	return &otelMetrics{
		meter:    meter,
		counters: make(map[string]apimetric.Float64Counter),
		gauges:   make(map[string]apimetric.Float64Gauge),
	}
}

type otelMetrics struct {
	meter apimetric.Meter

	mu       sync.Mutex
	counters map[string]apimetric.Float64Counter
	gauges   map[string]apimetric.Float64Gauge
}

func (m *otelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		counter = created
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

func (m *otelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		gauge = created
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrsFromLabels(labels)...))
}

func attrsFromLabels(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		out = append(out, attribute.String(key, value))
	}
	return out
}
