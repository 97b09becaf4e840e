package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider creates an OTel MeterProvider whose instruments are
// exported through the given Prometheus registry. The registry also
// carries Go runtime and process collectors.
func NewMeterProvider(ctx context.Context, serviceName string, registry *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	res, err := newResource(ctx, serviceName, "")
	if err != nil {
		return nil, err
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Register as global so instruments created by components are exported
	otel.SetMeterProvider(mp)

	return mp, nil
}

// Counter returns an Int64Counter from the global meter for scope.
// Instrument creation errors degrade to a no-op counter.
func Counter(scope, name, description string) metric.Int64Counter {
	c, err := otel.Meter(scope).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
