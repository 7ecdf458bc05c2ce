package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/rdmarpc/internal/rdma"
)

// MeterName is the instrumentation scope of the runtime's instruments.
const MeterName = "github.com/yuuki/rdmarpc"

// NewMeterProvider creates a provider exporting over OTLP to collectorAddr
// and installs it as the global provider. The URL scheme selects the
// protocol: grpc (default), grpcs, http or https.
func NewMeterProvider(ctx context.Context, service, nodeID, collectorAddr string, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(nodeID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(interval),
			),
		),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// exporterTarget splits a collector address into protocol scheme and
// host:port. Schemeless addresses default to grpc.
func exporterTarget(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil || parsedURL.Host == "" {
		// "localhost:4317" parses with "localhost" as the scheme.
		if !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			return "grpc", collectorAddr, nil
		}
		if err == nil {
			err = fmt.Errorf("missing host")
		}
		return "", "", fmt.Errorf("invalid otlp collector address '%s': %w", collectorAddr, err)
	}
	scheme = strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "grpc"
	}
	return scheme, parsedURL.Host, nil
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := exporterTarget(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme '%s' in %s, use grpc, grpcs, http or https", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

var _ rdma.MetricHook = (*OTelHook)(nil)

// OTelHook implements rdma.MetricHook with OpenTelemetry counters.
type OTelHook struct {
	completions      metric.Int64Counter
	failures         metric.Int64Counter
	orphans          metric.Int64Counter
	bufferExhausted  metric.Int64Counter
	stateTransitions metric.Int64Counter
	socketsFreed     metric.Int64Counter
}

// NewOTelHook creates the runtime's instruments on meter.
func NewOTelHook(meter metric.Meter) (*OTelHook, error) {
	h := &OTelHook{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&h.completions, "rdmarpc.completions", "Work completions polled from completion queues"},
		{&h.failures, "rdmarpc.completion_failures", "Work completions with an error status"},
		{&h.orphans, "rdmarpc.orphan_completions", "Work completions for queue pairs no longer registered"},
		{&h.bufferExhausted, "rdmarpc.buffer_exhausted", "Buffer acquisitions that found the pool empty"},
		{&h.stateTransitions, "rdmarpc.connection_state_transitions", "Connection state transitions by target state"},
		{&h.socketsFreed, "rdmarpc.sockets_freed", "Sockets whose native resources were released"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{count}"))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}
	return h, nil
}

// Metric hooks have no request context.
var bg = context.Background()

// CompletionsPolled implements rdma.MetricHook.
func (h *OTelHook) CompletionsPolled(cc, n int) {
	h.completions.Add(bg, int64(n), metric.WithAttributes(attribute.Int(labelCC, cc)))
}

func (h *OTelHook) CompletionFailed(work rdma.WorkType, status rdma.WCStatus) {
	h.failures.Add(bg, 1, metric.WithAttributes(
		attribute.String(labelWork, work.String()),
		attribute.String(labelStatus, status.String()),
	))
}

func (h *OTelHook) OrphanCompletion(work rdma.WorkType) {
	h.orphans.Add(bg, 1, metric.WithAttributes(attribute.String(labelWork, work.String())))
}

func (h *OTelHook) BufferExhausted(pool string) {
	h.bufferExhausted.Add(bg, 1, metric.WithAttributes(attribute.String(labelPool, pool)))
}

func (h *OTelHook) ConnectionStateChanged(state rdma.State) {
	h.stateTransitions.Add(bg, 1, metric.WithAttributes(attribute.String(labelState, state.String())))
}

func (h *OTelHook) SocketFreed() { h.socketsFreed.Add(bg, 1) }
