package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	admissionAllowed metric.Int64Counter
	admissionDenied  metric.Int64Counter
	usageRecorded    metric.Int64Counter
	usageDuplicates  metric.Int64Counter
	relayDelivered   metric.Int64Counter
	relayFailed      metric.Int64Counter
	cyclesRenewed    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokengate"
	}
	meter := provider.Meter(name)

	admissionAllowed, err := meter.Int64Counter("tokengate_admission_allowed_total")
	if err != nil {
		return nil, err
	}
	admissionDenied, err := meter.Int64Counter("tokengate_admission_denied_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("tokengate_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	usageDuplicates, err := meter.Int64Counter("tokengate_usage_duplicates_total")
	if err != nil {
		return nil, err
	}
	relayDelivered, err := meter.Int64Counter("tokengate_relay_delivered_total")
	if err != nil {
		return nil, err
	}
	relayFailed, err := meter.Int64Counter("tokengate_relay_failed_total")
	if err != nil {
		return nil, err
	}
	cyclesRenewed, err := meter.Int64Counter("tokengate_billing_cycles_renewed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admissionAllowed: admissionAllowed,
		admissionDenied:  admissionDenied,
		usageRecorded:    usageRecorded,
		usageDuplicates:  usageDuplicates,
		relayDelivered:   relayDelivered,
		relayFailed:      relayFailed,
		cyclesRenewed:    cyclesRenewed,
	}, nil
}

// RecordAdmissionAllowed increments admission allow counts.
func (m *Metrics) RecordAdmissionAllowed(ctx context.Context, enforcement string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("enforcement", strings.TrimSpace(enforcement)))
	m.admissionAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmissionDenied increments admission deny counts.
func (m *Metrics) RecordAdmissionDenied(ctx context.Context, enforcement, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("enforcement", strings.TrimSpace(enforcement)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.admissionDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageRecorded increments recorded usage event counts.
func (m *Metrics) RecordUsageRecorded(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageDuplicate increments suppressed duplicate counts.
func (m *Metrics) RecordUsageDuplicate(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.usageDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRelayDelivered increments delivered relay message counts.
func (m *Metrics) RecordRelayDelivered(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("stream", strings.TrimSpace(stream)))
	m.relayDelivered.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRelayFailed increments failed relay message counts.
func (m *Metrics) RecordRelayFailed(ctx context.Context, stream, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stream", strings.TrimSpace(stream)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.relayFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCycleRenewed increments renewed billing cycle counts.
func (m *Metrics) RecordCycleRenewed(ctx context.Context, planCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("plan_code", strings.TrimSpace(planCode)))
	m.cyclesRenewed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"enforcement": {},
	"reason":      {},
	"source":      {},
	"stream":      {},
	"plan_code":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
