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
	vectorsComputed metric.Int64Counter
	computeFailures metric.Int64Counter
	recordsAppended metric.Int64Counter
	recordsRejected metric.Int64Counter
	entitiesSynced  metric.Int64Counter
	syncFailures    metric.Int64Counter
	driftVerdicts   metric.Int64Counter
	servingLookups  metric.Int64Counter
	jobRuns         metric.Int64Counter
	jobDuration     metric.Float64Histogram
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
		name = "retain"
	}
	meter := provider.Meter(name)

	vectorsComputed, err := meter.Int64Counter("retain_feature_vectors_computed_total")
	if err != nil {
		return nil, err
	}
	computeFailures, err := meter.Int64Counter("retain_feature_compute_failures_total")
	if err != nil {
		return nil, err
	}
	recordsAppended, err := meter.Int64Counter("retain_offline_records_appended_total")
	if err != nil {
		return nil, err
	}
	recordsRejected, err := meter.Int64Counter("retain_offline_records_rejected_total")
	if err != nil {
		return nil, err
	}
	entitiesSynced, err := meter.Int64Counter("retain_online_entities_synced_total")
	if err != nil {
		return nil, err
	}
	syncFailures, err := meter.Int64Counter("retain_online_sync_failures_total")
	if err != nil {
		return nil, err
	}
	driftVerdicts, err := meter.Int64Counter("retain_drift_verdicts_total")
	if err != nil {
		return nil, err
	}
	servingLookups, err := meter.Int64Counter("retain_serving_lookups_total")
	if err != nil {
		return nil, err
	}
	jobRuns, err := meter.Int64Counter("retain_job_runs_total")
	if err != nil {
		return nil, err
	}
	jobDuration, err := meter.Float64Histogram("retain_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		vectorsComputed: vectorsComputed,
		computeFailures: computeFailures,
		recordsAppended: recordsAppended,
		recordsRejected: recordsRejected,
		entitiesSynced:  entitiesSynced,
		syncFailures:    syncFailures,
		driftVerdicts:   driftVerdicts,
		servingLookups:  servingLookups,
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
	}, nil
}

// IncVectorsComputed increments computed feature vector counts.
func (m *Metrics) IncVectorsComputed(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.vectorsComputed.Add(ctx, n)
}

// IncComputeFailures increments per-entity computation failure counts.
func (m *Metrics) IncComputeFailures(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.computeFailures.Add(ctx, n)
}

// IncRecordsAppended increments offline store append counts.
func (m *Metrics) IncRecordsAppended(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.recordsAppended.Add(ctx, n)
}

// IncRecordsRejected increments offline store duplicate rejection counts.
func (m *Metrics) IncRecordsRejected(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.recordsRejected.Add(ctx, n)
}

// IncEntitiesSynced increments online sync counts.
func (m *Metrics) IncEntitiesSynced(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.entitiesSynced.Add(ctx, n)
}

// IncSyncFailures increments online sync failure counts.
func (m *Metrics) IncSyncFailures(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.syncFailures.Add(ctx, n)
}

// RecordDriftVerdict counts drift verdicts by kind.
func (m *Metrics) RecordDriftVerdict(ctx context.Context, kind string, triggered bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.Bool("triggered", triggered),
	)
	m.driftVerdicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordServingLookup counts serving lookups by source.
func (m *Metrics) RecordServingLookup(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.servingLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJobRun records a job execution and its duration.
func (m *Metrics) RecordJobRun(ctx context.Context, job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("job", strings.TrimSpace(job)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.jobRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
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
	"job":       {},
	"outcome":   {},
	"kind":      {},
	"triggered": {},
	"source":    {},
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
