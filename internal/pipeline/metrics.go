package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics aggregates pipeline instrumentation. A nil *Metrics is valid
// and records nothing, which keeps tests and the batch CLI free of
// telemetry setup.
type Metrics struct {
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	uploadedBytes metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	stageRuns, err := meter.Int64Counter("lectern.pipeline.stage.runs",
		metric.WithDescription("Stage executions by stage and outcome"))
	if err != nil {
		return nil, err
	}
	stageDuration, err := meter.Float64Histogram("lectern.pipeline.stage.duration",
		metric.WithDescription("Stage wall time in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	uploadedBytes, err := meter.Int64Counter("lectern.pipeline.upload.bytes",
		metric.WithDescription("Accepted upload payload bytes"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		stageRuns:     stageRuns,
		stageDuration: stageDuration,
		uploadedBytes: uploadedBytes,
	}, nil
}

// RegisterActiveSessions exposes count as an observable gauge.
func RegisterActiveSessions(meter metric.Meter, count func() int64) error {
	gauge, err := meter.Int64ObservableGauge("lectern.pipeline.sessions.active",
		metric.WithDescription("Sessions currently held by the manager"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, count())
		return nil
	}, gauge)
	return err
}

func (m *Metrics) recordStage(ctx context.Context, stage Stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	)
	m.stageRuns.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) recordUpload(ctx context.Context, bytes int64) {
	if m == nil {
		return
	}
	m.uploadedBytes.Add(ctx, bytes)
}
