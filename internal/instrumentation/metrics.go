package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrStatus = "status"
	attrStage  = "stage"
)

// Metrics records the pipeline's observability metrics. A nil *Metrics is
// valid and records nothing, so tests can pass nil.
type Metrics struct {
	pipelineRunsTotal       metric.Int64Counter
	pipelineRunDuration     metric.Float64Histogram
	stageFailuresTotal      metric.Int64Counter
	extractionAttemptsTotal metric.Int64Counter
	tokenRefreshTotal       metric.Int64Counter
	billsPersistedTotal     metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.pipelineRunsTotal, err = meter.Int64Counter(
		"billscan_pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline_runs_total counter: %w", err)
	}

	m.pipelineRunDuration, err = meter.Float64Histogram(
		"billscan_pipeline_run_duration_seconds",
		metric.WithDescription("Duration of pipeline runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline_run_duration histogram: %w", err)
	}

	m.stageFailuresTotal, err = meter.Int64Counter(
		"billscan_stage_failures_total",
		metric.WithDescription("Total number of pipeline stage failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage_failures_total counter: %w", err)
	}

	m.extractionAttemptsTotal, err = meter.Int64Counter(
		"billscan_extraction_attempts_total",
		metric.WithDescription("Total number of AI extraction attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction_attempts_total counter: %w", err)
	}

	m.tokenRefreshTotal, err = meter.Int64Counter(
		"billscan_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}

	m.billsPersistedTotal, err = meter.Int64Counter(
		"billscan_bills_persisted_total",
		metric.WithDescription("Total number of bill records upserted"),
		metric.WithUnit("{bill}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bills_persisted_total counter: %w", err)
	}

	return m, nil
}

// RecordPipelineRun records one completed run with its outcome and duration.
func (m *Metrics) RecordPipelineRun(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.pipelineRunsTotal.Add(ctx, 1, attrs)
	m.pipelineRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStageFailure records a failure of a named pipeline stage.
func (m *Metrics) RecordStageFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStage, stage)))
}

// RecordExtractionAttempt records one AI extraction attempt.
func (m *Metrics) RecordExtractionAttempt(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.extractionAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordTokenRefresh records one OAuth refresh attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordBillsPersisted records the size of an upserted batch.
func (m *Metrics) RecordBillsPersisted(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.billsPersistedTotal.Add(ctx, int64(count))
}
