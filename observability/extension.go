package observability

import (
	"context"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobCreated    = (*MetricsExtension)(nil)
	_ ext.JobClaimed    = (*MetricsExtension)(nil)
	_ ext.JobUpdated    = (*MetricsExtension)(nil)
	_ ext.JobFreed      = (*MetricsExtension)(nil)
	_ ext.JobRetrying   = (*MetricsExtension)(nil)
	_ ext.JobFatal      = (*MetricsExtension)(nil)
	_ ext.JobAborted    = (*MetricsExtension)(nil)
	_ ext.JobExecuted   = (*MetricsExtension)(nil)
	_ ext.LoadRefreshed = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via go-utils
// MetricFactory. Register it as a batch extension to track claim rates,
// frees, retries, fatal outcomes, and ledger refreshes.
type MetricsExtension struct {
	JobCreated     gu.Counter
	JobClaimed     gu.Counter
	JobUpdated     gu.Counter
	JobFreed       gu.Counter
	JobRetried     gu.Counter
	JobFatal       gu.Counter
	JobAborted     gu.Counter
	JobExecuted    gu.Counter
	JobFailed      gu.Counter
	LoadRefreshed  gu.Counter
	LoadRowsFailed gu.Counter
}

// NewMetricsExtension creates a MetricsExtension using a default metrics collector.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithFactory(gu.NewMetricsCollector("batch/observability"))
}

// NewMetricsExtensionWithFactory creates a MetricsExtension with the provided MetricFactory.
// Use fapp.Metrics() in forge extensions, or gu.NewMetricsCollector for testing.
func NewMetricsExtensionWithFactory(factory gu.MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		JobCreated:     factory.Counter("batch.job.created"),
		JobClaimed:     factory.Counter("batch.job.claimed"),
		JobUpdated:     factory.Counter("batch.job.updated"),
		JobFreed:       factory.Counter("batch.job.freed"),
		JobRetried:     factory.Counter("batch.job.retried"),
		JobFatal:       factory.Counter("batch.job.fatal"),
		JobAborted:     factory.Counter("batch.job.aborted"),
		JobExecuted:    factory.Counter("batch.job.executed"),
		JobFailed:      factory.Counter("batch.job.execution_failed"),
		LoadRefreshed:  factory.Counter("batch.load.refreshed"),
		LoadRowsFailed: factory.Counter("batch.load.rows_failed"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobCreated implements ext.JobCreated.
func (m *MetricsExtension) OnJobCreated(_ context.Context, _ *job.Job) error {
	m.JobCreated.Inc()
	return nil
}

// OnJobClaimed implements ext.JobClaimed.
func (m *MetricsExtension) OnJobClaimed(_ context.Context, _ *job.Job) error {
	m.JobClaimed.Inc()
	return nil
}

// OnJobUpdated implements ext.JobUpdated.
func (m *MetricsExtension) OnJobUpdated(_ context.Context, _ *job.Job) error {
	m.JobUpdated.Inc()
	return nil
}

// OnJobFreed implements ext.JobFreed.
func (m *MetricsExtension) OnJobFreed(_ context.Context, _ *job.Job) error {
	m.JobFreed.Inc()
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(_ context.Context, _ *job.Job, _ time.Time) error {
	m.JobRetried.Inc()
	return nil
}

// OnJobFatal implements ext.JobFatal.
func (m *MetricsExtension) OnJobFatal(_ context.Context, _ *job.Job) error {
	m.JobFatal.Inc()
	return nil
}

// OnJobAborted implements ext.JobAborted.
func (m *MetricsExtension) OnJobAborted(_ context.Context, _ *job.Job) error {
	m.JobAborted.Inc()
	return nil
}

// OnJobExecuted implements ext.JobExecuted.
func (m *MetricsExtension) OnJobExecuted(_ context.Context, _ *job.Job, _ time.Duration, err error) error {
	m.JobExecuted.Inc()
	if err != nil {
		m.JobFailed.Inc()
	}
	return nil
}

// ── Ledger hooks ────────────────────────────────────

// OnLoadRefreshed implements ext.LoadRefreshed.
func (m *MetricsExtension) OnLoadRefreshed(_ context.Context, res load.RefreshResult, _ time.Duration) error {
	m.LoadRefreshed.Inc()
	for range res.Failed {
		m.LoadRowsFailed.Inc()
	}
	return nil
}
