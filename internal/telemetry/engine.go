package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/tgfeed/tca/engine"

// EngineMetrics bundles the core pipeline instruments. All instruments come
// from the global meter provider, so when telemetry is disabled every Record
// call hits the no-op path.
type EngineMetrics struct {
	ItemsIngested  metric.Int64Counter
	Duplicates     metric.Int64Counter
	ClusterMerges  metric.Int64Counter
	IngestErrors   metric.Int64Counter
	PruneDeleted   metric.Int64Counter
	BackupDuration metric.Float64Histogram
	WriterDepth    metric.Int64Gauge
}

// NewEngineMetrics registers the engine instruments on the global meter.
func NewEngineMetrics() *EngineMetrics {
	m := Meter(engineScopeName)
	items, _ := m.Int64Counter("tca.ingest.items",
		metric.WithDescription("Items normalized and stored"),
	)
	dups, _ := m.Int64Counter("tca.dedupe.duplicates",
		metric.WithDescription("Items resolved as duplicates"),
	)
	merges, _ := m.Int64Counter("tca.dedupe.cluster_merges",
		metric.WithDescription("Cluster merge operations"),
	)
	ingErrs, _ := m.Int64Counter("tca.ingest.errors",
		metric.WithDescription("Ingest errors captured, by stage"),
	)
	pruned, _ := m.Int64Counter("tca.prune.deleted",
		metric.WithDescription("Rows deleted by retention prune, by entity"),
	)
	backupDur, _ := m.Float64Histogram("tca.backup.duration",
		metric.WithDescription("Nightly backup duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	depth, _ := m.Int64Gauge("tca.writer.queue_depth",
		metric.WithDescription("Closures waiting in the writer queue"),
	)
	return &EngineMetrics{
		ItemsIngested:  items,
		Duplicates:     dups,
		ClusterMerges:  merges,
		IngestErrors:   ingErrs,
		PruneDeleted:   pruned,
		BackupDuration: backupDur,
		WriterDepth:    depth,
	}
}

// CountItem records one item normalized and stored.
func (m *EngineMetrics) CountItem(ctx context.Context) {
	if m == nil {
		return
	}
	m.ItemsIngested.Add(ctx, 1)
}

// CountDuplicate records one item resolved as a duplicate.
func (m *EngineMetrics) CountDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.Duplicates.Add(ctx, 1)
}

// CountMerge records one cluster merge.
func (m *EngineMetrics) CountMerge(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClusterMerges.Add(ctx, 1)
}

// CountIngestError records one captured ingest error for a stage.
func (m *EngineMetrics) CountIngestError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.IngestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// ObserveBackupDuration records one backup run's wall time.
func (m *EngineMetrics) ObserveBackupDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.BackupDuration.Record(ctx, float64(d.Milliseconds()))
}

// RecordWriterDepth samples the writer queue depth.
func (m *EngineMetrics) RecordWriterDepth(ctx context.Context, depth int64) {
	if m == nil {
		return
	}
	m.WriterDepth.Record(ctx, depth)
}

// CountPruned records rows deleted by the prune job for one entity.
func (m *EngineMetrics) CountPruned(ctx context.Context, entity string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.PruneDeleted.Add(ctx, n, metric.WithAttributes(attribute.String("entity", entity)))
}
