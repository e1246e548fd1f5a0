// Package sink implements the Outbound summary sink (spec.md §6): a
// streaming sink exposing begin()/write(chunk)/commit()/rollback() backed by
// pgx/v5, satisfying exec.Sink[model.AttributedRow] for the incremental-write
// path. A GORM-backed bulk loader (bulk.go) covers the frame-returning,
// performance.use_bulk_copy path instead.
package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// summaryTable is the relational summary table every row is written to,
// Pod and Storage families sharing one wide row shape (spec.md §3).
const summaryTable = "cost_usage_summary"

var summaryColumns = []string{
	"id", "report_period_id", "cluster_id", "cluster_alias", "source_id",
	"usage_start", "usage_end", "namespace", "node", "resource_id",
	"pvc", "pv", "storage_class", "data_source",

	"pod_usage_cpu_core_hours", "pod_request_cpu_core_hours", "pod_limit_cpu_core_hours", "pod_effective_cpu_core_hours",
	"pod_usage_memory_gb_hours", "pod_request_memory_gb_hours", "pod_limit_memory_gb_hours", "pod_effective_memory_gb_hours",

	"node_capacity_cpu_core_hours", "node_capacity_memory_gb_hours",
	"cluster_capacity_cpu_core_hours", "cluster_capacity_memory_gb_hours",

	"persistentvolumeclaim_capacity_gigabyte", "persistentvolumeclaim_capacity_gigabyte_months",
	"volume_request_storage_gigabyte_months", "persistentvolumeclaim_usage_gigabyte_months",

	"pod_labels", "volume_labels", "all_labels", "cost_category_id",

	"account_id", "region", "availability_zone", "instance_type", "data_transfer_direction", "currency",
	"unblended_cost", "unblended_cost_markup", "blended_cost", "blended_cost_markup",
	"savings_plan_cost", "savings_plan_markup", "amortized_cost", "amortized_cost_markup",
	"tags", "aws_cost_category",
}

// PGXSink is the streaming outbound sink: one transaction spans the whole
// run, rows are written per chunk via COPY, and the transaction commits only
// after the caller's final chunk succeeds (spec.md §6 Outbound, §4.2
// incremental-write variant). It implements exec.Sink[model.AttributedRow].
type PGXSink struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewPGXSink wraps an already-constructed pgxpool.Pool. Pool construction
// (DSN parsing, connection limits) is the caller's concern, mirroring the
// teacher's InitPostgres division of labor.
func NewPGXSink(pool *pgxpool.Pool) *PGXSink {
	return &PGXSink{pool: pool}
}

// Begin opens the run's single transaction.
func (s *PGXSink) Begin(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", model.ErrSink, err)
	}
	s.tx = tx
	return nil
}

// Write streams one chunk's rows into the summary table via COPY FROM,
// the bulk-ingest path pgx exposes for exactly this shape of write.
func (s *PGXSink) Write(ctx context.Context, rows []model.AttributedRow) error {
	if s.tx == nil {
		return fmt.Errorf("%w: write called before begin", model.ErrSink)
	}
	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return summaryRowValues(rows[i]), nil
	})
	if _, err := s.tx.CopyFrom(ctx, pgx.Identifier{summaryTable}, summaryColumns, source); err != nil {
		return fmt.Errorf("%w: copy chunk: %v", model.ErrSink, err)
	}
	return nil
}

// Commit finalizes the run's transaction.
func (s *PGXSink) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrSink, err)
	}
	s.tx = nil
	return nil
}

// Rollback aborts the run's transaction. Safe to call after a failed Begin
// or a prior Commit (no-op in both cases).
func (s *PGXSink) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("%w: rollback: %v", model.ErrSink, err)
	}
	return nil
}

func summaryRowValues(r model.AttributedRow) []any {
	return []any{
		r.ID, r.ReportPeriodID, r.ClusterID, r.ClusterAlias, r.SourceID,
		r.UsageStart, r.UsageEnd, r.Namespace, r.Node, r.ResourceID,
		r.PVC, r.PV, r.StorageClass, r.DataSource,

		r.PodUsageCPUCoreHours, r.PodRequestCPUCoreHours, r.PodLimitCPUCoreHours, r.PodEffectiveCPUCoreHours,
		r.PodUsageMemoryGBHours, r.PodRequestMemoryGBHours, r.PodLimitMemoryGBHours, r.PodEffectiveMemoryGBHours,

		r.NodeCapacityCPUCoreHours, r.NodeCapacityMemoryGBHours,
		r.ClusterCapacityCPUCoreHours, r.ClusterCapacityMemoryGBHours,

		r.PersistentVolumeClaimCapacityGigabyte, r.PersistentVolumeClaimCapacityGigabyteMonths,
		r.VolumeRequestStorageGigabyteMonths, r.PersistentVolumeClaimUsageGigabyteMonths,

		r.PodLabels, r.VolumeLabels, r.AllLabels, r.CostCategoryID,

		r.AccountID, r.Region, r.AvailabilityZone, r.InstanceType, r.DataTransferDirection, r.Currency,
		r.UnblendedCost, r.UnblendedCostMarkup, r.BlendedCost, r.BlendedCostMarkup,
		r.SavingsPlanCost, r.SavingsPlanMarkup, r.AmortizedCost, r.AmortizedCostMarkup,
		r.TagsRaw, r.AWSCostCategoryRaw,
	}
}
