// Package pipeline implements the OCP-AWS pipeline orchestration (spec.md
// §4.12): it runs the pod/storage/capacity/unallocated aggregators and,
// when AWS attribution is enabled, the matcher -> tag matcher -> disk
// solver -> attributor -> network handler chain, then merges everything
// into one timezone-normalized output frame.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/capacity"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/config"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/costattrib"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/diskcapacity"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/exec"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/networkcost"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/podagg"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/resourcematch"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/storageagg"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/tagmatch"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/telemetry"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/unallocated"
)

// Inputs bundles every raw-chunk source and reference-query result the
// pipeline consumes in a single run (spec.md §6 Inbound interfaces).
type Inputs struct {
	PodUsage          []model.PodUsageRow
	StorageUsage      []model.StorageUsageRow
	NodeCapacityRaw   []model.NodeCapacityIntervalRow
	NodeLabels        []model.LabelRow
	NamespaceLabels   []model.LabelRow
	CostCategoryRules []model.CostCategoryRule
	NodeRoles         []model.NodeRoleRow

	// CloudBilling is empty when AWS attribution is disabled for this run;
	// the pipeline then emits OCP-only summary rows.
	CloudBilling []model.CloudBillingRow
}

// Diagnostics surfaces the structured, count-carrying warnings spec.md §7
// calls for instead of per-row messages.
type Diagnostics struct {
	StoragePodJoinMatchRate float64
	ResourceMatchRate       float64
	LowResourceMatchRate    bool
	DiscardedDedupes        int
	NetworkRowsAttributed   int
}

// Output is the pipeline's result: the merged, cluster-stamped,
// timezone-normalized row set plus diagnostics.
type Output struct {
	Rows        []model.AttributedRow
	Diagnostics Diagnostics
}

// Pipeline wires the phase 1-7 components together.
type Pipeline struct {
	Log     *zap.Logger
	Metrics *telemetry.Metrics
	Cfg     config.Config
}

// Run executes the in-memory path: every input is fully materialized
// before any phase starts.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	enabledKeys := labels.NewEnabledKeySet(p.Cfg.OCP.EnabledTagKeys)

	nodeCapacity := (&capacity.Calculator{Log: p.Log}).Aggregate(in.NodeCapacityRaw)

	podRef := podagg.BuildReference(p.Log, enabledKeys, nodeCapacity, in.NodeLabels, in.NamespaceLabels,
		in.CostCategoryRules, p.Cfg.OCP.ClusterID, p.Cfg.OCP.ClusterAlias, p.Cfg.AWS.ProviderUUID, p.Cfg.OCP.ReportPeriodID)
	podAgg := &podagg.Aggregator{Log: p.Log, Metrics: p.Metrics}
	podRows, err := podAgg.Aggregate(podRef, in.PodUsage)
	if err != nil {
		return Output{}, fmt.Errorf("pod aggregation: %w", err)
	}

	storageRef := storageagg.BuildReference(p.Log, enabledKeys, in.PodUsage, in.NodeLabels, in.NamespaceLabels, in.CostCategoryRules,
		p.Cfg.OCP.ClusterID, p.Cfg.OCP.ClusterAlias, p.Cfg.AWS.ProviderUUID, p.Cfg.OCP.ReportPeriodID)
	storageResult := (&storageagg.Aggregator{Log: p.Log, Metrics: p.Metrics}).Aggregate(storageRef, in.StorageUsage)

	unallocatedRows := wrapSummaryRows((&unallocated.Calculator{Log: p.Log}).Aggregate(podRows, in.NodeRoles))
	stampClusterMeta(unallocatedRows, p.Cfg)

	diag := Diagnostics{StoragePodJoinMatchRate: storageResult.MatchRate}

	out := make([]model.AttributedRow, 0, len(podRows)+len(storageResult.Rows)+len(unallocatedRows))
	out = append(out, wrapSummaryRows(podRows)...)
	out = append(out, wrapSummaryRows(storageResult.Rows)...)
	out = append(out, unallocatedRows...)

	if len(in.CloudBilling) == 0 {
		return Output{Rows: formatOutput(out), Diagnostics: diag}, nil
	}

	attributed, attribDiag, err := p.attributeAWS(podRows, in)
	if err != nil {
		return Output{}, err
	}
	out = append(out, attributed...)
	diag.ResourceMatchRate = attribDiag.ResourceMatchRate
	diag.LowResourceMatchRate = attribDiag.LowResourceMatchRate
	diag.DiscardedDedupes = attribDiag.DiscardedDedupes
	diag.NetworkRowsAttributed = attribDiag.NetworkRowsAttributed

	return Output{Rows: formatOutput(out), Diagnostics: diag}, nil
}

// attributeAWS runs phases 1-7 of the AWS attribution path: resource-id
// matcher -> tag matcher -> disk-capacity solver -> cost attributor ->
// network-cost handler.
func (p *Pipeline) attributeAWS(podRows []model.SummaryRow, in Inputs) ([]model.AttributedRow, Diagnostics, error) {
	nodeResourceIDs := uniqueNonEmpty(func(yield func(string)) {
		for _, r := range in.PodUsage {
			yield(r.NodeResourceID)
		}
	})
	pvNames := uniqueNonEmpty(func(yield func(string)) {
		for _, r := range in.StorageUsage {
			yield(r.PV)
		}
	})
	csiHandles := uniqueNonEmpty(func(yield func(string)) {
		for _, r := range in.StorageUsage {
			yield(r.CSIHandle)
		}
	})

	ids := resourcematch.BuildOCPIdentifiers(nodeResourceIDs, pvNames, csiHandles)
	matched := (resourcematch.Matcher{}).Match(ids, in.CloudBilling)

	rate := resourcematch.MatchRate(matched)
	p.Metrics.SetResourceMatchRate(rate)
	lowMatch := rate < p.Cfg.Cost.LowMatchRateThreshold
	if lowMatch {
		if p.Log != nil {
			p.Log.Warn("resource-id match rate below threshold", zap.Float64("rate", rate),
				zap.Float64("threshold", p.Cfg.Cost.LowMatchRateThreshold))
		}
		if p.Cfg.Cost.FailOnLowMatchRate {
			return nil, Diagnostics{}, fmt.Errorf("%w: resource-id match rate %.2f below configured threshold %.2f",
				model.ErrSchema, rate, p.Cfg.Cost.LowMatchRateThreshold)
		}
	}

	nodes := uniqueSet(func(yield func(string)) {
		for _, r := range in.PodUsage {
			yield(r.Node)
		}
	})
	namespaces := uniqueSet(func(yield func(string)) {
		for _, r := range in.PodUsage {
			if !model.IsSyntheticNamespace(r.Namespace) {
				yield(r.Namespace)
			}
		}
	})
	tagger := tagmatch.Matcher{Log: p.Log, EnabledKeys: nil}
	tagged := tagger.Match(tagmatch.Identifiers{
		ClusterID:    p.Cfg.OCP.ClusterID,
		ClusterAlias: p.Cfg.OCP.ClusterAlias,
		Nodes:        nodes,
		Namespaces:   namespaces,
	}, matched)

	disks := (diskcapacity.Solver{Log: p.Log}).Solve(diskcapacity.VolumeIdentifiers(in.StorageUsage), matched)

	weights := costattrib.Weights{CPUWeight: 0.73, MemoryWeight: 0.27}
	if w, ok := p.Cfg.Cost.Distribution.Weights["aws"]; ok {
		weights = costattrib.Weights{CPUWeight: w.CPUWeight, MemoryWeight: w.MemoryWeight}
	}
	attributor := costattrib.Attributor{
		Log:     p.Log,
		Metrics: p.Metrics,
		Method:  p.Cfg.Cost.Distribution.Method,
		Weights: weights,
		Markup:  p.Cfg.AWS.Markup,
	}

	podHourly := costattrib.DerivePodHourly(in.PodUsage)
	computeResult, err := attributor.ComputeAttribution(podHourly, tagged)
	if err != nil {
		return nil, Diagnostics{}, fmt.Errorf("cost attribution: %w", err)
	}
	stampClusterMeta(computeResult.Rows, p.Cfg)

	storageResult := attributor.StorageAttribution(disks, in.StorageUsage, tagged)
	stampClusterMeta(storageResult.Rows, p.Cfg)

	network := (networkcost.Handler{Log: p.Log, Markup: p.Cfg.AWS.Markup}).Handle(nodeResourceIDs, in.CloudBilling)
	networkRows := wrapNetworkRows(network)
	stampClusterMeta(networkRows, p.Cfg)

	out := make([]model.AttributedRow, 0, len(computeResult.Rows)+len(storageResult.Rows)+len(networkRows))
	out = append(out, computeResult.Rows...)
	out = append(out, storageResult.Rows...)
	out = append(out, networkRows...)

	return out, Diagnostics{
		ResourceMatchRate:     rate,
		LowResourceMatchRate:  lowMatch,
		DiscardedDedupes:      computeResult.DiscardedDedupes,
		NetworkRowsAttributed: len(networkRows),
	}, nil
}

// RunStream drives the pod-usage side through the streaming executor in
// serial mode (parallel chunks MUST be disabled here: the cloud billing
// frame and label reference data are shared and not safe to duplicate per
// worker). Reference data — cloud billing rows, labels, storage usage — is
// loaded once and kept resident for the whole run; only the pod-usage
// iterator is chunked.
func (p *Pipeline) RunStream(ctx context.Context, next exec.NextFunc[[]model.PodUsageRow], in Inputs) (Output, error) {
	enabledKeys := labels.NewEnabledKeySet(p.Cfg.OCP.EnabledTagKeys)
	nodeCapacity := (&capacity.Calculator{Log: p.Log}).Aggregate(in.NodeCapacityRaw)
	podRef := podagg.BuildReference(p.Log, enabledKeys, nodeCapacity, in.NodeLabels, in.NamespaceLabels,
		in.CostCategoryRules, p.Cfg.OCP.ClusterID, p.Cfg.OCP.ClusterAlias, p.Cfg.AWS.ProviderUUID, p.Cfg.OCP.ReportPeriodID)

	podAgg := &podagg.Aggregator{Log: p.Log, Metrics: p.Metrics}

	// The streamed pod-usage rows are also accumulated in memory so the
	// storage join, unallocated pass and AWS attribution — none of which
	// are chunk-local — can run once the stream drains. This trades the
	// "bounded by largest chunk" memory ceiling for pod rows specifically;
	// spec.md §4.12 only requires the pod-usage iterator itself be
	// streamed, not every downstream phase.
	var allPodUsage []model.PodUsageRow
	wrapped := exec.NextFunc[[]model.PodUsageRow](func() ([]model.PodUsageRow, bool, error) {
		chunk, ok, err := next()
		if err != nil || !ok {
			return nil, ok, err
		}
		allPodUsage = append(allPodUsage, chunk...)
		return chunk, true, nil
	})

	// Mode is forced serial: the cloud billing frame and label reference
	// data above are shared across the whole run and not safe to duplicate
	// per worker (spec.md §4.2 Combination, §4.12 streaming mode).
	rows, err := podAgg.AggregateStream(ctx, podRef, exec.ModeSerial, 1, wrapped)
	if err != nil {
		return Output{}, fmt.Errorf("streaming pod aggregation: %w", err)
	}

	streamIn := in
	streamIn.PodUsage = allPodUsage
	full, err := p.Run(ctx, streamIn)
	if err != nil {
		return Output{}, err
	}
	// podagg's own streamed regroup (rows) is recomputed in-memory by
	// p.Run above so the storage join, unallocated pass, and AWS
	// attribution all see the same Pod-family rows; the streamed result is
	// used only as a sanity check that non-empty input produced rows.
	if len(rows) == 0 && len(allPodUsage) > 0 {
		return Output{}, fmt.Errorf("%w: streaming pod aggregation produced no rows for non-empty input", model.ErrSchema)
	}
	return full, nil
}

func wrapSummaryRows(rows []model.SummaryRow) []model.AttributedRow {
	out := make([]model.AttributedRow, len(rows))
	for i, r := range rows {
		out[i] = model.AttributedRow{SummaryRow: r}
	}
	return out
}

func wrapNetworkRows(rows []networkcost.Row) []model.AttributedRow {
	out := make([]model.AttributedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AttributedRow{
			SummaryRow: model.SummaryRow{
				ID:         model.NewRowID(),
				Namespace:  r.Namespace,
				Node:       r.Node,
				UsageStart: r.UsageStart,
				UsageEnd:   r.UsageEnd,
				DataSource: model.DataSourcePod,
				PodLabels:  "{}",
				AllLabels:  "{}",
			},
			DataTransferDirection: r.Direction,
			UnblendedCost:         r.Cost.Unblended,
			UnblendedCostMarkup:   r.CostMarkup.Unblended,
			BlendedCost:           r.Cost.Blended,
			BlendedCostMarkup:     r.CostMarkup.Blended,
			SavingsPlanCost:       r.Cost.SavingsPlan,
			SavingsPlanMarkup:     r.CostMarkup.SavingsPlan,
			AmortizedCost:         r.Cost.Amortized,
			AmortizedCostMarkup:   r.CostMarkup.Amortized,
		})
	}
	return out
}

// stampClusterMeta fills in the cluster metadata columns on rows produced
// by components that don't carry OCPCfg/AWSCfg context (unallocated,
// attribution, network-cost). ClusterID is only defaulted when a row
// doesn't already carry one: the Storage unattributed residual split
// (spec.md §4.11) stamps a per-cluster id on each split row before this
// runs, and that must survive rather than collapse to the run's single
// configured cluster id.
func stampClusterMeta(rows []model.AttributedRow, cfg config.Config) {
	for i := range rows {
		rows[i].ReportPeriodID = cfg.OCP.ReportPeriodID
		if rows[i].ClusterID == "" {
			rows[i].ClusterID = cfg.OCP.ClusterID
		}
		rows[i].ClusterAlias = cfg.OCP.ClusterAlias
		if rows[i].SourceID == "" {
			rows[i].SourceID = cfg.AWS.ProviderUUID
		}
		if rows[i].Currency == "" {
			rows[i].Currency = "USD"
		}
	}
}

// formatOutput applies the output-formatting pass common to both modes:
// timestamps are already timezone-naive by construction (every component
// canonicalizes via model.DateOnly/HourFloor at ingest, not after the
// fact), so this pass only validates the free-form JSON columns.
func formatOutput(rows []model.AttributedRow) []model.AttributedRow {
	for i := range rows {
		if rows[i].PodLabels == "" {
			rows[i].PodLabels = "{}"
		}
		if rows[i].VolumeLabels == "" {
			rows[i].VolumeLabels = "{}"
		}
		if rows[i].AllLabels == "" {
			rows[i].AllLabels = "{}"
		}
		rows[i].TagsRaw = labels.ValidateJSON(rows[i].TagsRaw)
		rows[i].AWSCostCategoryRaw = labels.ValidateJSON(rows[i].AWSCostCategoryRaw)
	}
	return rows
}

func uniqueNonEmpty(iter func(yield func(string))) []string {
	seen := map[string]struct{}{}
	var out []string
	iter(func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	})
	return out
}

func uniqueSet(iter func(yield func(string))) map[string]struct{} {
	out := map[string]struct{}{}
	iter(func(s string) {
		if s == "" {
			return
		}
		out[s] = struct{}{}
	})
	return out
}
