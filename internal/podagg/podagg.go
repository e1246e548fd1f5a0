// Package podagg implements the Pod aggregator (spec.md §4.3): it groups
// hourly/daily pod usage rows by (day, namespace, node, merged labels),
// converts units, and produces the Pod-family rows of the summary output.
package podagg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/exec"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/telemetry"
)

// Reference is the read-only reference data kept resident for the run's
// lifetime. Per-chunk functions MUST NOT mutate it.
type Reference struct {
	EnabledKeys       labels.EnabledKeySet
	NodeCapacity      map[dateNodeKey]model.NodeCapacityRow
	NodeLabels        map[dateKeyKey]map[string]string
	NamespaceLabels   map[dateKeyKey]map[string]string
	CostCategoryRules []model.CostCategoryRule
	ClusterID         string
	ClusterAlias      string
	SourceID          string
	ReportPeriodID    string
}

type dateNodeKey struct {
	date int64
	node string
}

type dateKeyKey struct {
	date int64
	key  string
}

// BuildReference precomputes lookup maps from the raw, pre-join inputs:
// node capacity keyed by (date,node), and node/namespace labels keyed by
// (date,name) after deduplicating to the last row, parsed and filtered by
// the enabled-keys set.
func BuildReference(log *zap.Logger, enabledKeys labels.EnabledKeySet, nodeCapacity []model.NodeCapacityRow, nodeLabelRows, namespaceLabelRows []model.LabelRow, rules []model.CostCategoryRule, clusterID, clusterAlias, sourceID, reportPeriodID string) Reference {
	ref := Reference{
		EnabledKeys:       enabledKeys,
		NodeCapacity:      make(map[dateNodeKey]model.NodeCapacityRow, len(nodeCapacity)),
		NodeLabels:        dedupeAndParseLabels(log, enabledKeys, nodeLabelRows),
		NamespaceLabels:   dedupeAndParseLabels(log, enabledKeys, namespaceLabelRows),
		CostCategoryRules: rules,
		ClusterID:         clusterID,
		ClusterAlias:      clusterAlias,
		SourceID:          sourceID,
		ReportPeriodID:    reportPeriodID,
	}
	for _, r := range nodeCapacity {
		ref.NodeCapacity[dateNodeKey{date: r.UsageStart.Unix(), node: r.Node}] = r
	}
	return ref
}

func dedupeAndParseLabels(log *zap.Logger, enabledKeys labels.EnabledKeySet, rows []model.LabelRow) map[dateKeyKey]map[string]string {
	latest := make(map[dateKeyKey]model.LabelRow, len(rows))
	for _, r := range rows {
		latest[dateKeyKey{date: model.DateOnly(r.Date).Unix(), key: r.Key}] = r // last wins
	}
	out := make(map[dateKeyKey]map[string]string, len(latest))
	for k, r := range latest {
		parsed := labels.Parse(log, r.LabelsRaw)
		out[k] = labels.FilterByEnabledKeys(parsed, enabledKeys)
	}
	return out
}

// accumulator is the (a) ordered-map-keyed, (b) accumulator-struct half of
// the "never a dataframe groupby" design (spec design note 9).
type accumulator struct {
	key string

	usageStartUnix int64
	namespace      string
	node           string
	mergedLabels   string

	cpuUsageSec     float64
	cpuRequestSec   float64
	cpuLimitSec     float64
	cpuEffectiveSec float64

	memUsageBS     float64
	memRequestBS   float64
	memLimitBS     float64
	memEffectiveBS float64

	resourceID string

	nodeCapCPUSec float64
	nodeCapMemBS  float64
}

// Aggregator groups pod usage rows and emits Summary rows.
type Aggregator struct {
	Log     *zap.Logger
	Metrics *telemetry.Metrics
}

// Aggregate runs the in-memory (frame) path: failures here are fatal, per
// spec.md §4.3's failure semantics.
func (a *Aggregator) Aggregate(ref Reference, rows []model.PodUsageRow) ([]model.SummaryRow, error) {
	if ref.EnabledKeys == nil {
		return nil, fmt.Errorf("%w: enabled-keys set not provided", model.ErrConfig)
	}
	grouped, err := a.group(ref, rows)
	if err != nil {
		return nil, err
	}
	return a.emit(ref, grouped), nil
}

// AggregateStream runs the streaming path: each chunk is grouped
// independently, then a final regroup merges duplicate keys across chunk
// boundaries (SUM on hour/GB-hour-bound metrics, MAX on capacity). The
// executor is built internally — its result type is this package's
// unexported accumulator, so a caller can only select Mode/MaxWorkers, not
// construct the executor itself (spec.md §4.3's streaming path is always
// driven through this one entry point, never a bare exec.Executor).
func (a *Aggregator) AggregateStream(ctx context.Context, ref Reference, mode exec.Mode, maxWorkers int, next exec.NextFunc[[]model.PodUsageRow]) ([]model.SummaryRow, error) {
	if ref.EnabledKeys == nil {
		return nil, fmt.Errorf("%w: enabled-keys set not provided", model.ErrConfig)
	}

	executor := exec.New[[]model.PodUsageRow, *accumulator](a.Log)
	executor.Mode = mode
	if maxWorkers > 0 {
		executor.MaxWorkers = maxWorkers
	}

	merged := make(map[string]*accumulator)
	executor.Combine = func(acc []*accumulator, rows []*accumulator) []*accumulator {
		for _, r := range rows {
			if existing, ok := merged[r.key]; ok {
				mergeAccumulators(existing, r)
				continue
			}
			merged[r.key] = r
			acc = append(acc, r)
		}
		return acc
	}

	chunkFn := func(ctx context.Context, chunk []model.PodUsageRow, index int) ([]*accumulator, error) {
		grouped, err := a.group(ref, chunk)
		if err != nil {
			return nil, err
		}
		out := make([]*accumulator, 0, len(grouped))
		for _, v := range grouped {
			out = append(out, v)
		}
		return out, nil
	}

	final, err := executor.Run(ctx, next, chunkFn)
	if err != nil {
		return nil, err
	}
	return a.emit(ref, final), nil
}

func mergeAccumulators(dst, src *accumulator) {
	dst.cpuUsageSec += src.cpuUsageSec
	dst.cpuRequestSec += src.cpuRequestSec
	dst.cpuLimitSec += src.cpuLimitSec
	dst.cpuEffectiveSec += src.cpuEffectiveSec
	dst.memUsageBS += src.memUsageBS
	dst.memRequestBS += src.memRequestBS
	dst.memLimitBS += src.memLimitBS
	dst.memEffectiveBS += src.memEffectiveBS
	dst.nodeCapCPUSec = labels.SafeGreatest(dst.nodeCapCPUSec, src.nodeCapCPUSec)
	dst.nodeCapMemBS = labels.SafeGreatest(dst.nodeCapMemBS, src.nodeCapMemBS)
	// resource id: first value wins — dst was created first, never overwrite.
}

func (a *Aggregator) group(ref Reference, rows []model.PodUsageRow) (map[string]*accumulator, error) {
	grouped := make(map[string]*accumulator)
	for _, row := range rows {
		if row.Node == "" {
			continue // drop rows with empty node
		}
		usageStart := model.DateOnly(row.IntervalStart)

		podLabels := labels.FilterByEnabledKeys(labels.Parse(a.logOrNil(), row.PodLabelsRaw), ref.EnabledKeys)
		if row.PodLabelsRaw != "" && len(podLabels) == 0 {
			a.Metrics.RecordParseError("podagg")
		}

		nodeLabels := ref.NodeLabels[dateKeyKey{date: usageStart.Unix(), key: row.Node}]
		nsLabels := ref.NamespaceLabels[dateKeyKey{date: usageStart.Unix(), key: row.Namespace}]

		merged := labels.Merge(nodeLabels, nsLabels, podLabels) // pod wins
		mergedJSON := labels.Serialize(merged)

		key := strings.Join([]string{
			strconv.FormatInt(usageStart.Unix(), 10),
			row.Namespace,
			row.Node,
			mergedJSON,
		}, "\x00")

		acc, ok := grouped[key]
		if !ok {
			acc = &accumulator{
				key:            key,
				usageStartUnix: usageStart.Unix(),
				namespace:      row.Namespace,
				node:           row.Node,
				mergedLabels:   mergedJSON,
				resourceID:     row.NodeResourceID,
			}
			grouped[key] = acc
		}

		cpuEffectiveFallback := labels.SafeGreatest(row.CPUUsageCoreSeconds, row.CPURequestCoreSeconds)
		memEffectiveFallback := labels.SafeGreatest(row.MemUsageByteSeconds, row.MemRequestByteSeconds)

		acc.cpuUsageSec += row.CPUUsageCoreSeconds
		acc.cpuRequestSec += row.CPURequestCoreSeconds
		acc.cpuLimitSec += row.CPULimitCoreSeconds
		acc.cpuEffectiveSec += labels.Coalesce(cpuEffectiveFallback, row.CPUEffectiveCoreSeconds)

		acc.memUsageBS += row.MemUsageByteSeconds
		acc.memRequestBS += row.MemRequestByteSeconds
		acc.memLimitBS += row.MemLimitByteSeconds
		acc.memEffectiveBS += labels.Coalesce(memEffectiveFallback, row.MemEffectiveByteSeconds)

		acc.nodeCapCPUSec = labels.SafeGreatest(acc.nodeCapCPUSec, row.NodeCapacityCPUCoreSeconds)
		acc.nodeCapMemBS = labels.SafeGreatest(acc.nodeCapMemBS, row.NodeCapacityMemByteSeconds)
	}
	return grouped, nil
}

func (a *Aggregator) emit(ref Reference, grouped map[string]*accumulator) []model.SummaryRow {
	out := make([]model.SummaryRow, 0, len(grouped))
	for _, acc := range grouped {
		usageStart := model.DateOnly(time.Unix(acc.usageStartUnix, 0).UTC())
		row := model.SummaryRow{
			ID:             model.NewRowID(),
			ReportPeriodID: ref.ReportPeriodID,
			ClusterID:      ref.ClusterID,
			ClusterAlias:   ref.ClusterAlias,
			SourceID:       ref.SourceID,
			UsageStart:     usageStart,
			UsageEnd:       usageStart,
			Namespace:      acc.namespace,
			Node:           acc.node,
			ResourceID:     acc.resourceID,
			DataSource:     model.DataSourcePod,

			PodUsageCPUCoreHours:      labels.SecondsToHours(acc.cpuUsageSec),
			PodRequestCPUCoreHours:    labels.SecondsToHours(acc.cpuRequestSec),
			PodLimitCPUCoreHours:      labels.SecondsToHours(acc.cpuLimitSec),
			PodEffectiveCPUCoreHours:  labels.SecondsToHours(acc.cpuEffectiveSec),
			PodUsageMemoryGBHours:     labels.ByteSecondsToGigabyteHours(acc.memUsageBS),
			PodRequestMemoryGBHours:   labels.ByteSecondsToGigabyteHours(acc.memRequestBS),
			PodLimitMemoryGBHours:     labels.ByteSecondsToGigabyteHours(acc.memLimitBS),
			PodEffectiveMemoryGBHours: labels.ByteSecondsToGigabyteHours(acc.memEffectiveBS),

			NodeCapacityCPUCoreHours:  labels.SecondsToHours(acc.nodeCapCPUSec),
			NodeCapacityMemoryGBHours: labels.ByteSecondsToGigabyteHours(acc.nodeCapMemBS),

			PodLabels: acc.mergedLabels,
			AllLabels: acc.mergedLabels, // volume labels are empty for Pod rows
		}

		if cap, ok := ref.NodeCapacity[dateNodeKey{date: acc.usageStartUnix, node: acc.node}]; ok {
			row.ClusterCapacityCPUCoreHours = cap.ClusterCapacityCPUCoreHours
			row.ClusterCapacityMemoryGBHours = cap.ClusterCapacityMemoryGigabyteHours
		}

		row.CostCategoryID = matchCostCategory(ref.CostCategoryRules, acc.namespace)

		out = append(out, row)
	}
	return out
}

// matchCostCategory evaluates every rule and returns max(id) among matches,
// nil if none match.
func matchCostCategory(rules []model.CostCategoryRule, namespace string) *int64 {
	var best *int64
	for _, rule := range rules {
		matched := false
		if strings.HasSuffix(rule.NamespacePattern, "%") {
			matched = strings.HasPrefix(namespace, strings.TrimSuffix(rule.NamespacePattern, "%"))
		} else {
			matched = namespace == rule.NamespacePattern
		}
		if matched && (best == nil || rule.ID > *best) {
			id := rule.ID
			best = &id
		}
	}
	return best
}

func (a *Aggregator) logOrNil() *zap.Logger {
	return a.Log
}
