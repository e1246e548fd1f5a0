// Package storageagg implements the Storage aggregator (spec.md §4.5): it
// joins storage usage rows to pod rows to recover node/resource id, divides
// shared-volume usage across the nodes that mount it, and groups by
// (date, namespace, PVC, PV, storage-class, node, resource-id).
package storageagg

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/telemetry"
)

type podJoinKey struct {
	date      int64
	namespace string
	pod       string
}

type podJoinValue struct {
	node       string
	resourceID string
}

// Reference is the read-only reference data kept resident for the run.
type Reference struct {
	EnabledKeys       labels.EnabledKeySet
	PodJoin           map[podJoinKey]podJoinValue
	NamespaceLabels   map[string]map[string]string // keyed by (date-unix,namespace) composite string
	NodeLabels        map[string]map[string]string // keyed by (date-unix,node) composite string
	CostCategoryRules []model.CostCategoryRule
	ClusterID         string
	ClusterAlias      string
	SourceID          string
	ReportPeriodID    string
}

// BuildReference indexes pod usage rows for the (date,namespace,pod) join
// and, like podagg.BuildReference, dedupes/parses/filters the node and
// namespace label rows (last-before-join wins per (date,key)) so the
// storage path's pod_labels = merge(node, namespace, volume) precedence
// (spec.md §4.5) sees real label data instead of permanently-empty maps.
func BuildReference(log *zap.Logger, enabledKeys labels.EnabledKeySet, podRows []model.PodUsageRow, nodeLabelRows, namespaceLabelRows []model.LabelRow, rules []model.CostCategoryRule, clusterID, clusterAlias, sourceID, reportPeriodID string) Reference {
	ref := Reference{
		EnabledKeys:       enabledKeys,
		PodJoin:           make(map[podJoinKey]podJoinValue, len(podRows)),
		NamespaceLabels:   dedupeAndParseLabels(log, enabledKeys, namespaceLabelRows),
		NodeLabels:        dedupeAndParseLabels(log, enabledKeys, nodeLabelRows),
		CostCategoryRules: rules,
		ClusterID:         clusterID,
		ClusterAlias:      clusterAlias,
		SourceID:          sourceID,
		ReportPeriodID:    reportPeriodID,
	}
	for _, r := range podRows {
		k := podJoinKey{date: model.DateOnly(r.IntervalStart).Unix(), namespace: r.Namespace, pod: r.Pod}
		if _, ok := ref.PodJoin[k]; !ok {
			ref.PodJoin[k] = podJoinValue{node: r.Node, resourceID: r.NodeResourceID}
		}
	}
	return ref
}

// dedupeAndParseLabels mirrors podagg's dedupeAndParseLabels: rows are
// deduplicated to the last one per (date,key) before parse/filter, keyed
// here as a "dateUnix\x00key" composite string to match Reference's
// existing map shape.
func dedupeAndParseLabels(log *zap.Logger, enabledKeys labels.EnabledKeySet, rows []model.LabelRow) map[string]map[string]string {
	latest := make(map[string]model.LabelRow, len(rows))
	for _, r := range rows {
		k := strconv.FormatInt(model.DateOnly(r.Date).Unix(), 10) + "\x00" + r.Key
		latest[k] = r // last wins
	}
	out := make(map[string]map[string]string, len(latest))
	for k, r := range latest {
		parsed := labels.Parse(log, r.LabelsRaw)
		out[k] = labels.FilterByEnabledKeys(parsed, enabledKeys)
	}
	return out
}

type groupKey struct {
	date         int64
	namespace    string
	pvc          string
	pv           string
	storageClass string
	node         string
	resourceID   string
}

type accumulator struct {
	key groupKey

	capacityBS float64 // point-in-time-ish counters summed pre-division
	requestBS  float64
	usageBS    float64

	volumeLabels   string
	maxCapacity    float64
	csiHandle      string
}

// Result carries the aggregated Storage rows plus the pod-join match rate,
// which the pipeline reports as Diagnostics.StoragePodJoinMatchRate (the
// low-match-rate threshold is checked against the resource-id match rate,
// not this one).
type Result struct {
	Rows      []model.SummaryRow
	MatchRate float64
}

// Aggregator groups storage usage rows and emits Storage-family summary rows.
type Aggregator struct {
	Log     *zap.Logger
	Metrics *telemetry.Metrics
}

// Aggregate runs the full storage aggregation over an in-memory frame.
func (a *Aggregator) Aggregate(ref Reference, rows []model.StorageUsageRow) Result {
	type prepared struct {
		row          model.StorageUsageRow
		node         string
		resourceID   string
		volumeLabels map[string]string
		date         int64
	}

	var matched, total int
	nodeCountByDatePV := make(map[string]map[string]struct{})
	preps := make([]prepared, 0, len(rows))

	for _, row := range rows {
		total++
		date := model.DateOnly(row.IntervalStart).Unix()

		pvLabels := labels.FilterByEnabledKeys(labels.Parse(a.Log, row.PVLabelsRaw), ref.EnabledKeys)
		pvcLabels := labels.FilterByEnabledKeys(labels.Parse(a.Log, row.PVCLabelsRaw), ref.EnabledKeys)
		volumeLabels := labels.Merge(pvLabels, pvcLabels) // PVC wins

		node, resourceID := "", ""
		if v, ok := ref.PodJoin[podJoinKey{date: date, namespace: row.Namespace, pod: row.Pod}]; ok {
			node, resourceID = v.node, v.resourceID
			matched++
		}

		pvKey := strconv.FormatInt(date, 10) + "\x00" + row.PV
		if nodeCountByDatePV[pvKey] == nil {
			nodeCountByDatePV[pvKey] = make(map[string]struct{})
		}
		if node != "" {
			nodeCountByDatePV[pvKey][node] = struct{}{}
		}

		preps = append(preps, prepared{row: row, node: node, resourceID: resourceID, volumeLabels: volumeLabels, date: date})
	}

	grouped := make(map[groupKey]*accumulator)
	for _, p := range preps {
		pvKey := strconv.FormatInt(p.date, 10) + "\x00" + p.row.PV
		nodeCount := len(nodeCountByDatePV[pvKey])
		if nodeCount == 0 {
			nodeCount = 1
		}

		key := groupKey{
			date: p.date, namespace: p.row.Namespace, pvc: p.row.PVC, pv: p.row.PV,
			storageClass: p.row.StorageClass, node: p.node, resourceID: p.resourceID,
		}
		acc, ok := grouped[key]
		if !ok {
			acc = &accumulator{key: key, volumeLabels: labels.Serialize(p.volumeLabels)}
			grouped[key] = acc
		}
		acc.requestBS += p.row.RequestByteSeconds / float64(nodeCount)
		acc.usageBS += p.row.UsageByteSeconds / float64(nodeCount)
		acc.capacityBS += p.row.CapacityByteSeconds // unchanged by sharing
		acc.maxCapacity = labels.SafeGreatest(acc.maxCapacity, p.row.CapacityBytes)
		if p.row.CSIHandle > acc.csiHandle {
			acc.csiHandle = p.row.CSIHandle // MAX of CSI handle (lexicographic)
		}
	}

	out := make([]model.SummaryRow, 0, len(grouped))
	for _, acc := range grouped {
		usageStart := dateFromUnix(acc.key.date)
		daysInMonth := model.DaysInMonth(usageStart.Year(), usageStart.Month())

		nodeLabels := ref.NodeLabels[strconv.FormatInt(acc.key.date, 10)+"\x00"+acc.key.node]
		nsLabels := ref.NamespaceLabels[strconv.FormatInt(acc.key.date, 10)+"\x00"+acc.key.namespace]
		volumeLabelMap := labels.Parse(a.Log, acc.volumeLabels)
		allLabels := labels.Merge(nodeLabels, nsLabels, volumeLabelMap) // volume wins, distinct from Pod path

		row := model.SummaryRow{
			ID:             model.NewRowID(),
			ReportPeriodID: ref.ReportPeriodID,
			ClusterID:      ref.ClusterID,
			ClusterAlias:   ref.ClusterAlias,
			SourceID:       ref.SourceID,
			UsageStart:     usageStart,
			UsageEnd:       usageStart,
			Namespace:      acc.key.namespace,
			Node:           acc.key.node,
			ResourceID:     acc.key.resourceID,
			PVC:            acc.key.pvc,
			PV:             acc.key.pv,
			StorageClass:   acc.key.storageClass,
			DataSource:     model.DataSourceStorage,

			PersistentVolumeClaimCapacityGigabyte:       labels.BytesToGigabytes(acc.maxCapacity),
			PersistentVolumeClaimCapacityGigabyteMonths: labels.ByteSecondsToGigabyteMonths(acc.capacityBS, daysInMonth),
			VolumeRequestStorageGigabyteMonths:           labels.ByteSecondsToGigabyteMonths(acc.requestBS, daysInMonth),
			PersistentVolumeClaimUsageGigabyteMonths:     labels.ByteSecondsToGigabyteMonths(acc.usageBS, daysInMonth),

			VolumeLabels: acc.volumeLabels,
			PodLabels:    labels.Serialize(allLabels),
			AllLabels:    labels.Serialize(allLabels),
		}
		row.CostCategoryID = matchCostCategory(ref.CostCategoryRules, acc.key.namespace)
		out = append(out, row)
	}

	var rate float64
	if total > 0 {
		rate = float64(matched) / float64(total)
	}
	return Result{Rows: out, MatchRate: rate}
}

func dateFromUnix(u int64) time.Time {
	return model.DateOnly(time.Unix(u, 0).UTC())
}

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
