// Package costattrib implements the Cost attributor (spec.md §4.11): it
// joins OCP pod rows to matched cloud rows, computes a per-pod attribution
// ratio, and distributes the four cost flavors (with markup) across
// compute and storage.
package costattrib

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/diskcapacity"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/resourcematch"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/tagmatch"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/telemetry"
)

// Method selects the attribution-ratio formula.
const (
	MethodCPU      = "cpu"
	MethodMemory   = "memory"
	MethodWeighted = "weighted"
)

// Weights are the per-provider cpu/memory weights for MethodWeighted.
type Weights struct {
	CPUWeight    float64
	MemoryWeight float64
}

// Attributor computes compute and storage cost attribution.
type Attributor struct {
	Log     *zap.Logger
	Metrics *telemetry.Metrics
	Method  string
	Weights Weights
	Markup  float64
}

// PodHourly is an hour-floored, effective-usage view of a pod's resource
// consumption, the unit the attribution ratio is computed over.
type PodHourly struct {
	Namespace  string
	Pod        string
	Node       string
	ResourceID string
	Hour       time.Time

	CPUEffectiveCoreSeconds    float64
	MemEffectiveByteSeconds    float64
	NodeCapacityCPUCoreSeconds float64
	NodeCapacityMemByteSeconds float64
}

// DerivePodHourly computes the effective-usage view from raw pod usage
// rows, using the same coalesce(effective, greatest(usage,request)) rule
// as the pod aggregator.
func DerivePodHourly(rows []model.PodUsageRow) []PodHourly {
	out := make([]PodHourly, 0, len(rows))
	for _, r := range rows {
		cpuFallback := labels.SafeGreatest(r.CPUUsageCoreSeconds, r.CPURequestCoreSeconds)
		memFallback := labels.SafeGreatest(r.MemUsageByteSeconds, r.MemRequestByteSeconds)
		out = append(out, PodHourly{
			Namespace:                  r.Namespace,
			Pod:                        r.Pod,
			Node:                       r.Node,
			ResourceID:                 r.NodeResourceID,
			Hour:                       model.HourFloor(r.IntervalStart),
			CPUEffectiveCoreSeconds:    labels.Coalesce(cpuFallback, r.CPUEffectiveCoreSeconds),
			MemEffectiveByteSeconds:    labels.Coalesce(memFallback, r.MemEffectiveByteSeconds),
			NodeCapacityCPUCoreSeconds: r.NodeCapacityCPUCoreSeconds,
			NodeCapacityMemByteSeconds: r.NodeCapacityMemByteSeconds,
		})
	}
	return out
}

type joinKey struct {
	namespace  string
	pod        string
	hour       int64
	resourceID string
}

type joinedPair struct {
	pod    PodHourly
	cloud  model.CloudBillingRow
	viaTag bool
}

// ComputeResult carries the attributed compute rows plus the count of
// tag-matched rows discarded in favor of a resource-id match for the same
// key (spec.md §9's open question — preserved behavior, surfaced count).
type ComputeResult struct {
	Rows             []model.AttributedRow
	DiscardedDedupes int
}

// ComputeAttribution joins pods to matched cloud rows by resource id and by
// tag, dedupes preferring the resource-id match, computes the attribution
// ratio, normalizes within (cloud resource id, hour), and distributes cost.
func (a Attributor) ComputeAttribution(pods []PodHourly, tagged []tagmatch.Matched) (ComputeResult, error) {
	if err := a.validateMethod(); err != nil {
		return ComputeResult{}, err
	}

	podsByResourceHour := make(map[[2]string][]PodHourly)
	for _, p := range pods {
		k := [2]string{p.ResourceID, p.Hour.Format(time.RFC3339)}
		podsByResourceHour[k] = append(podsByResourceHour[k], p)
	}
	podsByNodeHour := make(map[[2]string][]PodHourly)
	for _, p := range pods {
		k := [2]string{p.Node, p.Hour.Format(time.RFC3339)}
		podsByNodeHour[k] = append(podsByNodeHour[k], p)
	}

	joined := make(map[joinKey]joinedPair)
	discarded := 0

	for _, m := range tagged {
		hour := model.HourFloor(m.Row.UsageStart)
		hourKey := hour.Format(time.RFC3339)

		// Strategy 1: resource-id match, hourly alignment.
		if m.ResourceIDMatched && m.MatchType == resourcematch.MatchNode {
			for _, p := range podsByResourceHour[[2]string{m.MatchedResourceID, hourKey}] {
				k := joinKey{namespace: p.Namespace, pod: p.Pod, hour: hour.Unix(), resourceID: m.Row.ResourceID}
				joined[k] = joinedPair{pod: p, cloud: m.Row, viaTag: false}
			}
		}

		// Strategy 2: tag match, same hour, synthetic namespaces excluded.
		if m.TagMatched && m.MatchedOCPNode != "" {
			for _, p := range podsByNodeHour[[2]string{m.MatchedOCPNode, hourKey}] {
				if model.IsSyntheticNamespace(p.Namespace) {
					continue
				}
				k := joinKey{namespace: p.Namespace, pod: p.Pod, hour: hour.Unix(), resourceID: m.Row.ResourceID}
				if existing, ok := joined[k]; ok && !existing.viaTag {
					discarded++ // resource-id match already present, prefer it
					continue
				}
				joined[k] = joinedPair{pod: p, cloud: m.Row, viaTag: true}
			}
		}
	}

	groupSums := make(map[[2]string]float64) // (cloud resource id, hour) -> sum ratio
	ratios := make(map[joinKey]float64)
	for k, pair := range joined {
		ratio := a.ratio(pair.pod)
		ratios[k] = ratio
		gk := [2]string{pair.cloud.ResourceID, pair.pod.Hour.Format(time.RFC3339)}
		groupSums[gk] += ratio
	}

	var rows []model.AttributedRow
	for k, pair := range joined {
		gk := [2]string{pair.cloud.ResourceID, pair.pod.Hour.Format(time.RFC3339)}
		sum := groupSums[gk]
		if sum <= 0 {
			continue
		}
		normalized := ratios[k] / sum

		flavors := pair.cloud.Flavors()
		podCost := model.CostFlavors{
			Unblended:   flavors.Unblended * normalized,
			Blended:     flavors.Blended * normalized,
			SavingsPlan: flavors.SavingsPlan * normalized,
			Amortized:   flavors.Amortized * normalized,
		}
		markupCost := model.CostFlavors{
			Unblended:   podCost.Unblended * a.Markup,
			Blended:     podCost.Blended * a.Markup,
			SavingsPlan: podCost.SavingsPlan * a.Markup,
			Amortized:   podCost.Amortized * a.Markup,
		}

		rows = append(rows, model.AttributedRow{
			SummaryRow: model.SummaryRow{
				ID:         model.NewRowID(),
				Namespace:  pair.pod.Namespace,
				Node:       pair.pod.Node,
				ResourceID: pair.cloud.ResourceID,
				UsageStart: model.DateOnly(pair.pod.Hour),
				UsageEnd:   model.DateOnly(pair.pod.Hour),
				DataSource: model.DataSourcePod,
			},
			AccountID:           pair.cloud.AccountID,
			Region:              pair.cloud.Region,
			AvailabilityZone:    pair.cloud.AvailabilityZone,
			InstanceType:        pair.cloud.InstanceType,
			Currency:            pair.cloud.Currency,
			UnblendedCost:       podCost.Unblended,
			UnblendedCostMarkup: markupCost.Unblended,
			BlendedCost:         podCost.Blended,
			BlendedCostMarkup:   markupCost.Blended,
			SavingsPlanCost:     podCost.SavingsPlan,
			SavingsPlanMarkup:   markupCost.SavingsPlan,
			AmortizedCost:       podCost.Amortized,
			AmortizedCostMarkup: markupCost.Amortized,
		})
	}

	if discarded > 0 {
		a.Metrics.RecordDiscardedDedup(discarded)
	}

	return ComputeResult{Rows: rows, DiscardedDedupes: discarded}, nil
}

func (a Attributor) ratio(p PodHourly) float64 {
	cpuRatio := safeRatio(p.CPUEffectiveCoreSeconds, p.NodeCapacityCPUCoreSeconds)
	memRatio := safeRatio(p.MemEffectiveByteSeconds, p.NodeCapacityMemByteSeconds)
	switch a.Method {
	case MethodMemory:
		return memRatio
	case MethodWeighted:
		return a.Weights.CPUWeight*cpuRatio + a.Weights.MemoryWeight*memRatio
	default:
		return cpuRatio
	}
}

func safeRatio(numerator, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	r := numerator / denominator
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func (a Attributor) validateMethod() error {
	switch a.Method {
	case MethodCPU, MethodMemory, MethodWeighted:
		return nil
	default:
		return fmt.Errorf("%w: unknown cost attribution method %q", model.ErrConfig, a.Method)
	}
}

// StorageResult carries the rows of the three storage-attribution row
// families (CSI-proportional, tag-matched, and residual unattributed).
type StorageResult struct {
	Rows []model.AttributedRow
}

// StorageAttribution implements the CSI, tag-matched, and residual storage
// cost attribution paths (spec.md §4.11).
func (a Attributor) StorageAttribution(disks []diskcapacity.Capacity, storageRows []model.StorageUsageRow, tagged []tagmatch.Matched) StorageResult {
	pvcByDisk := make(map[[2]string][]model.StorageUsageRow) // (resource id, date) -> pvcs

	for _, s := range storageRows {
		date := model.DateOnly(s.IntervalStart).Unix()
		for _, disk := range disks {
			if disk.UsageStart.Unix() != date {
				continue
			}
			if hasSuffixMatch(disk.ResourceID, s.PV) || hasSuffixMatch(disk.ResourceID, s.CSIHandle) {
				pvcByDisk[[2]string{disk.ResourceID, disk.UsageStart.Format(time.RFC3339)}] = append(pvcByDisk[[2]string{disk.ResourceID, disk.UsageStart.Format(time.RFC3339)}], s)
			}
		}
	}

	var out []model.AttributedRow

	for _, disk := range disks {
		diskKey := [2]string{disk.ResourceID, disk.UsageStart.Format(time.RFC3339)}
		pvcs := pvcByDisk[diskKey]
		diskCost := findDiskCostFlavors(tagged, disk)

		var sumCapacity float64
		clusterSeen := map[string]struct{}{}
		var clusterIDs []string
		for _, pvc := range pvcs {
			sumCapacity += labels.BytesToGigabytes(pvc.CapacityBytes)
			ratio := safeRatio(labels.BytesToGigabytes(pvc.CapacityBytes), float64(disk.CapacityGB))
			pvcCost := scaleFlavors(diskCost, ratio)
			row := storageAttributedRow(pvc.Namespace, pvc.PVC, pvc.PV, disk.UsageStart, pvcCost, a.Markup)
			row.ClusterID = pvc.ClusterID
			out = append(out, row)
			if pvc.ClusterID != "" {
				if _, ok := clusterSeen[pvc.ClusterID]; !ok {
					clusterSeen[pvc.ClusterID] = struct{}{}
					clusterIDs = append(clusterIDs, pvc.ClusterID)
				}
			}
		}

		unattributedRatio := 1.0 - sumCapacity/float64(disk.CapacityGB)
		if unattributedRatio < 0 {
			unattributedRatio = 0
		}
		if unattributedRatio > 0.001 {
			residualCost := scaleFlavors(diskCost, unattributedRatio)
			// When a disk is shared by PVCs from more than one cluster, the
			// residual splits equally across every distinct cluster id seen
			// on that disk's PVCs (spec.md §4.11); a single-cluster (or
			// cluster-id-less) disk keeps the full residual on one row.
			numClusters := len(clusterIDs)
			if numClusters == 0 {
				numClusters = 1
			}
			split := scaleFlavors(residualCost, 1.0/float64(numClusters))
			if len(clusterIDs) == 0 {
				out = append(out, storageAttributedRow(model.NamespaceStorageUnattributed, "", "", disk.UsageStart, split, a.Markup))
			} else {
				for _, clusterID := range clusterIDs {
					row := storageAttributedRow(model.NamespaceStorageUnattributed, "", "", disk.UsageStart, split, a.Markup)
					row.ClusterID = clusterID
					out = append(out, row)
				}
			}
		}
	}

	// Tag-matched path: EBS rows tag-matched to a namespace but not
	// CSI-matched are attributed in full (no PVC proportioning).
	for _, m := range tagged {
		if !m.TagMatched || m.ResourceIDMatched {
			continue
		}
		flavors := m.Row.Flavors()
		if m.MatchedOCPNamespace != "" {
			out = append(out, storageAttributedRow(m.MatchedOCPNamespace, "", "", model.DateOnly(m.Row.UsageStart), flavors, a.Markup))
		} else if m.MatchedOCPCluster != "" {
			// cluster-tag-matched, no project and no CSI hit: full cost to
			// Storage unattributed.
			out = append(out, storageAttributedRow(model.NamespaceStorageUnattributed, "", "", model.DateOnly(m.Row.UsageStart), flavors, a.Markup))
		}
	}

	return StorageResult{Rows: out}
}

func hasSuffixMatch(diskResourceID, volumeID string) bool {
	if volumeID == "" {
		return false
	}
	return strings.HasSuffix(diskResourceID, volumeID)
}

func findDiskCostFlavors(tagged []tagmatch.Matched, disk diskcapacity.Capacity) model.CostFlavors {
	var total model.CostFlavors
	for _, m := range tagged {
		if m.Row.ResourceID != disk.ResourceID {
			continue
		}
		if !model.DateOnly(m.Row.UsageStart).Equal(disk.UsageStart) {
			continue
		}
		f := m.Row.Flavors()
		total.Unblended += f.Unblended
		total.Blended += f.Blended
		total.SavingsPlan += f.SavingsPlan
		total.Amortized += f.Amortized
	}
	return total
}

func scaleFlavors(f model.CostFlavors, ratio float64) model.CostFlavors {
	return model.CostFlavors{
		Unblended:   f.Unblended * ratio,
		Blended:     f.Blended * ratio,
		SavingsPlan: f.SavingsPlan * ratio,
		Amortized:   f.Amortized * ratio,
	}
}

func storageAttributedRow(namespace, pvc, pv string, usageStart time.Time, cost model.CostFlavors, markup float64) model.AttributedRow {
	markupCost := scaleFlavors(cost, markup)
	return model.AttributedRow{
		SummaryRow: model.SummaryRow{
			ID:         model.NewRowID(),
			Namespace:  namespace,
			PVC:        pvc,
			PV:         pv,
			UsageStart: usageStart,
			UsageEnd:   usageStart,
			DataSource: model.DataSourceStorage,
		},
		UnblendedCost:       cost.Unblended,
		UnblendedCostMarkup: markupCost.Unblended,
		BlendedCost:         cost.Blended,
		BlendedCostMarkup:   markupCost.Blended,
		SavingsPlanCost:     cost.SavingsPlan,
		SavingsPlanMarkup:   markupCost.SavingsPlan,
		AmortizedCost:       cost.Amortized,
		AmortizedCostMarkup: markupCost.Amortized,
	}
}
