package costattrib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/diskcapacity"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/resourcematch"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/tagmatch"
)

// S5 — weighted attribution: cpu ratio 0.75, memory ratio 0.25, AWS default
// weights 0.73/0.27 -> weighted ratio 0.615. Against a $100 cloud cost with
// a 0.10 markup: unblended share $61.50, markup $6.15.
func TestRatioWeightedMethod(t *testing.T) {
	a := Attributor{Method: MethodWeighted, Weights: Weights{CPUWeight: 0.73, MemoryWeight: 0.27}, Markup: 0.10}
	p := PodHourly{
		CPUEffectiveCoreSeconds:    75,
		NodeCapacityCPUCoreSeconds: 100,
		MemEffectiveByteSeconds:    25,
		NodeCapacityMemByteSeconds: 100,
	}
	ratio := a.ratio(p)
	assert.InDelta(t, 0.615, ratio, 1e-9)

	cost := 100.0 * ratio
	markup := cost * a.Markup
	assert.InDelta(t, 61.5, cost, 1e-9)
	assert.InDelta(t, 6.15, markup, 1e-9)
}

func TestRatioClampsToUnitInterval(t *testing.T) {
	a := Attributor{Method: MethodCPU}
	over := a.ratio(PodHourly{CPUEffectiveCoreSeconds: 200, NodeCapacityCPUCoreSeconds: 100})
	assert.Equal(t, 1.0, over)

	noCapacity := a.ratio(PodHourly{CPUEffectiveCoreSeconds: 50, NodeCapacityCPUCoreSeconds: 0})
	assert.Equal(t, 0.0, noCapacity)
}

func TestComputeAttributionNormalizesWithinGroupAndDedupesPreferringResourceID(t *testing.T) {
	hour := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	a := Attributor{Method: MethodCPU, Markup: 0}

	pods := []PodHourly{
		{Namespace: "ns-a", Pod: "pod-a", Node: "node-1", ResourceID: "i-node1", Hour: hour, CPUEffectiveCoreSeconds: 75, NodeCapacityCPUCoreSeconds: 100},
		{Namespace: "ns-b", Pod: "pod-b", Node: "node-1", ResourceID: "i-node1", Hour: hour, CPUEffectiveCoreSeconds: 25, NodeCapacityCPUCoreSeconds: 100},
	}

	cloudRow := model.CloudBillingRow{ResourceID: "i-node1", UsageStart: hour, UnblendedCost: 100}
	tagged := []tagmatch.Matched{
		{
			Matched: resourcematch.Matched{
				Row:               cloudRow,
				ResourceIDMatched: true,
				MatchedResourceID: "i-node1",
				MatchType:         resourcematch.MatchNode,
			},
		},
		// A tag-match on node-1 duplicates both pods' keys; each duplicate
		// must be discarded in favor of the resource-id match already present.
		{
			Matched:        resourcematch.Matched{Row: cloudRow},
			TagMatched:     true,
			MatchedOCPNode: "node-1",
		},
	}

	result, err := a.ComputeAttribution(pods, tagged)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	byNamespace := map[string]model.AttributedRow{}
	for _, r := range result.Rows {
		byNamespace[r.Namespace] = r
	}
	assert.InDelta(t, 75.0, byNamespace["ns-a"].UnblendedCost, 1e-9)
	assert.InDelta(t, 25.0, byNamespace["ns-b"].UnblendedCost, 1e-9)
}

func TestComputeAttributionRejectsUnknownMethod(t *testing.T) {
	a := Attributor{Method: "bogus"}
	_, err := a.ComputeAttribution(nil, nil)
	assert.ErrorIs(t, err, model.ErrConfig)
}

// S4 — disk capacity recovery feeds storage attribution: a $1.277/day,
// 100GB disk shared by a 40GB and a 30GB PVC attributes $0.5108 and
// $0.3831 respectively, leaving $0.3831 (30%) as Storage unattributed.
func TestStorageAttributionCSIProportionalAndResidual(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Attributor{Markup: 0}

	disks := []diskcapacity.Capacity{{ResourceID: "arn:aws:ec2:vol-shared", CapacityGB: 100, UsageStart: day}}
	storageRows := []model.StorageUsageRow{
		{IntervalStart: day, Namespace: "ns-a", PVC: "pvc-a", PV: "vol-shared", CapacityBytes: 40 << 30},
		{IntervalStart: day, Namespace: "ns-b", PVC: "pvc-b", PV: "vol-shared", CapacityBytes: 30 << 30},
	}
	tagged := []tagmatch.Matched{
		{Matched: resourcematch.Matched{Row: model.CloudBillingRow{ResourceID: "arn:aws:ec2:vol-shared", UsageStart: day, UnblendedCost: 1.277}}},
	}

	result := a.StorageAttribution(disks, storageRows, tagged)

	var gotA, gotB, gotUnattributed float64
	for _, r := range result.Rows {
		switch r.Namespace {
		case "ns-a":
			gotA = r.UnblendedCost
		case "ns-b":
			gotB = r.UnblendedCost
		case model.NamespaceStorageUnattributed:
			gotUnattributed = r.UnblendedCost
		}
	}

	assert.InDelta(t, 0.5108, gotA, 1e-4)
	assert.InDelta(t, 0.3831, gotB, 1e-4)
	assert.InDelta(t, 0.3831, gotUnattributed, 1e-4)
}

// S4 (full) — when the PVCs sharing a disk belong to more than one
// cluster, the residual splits equally across each distinct cluster id
// instead of landing on one row: cluster-a gets 40GB, cluster-b gets 30GB,
// leaving 30GB (=$0.3831) unattributed, split $0.19155 per cluster.
func TestStorageAttributionResidualSplitAcrossClusters(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Attributor{Markup: 0}

	disks := []diskcapacity.Capacity{{ResourceID: "arn:aws:ec2:vol-shared", CapacityGB: 100, UsageStart: day}}
	storageRows := []model.StorageUsageRow{
		{IntervalStart: day, Namespace: "ns-a", PVC: "pvc-a", PV: "vol-shared", CapacityBytes: 40 << 30, ClusterID: "cluster-a"},
		{IntervalStart: day, Namespace: "ns-b", PVC: "pvc-b", PV: "vol-shared", CapacityBytes: 30 << 30, ClusterID: "cluster-b"},
	}
	tagged := []tagmatch.Matched{
		{Matched: resourcematch.Matched{Row: model.CloudBillingRow{ResourceID: "arn:aws:ec2:vol-shared", UsageStart: day, UnblendedCost: 1.277}}},
	}

	result := a.StorageAttribution(disks, storageRows, tagged)

	var unattributedByCluster = map[string]float64{}
	var unattributedRows int
	for _, r := range result.Rows {
		if r.Namespace == model.NamespaceStorageUnattributed {
			unattributedRows++
			unattributedByCluster[r.ClusterID] = r.UnblendedCost
		}
	}

	require.Equal(t, 2, unattributedRows)
	assert.InDelta(t, 0.19155, unattributedByCluster["cluster-a"], 1e-5)
	assert.InDelta(t, 0.19155, unattributedByCluster["cluster-b"], 1e-5)
}

func TestStorageAttributionTagMatchedNamespaceWithoutCSI(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Attributor{Markup: 0.10}

	tagged := []tagmatch.Matched{
		{
			Matched:             resourcematch.Matched{Row: model.CloudBillingRow{ResourceID: "arn:aws:ec2:vol-other", UsageStart: day, UnblendedCost: 2.0}},
			TagMatched:          true,
			MatchedOCPNamespace: "ns-tagged",
		},
	}

	result := a.StorageAttribution(nil, nil, tagged)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "ns-tagged", result.Rows[0].Namespace)
	assert.InDelta(t, 2.0, result.Rows[0].UnblendedCost, 1e-9)
	assert.InDelta(t, 0.2, result.Rows[0].UnblendedCostMarkup, 1e-9)
}

func TestStorageAttributionClusterTaggedNoProjectGoesToUnattributed(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Attributor{Markup: 0}

	tagged := []tagmatch.Matched{
		{
			Matched:           resourcematch.Matched{Row: model.CloudBillingRow{ResourceID: "arn:aws:ec2:vol-other", UsageStart: day, UnblendedCost: 3.0}},
			TagMatched:        true,
			MatchedOCPCluster: "prod-cluster",
		},
	}

	result := a.StorageAttribution(nil, nil, tagged)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, model.NamespaceStorageUnattributed, result.Rows[0].Namespace)
	assert.InDelta(t, 3.0, result.Rows[0].UnblendedCost, 1e-9)
}
