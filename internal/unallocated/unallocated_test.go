package unallocated

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// S6 — Unallocated on master: one master node, capacity 24 CPU-hours, total
// pod usage 3 CPU-hours across 2 namespaces. Expected: one output row,
// namespace Platform unallocated, pod_usage_cpu_core_hours = 21.0.
func TestAggregateS6Master(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows := []model.SummaryRow{
		{
			Namespace: "ns-a", Node: "master-0", ResourceID: "i-master", SourceID: "src",
			UsageStart: day, DataSource: model.DataSourcePod,
			PodUsageCPUCoreHours: 2.0, NodeCapacityCPUCoreHours: 24.0,
		},
		{
			Namespace: "ns-b", Node: "master-0", ResourceID: "i-master", SourceID: "src",
			UsageStart: day, DataSource: model.DataSourcePod,
			PodUsageCPUCoreHours: 1.0, NodeCapacityCPUCoreHours: 24.0,
		},
	}
	roles := []model.NodeRoleRow{{Node: "master-0", ResourceID: "i-master", Role: "master"}}

	calc := &Calculator{}
	out := calc.Aggregate(rows, roles)
	require.Len(t, out, 1)
	assert.Equal(t, model.NamespacePlatformUnallocated, out[0].Namespace)
	assert.InDelta(t, 21.0, out[0].PodUsageCPUCoreHours, 1e-9)
}

func TestAggregateExcludesSyntheticNamespaces(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows := []model.SummaryRow{
		{Namespace: model.NamespacePlatformUnallocated, Node: "master-0", ResourceID: "i-master", UsageStart: day, DataSource: model.DataSourcePod, PodUsageCPUCoreHours: 999},
		{Namespace: "ns-a", Node: "master-0", ResourceID: "i-master", UsageStart: day, DataSource: model.DataSourcePod, PodUsageCPUCoreHours: 1, NodeCapacityCPUCoreHours: 10},
	}
	roles := []model.NodeRoleRow{{Node: "master-0", ResourceID: "i-master", Role: "master"}}
	calc := &Calculator{}
	out := calc.Aggregate(rows, roles)
	require.Len(t, out, 1)
	assert.InDelta(t, 9.0, out[0].PodUsageCPUCoreHours, 1e-9)
}

func TestAggregateDropsNodesWithNoRole(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows := []model.SummaryRow{
		{Namespace: "ns-a", Node: "unknown-0", ResourceID: "i-x", UsageStart: day, DataSource: model.DataSourcePod},
	}
	calc := &Calculator{}
	out := calc.Aggregate(rows, nil)
	assert.Empty(t, out)
}

func TestRoleAggregationTakesAlphabeticallyGreatest(t *testing.T) {
	roles := aggregateRoles([]model.NodeRoleRow{
		{Node: "n1", ResourceID: "r1", Role: "infra"},
		{Node: "n1", ResourceID: "r1", Role: "worker"},
	})
	assert.Equal(t, "worker", roles[nodeResourceKey{node: "n1", resourceID: "r1"}])
}
