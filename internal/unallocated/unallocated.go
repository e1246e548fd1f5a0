// Package unallocated implements the Unallocated calculator (spec.md §4.6):
// per-node (capacity − usage) producing the "Platform unallocated" /
// "Worker unallocated" synthetic namespaces.
package unallocated

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// Calculator derives unallocated-capacity rows from an already-aggregated
// daily summary frame and a node-role table.
type Calculator struct {
	Log *zap.Logger
}

type nodeResourceKey struct {
	node       string
	resourceID string
}

type nodeDateSourceKey struct {
	node     string
	date     int64
	sourceID string
}

type totals struct {
	node, resourceID, sourceID string
	date                        int64

	usageCPU, requestCPU, effectiveCPU float64
	usageMem, requestMem, effectiveMem float64

	nodeCapCPU, nodeCapMem       float64
	clusterCapCPU, clusterCapMem float64
}

// Aggregate computes unallocated rows. rows must already be the aggregated
// daily summary (i.e. podagg's output, not raw usage rows).
func (c *Calculator) Aggregate(rows []model.SummaryRow, roles []model.NodeRoleRow) []model.SummaryRow {
	roleByNodeResource := aggregateRoles(roles)

	perNode := make(map[nodeDateSourceKey]*totals)
	for _, row := range rows {
		if model.IsSyntheticNamespace(row.Namespace) {
			continue
		}
		if row.DataSource != model.DataSourcePod {
			continue
		}
		if row.Node == "" {
			continue
		}

		key := nodeDateSourceKey{node: row.Node, date: row.UsageStart.Unix(), sourceID: row.SourceID}
		t, ok := perNode[key]
		if !ok {
			t = &totals{node: row.Node, date: row.UsageStart.Unix(), sourceID: row.SourceID}
			perNode[key] = t
		}
		t.usageCPU += row.PodUsageCPUCoreHours
		t.requestCPU += row.PodRequestCPUCoreHours
		t.effectiveCPU += row.PodEffectiveCPUCoreHours
		t.usageMem += row.PodUsageMemoryGBHours
		t.requestMem += row.PodRequestMemoryGBHours
		t.effectiveMem += row.PodEffectiveMemoryGBHours

		if row.NodeCapacityCPUCoreHours > t.nodeCapCPU {
			t.nodeCapCPU = row.NodeCapacityCPUCoreHours
		}
		if row.NodeCapacityMemoryGBHours > t.nodeCapMem {
			t.nodeCapMem = row.NodeCapacityMemoryGBHours
		}
		if row.ClusterCapacityCPUCoreHours > t.clusterCapCPU {
			t.clusterCapCPU = row.ClusterCapacityCPUCoreHours
		}
		if row.ClusterCapacityMemoryGBHours > t.clusterCapMem {
			t.clusterCapMem = row.ClusterCapacityMemoryGBHours
		}
		if row.ResourceID > t.resourceID {
			t.resourceID = row.ResourceID // MAX of resource id, for the role join
		}
	}

	var out []model.SummaryRow
	droppedForNoRole := 0
	negativeCount := 0
	for _, t := range perNode {
		role, ok := roleByNodeResource[nodeResourceKey{node: t.node, resourceID: t.resourceID}]
		if !ok {
			droppedForNoRole++
			continue
		}

		unallocCPUUsage := t.nodeCapCPU - t.usageCPU
		unallocCPURequest := t.nodeCapCPU - t.requestCPU
		unallocCPUEffective := t.nodeCapCPU - t.effectiveCPU
		unallocMemUsage := t.nodeCapMem - t.usageMem
		unallocMemRequest := t.nodeCapMem - t.requestMem
		unallocMemEffective := t.nodeCapMem - t.effectiveMem

		if unallocCPUUsage < 0 || unallocMemUsage < 0 {
			negativeCount++
		}

		namespace := model.NamespaceWorkerUnallocated
		switch role {
		case "master", "infra":
			namespace = model.NamespacePlatformUnallocated
		}

		out = append(out, model.SummaryRow{
			ID:             model.NewRowID(),
			ReportPeriodID: "",
			UsageStart:     dateFromUnix(t.date),
			UsageEnd:       dateFromUnix(t.date),
			Namespace:      namespace,
			Node:           t.node,
			ResourceID:     t.resourceID,
			SourceID:       t.sourceID,
			DataSource:     model.DataSourcePod,

			PodUsageCPUCoreHours:      unallocCPUUsage,
			PodRequestCPUCoreHours:    unallocCPURequest,
			PodEffectiveCPUCoreHours:  unallocCPUEffective,
			PodUsageMemoryGBHours:     unallocMemUsage,
			PodRequestMemoryGBHours:   unallocMemRequest,
			PodEffectiveMemoryGBHours: unallocMemEffective,

			NodeCapacityCPUCoreHours:     t.nodeCapCPU,
			NodeCapacityMemoryGBHours:    t.nodeCapMem,
			ClusterCapacityCPUCoreHours:  t.clusterCapCPU,
			ClusterCapacityMemoryGBHours: t.clusterCapMem,

			PodLabels:    "{}",
			VolumeLabels: "{}",
			AllLabels:    "{}",
		})
	}

	if c.Log != nil {
		if droppedForNoRole > 0 {
			c.Log.Info("dropped node totals with no known role", zap.Int("count", droppedForNoRole))
		}
		if negativeCount > 0 {
			c.Log.Warn("negative unallocated capacity (over-provisioned workloads)", zap.Int("count", negativeCount))
		}
	}

	return out
}

func dateFromUnix(u int64) time.Time {
	return model.DateOnly(time.Unix(u, 0).UTC())
}

func aggregateRoles(roles []model.NodeRoleRow) map[nodeResourceKey]string {
	out := make(map[nodeResourceKey]string, len(roles))
	for _, r := range roles {
		k := nodeResourceKey{node: r.Node, resourceID: r.ResourceID}
		if cur, ok := out[k]; !ok || strings.Compare(r.Role, cur) > 0 {
			out[k] = r.Role
		}
	}
	return out
}
