package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/config"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/exec"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

func testConfig() config.Config {
	c := config.DefaultConfig()
	c.OCP.ClusterID = "cluster-1"
	c.OCP.ClusterAlias = "cluster-one"
	c.OCP.ReportPeriodID = "rp-1"
	c.AWS.ProviderUUID = "aws-provider-1"
	c.AWS.Markup = 0.10
	return c
}

// S1-style smoke test: OCP-only run (no cloud billing input) should still
// produce Pod-family summary rows and run the unallocated pass without
// touching the AWS attribution path.
func TestRunOCPOnlyProducesPodRows(t *testing.T) {
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	var podRows []model.PodUsageRow
	for h := 0; h < 24; h++ {
		podRows = append(podRows, model.PodUsageRow{
			IntervalStart:              base.Add(time.Duration(h) * time.Hour),
			Namespace:                  "default",
			Node:                       "worker-0",
			Pod:                        "pod-a",
			NodeResourceID:             "i-abc123",
			CPURequestCoreSeconds:      0.5 * 3600,
			MemRequestByteSeconds:      float64(1<<30) * 3600,
			NodeCapacityCPUCoreSeconds: 24 * 3600,
		})
	}

	p := &Pipeline{Cfg: testConfig()}
	out, err := p.Run(context.Background(), Inputs{PodUsage: podRows})
	require.NoError(t, err)
	require.NotEmpty(t, out.Rows)

	var podFamily int
	for _, r := range out.Rows {
		if r.DataSource == model.DataSourcePod && r.Namespace == "default" {
			podFamily++
			assert.InDelta(t, 12.0, r.PodRequestCPUCoreHours, 1e-9)
			assert.Equal(t, "cluster-1", r.ClusterID)
			assert.Equal(t, "rp-1", r.ReportPeriodID)
		}
	}
	assert.Equal(t, 1, podFamily)
}

// S6-style: one master node, two namespaces splitting 3 CPU-hours of usage
// against 24 CPU-hours of capacity -> 21 CPU-hours unallocated, booked to
// "Platform unallocated".
func TestRunProducesPlatformUnallocated(t *testing.T) {
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	podRows := []model.PodUsageRow{
		{IntervalStart: day, Namespace: "ns-a", Node: "master-0", NodeResourceID: "i-master0", CPUUsageCoreSeconds: 1 * 3600, NodeCapacityCPUCoreSeconds: 24 * 3600},
		{IntervalStart: day, Namespace: "ns-b", Node: "master-0", NodeResourceID: "i-master0", CPUUsageCoreSeconds: 2 * 3600, NodeCapacityCPUCoreSeconds: 24 * 3600},
	}
	roles := []model.NodeRoleRow{{Node: "master-0", ResourceID: "i-master0", Role: "master"}}

	p := &Pipeline{Cfg: testConfig()}
	out, err := p.Run(context.Background(), Inputs{PodUsage: podRows, NodeRoles: roles})
	require.NoError(t, err)

	var found bool
	for _, r := range out.Rows {
		if r.Namespace == model.NamespacePlatformUnallocated {
			found = true
			assert.InDelta(t, 21.0, r.PodUsageCPUCoreHours, 1e-9)
		}
	}
	assert.True(t, found, "expected a Platform unallocated row")
}

// S5-style: AWS attribution enabled end to end, two pods sharing one node
// and hour. Weighted method with AWS weights 0.73/0.27 gives pod-x a ratio
// of 0.615 and pod-y 0.385 (they sum to 1), so a $100 unblended node cost
// splits 61.50/38.50 once normalized within the (resource, hour) group —
// exercising the full matcher -> tag matcher -> attributor chain.
func TestRunWithAWSAttributionWeightedMethod(t *testing.T) {
	hour := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Cost.Distribution.Method = "weighted"

	podRows := []model.PodUsageRow{
		{
			IntervalStart:              hour,
			Namespace:                  "billing",
			Node:                       "worker-5",
			Pod:                        "pod-x",
			NodeResourceID:             "i-0123456789abcdef0",
			CPUUsageCoreSeconds:        75 * 3600,
			NodeCapacityCPUCoreSeconds: 100 * 3600,
			MemUsageByteSeconds:        25,
			NodeCapacityMemByteSeconds: 100,
		},
		{
			IntervalStart:              hour,
			Namespace:                  "billing",
			Node:                       "worker-5",
			Pod:                        "pod-y",
			NodeResourceID:             "i-0123456789abcdef0",
			CPUUsageCoreSeconds:        25 * 3600,
			NodeCapacityCPUCoreSeconds: 100 * 3600,
			MemUsageByteSeconds:        75,
			NodeCapacityMemByteSeconds: 100,
		},
	}
	cloudRows := []model.CloudBillingRow{
		{ResourceID: "i-0123456789abcdef0", UsageStart: hour, UnblendedCost: 100},
	}

	p := &Pipeline{Cfg: cfg}
	out, err := p.Run(context.Background(), Inputs{PodUsage: podRows, CloudBilling: cloudRows})
	require.NoError(t, err)
	require.True(t, out.Diagnostics.ResourceMatchRate > 0)

	var total float64
	var sawLargerShare bool
	for _, r := range out.Rows {
		if r.UnblendedCost > 0 {
			total += r.UnblendedCost
			if r.UnblendedCost > 60 && r.UnblendedCost < 63 {
				sawLargerShare = true
				assert.InDelta(t, 6.15, r.UnblendedCostMarkup, 1e-6)
			}
		}
	}
	assert.True(t, sawLargerShare, "expected pod-x's larger weighted share to appear")
	assert.InDelta(t, 100.0, total, 1e-6, "attributed cost must conserve the node's total")
}

func TestRunFailsOnLowMatchRateWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Cost.FailOnLowMatchRate = true
	cfg.Cost.LowMatchRateThreshold = 0.99

	podRows := []model.PodUsageRow{{IntervalStart: time.Now(), Namespace: "ns", Node: "node-1", NodeResourceID: "i-known"}}
	cloudRows := []model.CloudBillingRow{
		{ResourceID: "i-known", UsageStart: time.Now()},
		{ResourceID: "i-totally-unmatched", UsageStart: time.Now()},
	}

	p := &Pipeline{Cfg: cfg}
	_, err := p.Run(context.Background(), Inputs{PodUsage: podRows, CloudBilling: cloudRows})
	require.Error(t, err)
}

func TestRunStreamMatchesInMemoryRun(t *testing.T) {
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	podRows := []model.PodUsageRow{
		{IntervalStart: day, Namespace: "default", Node: "worker-0", NodeResourceID: "i-abc", CPURequestCoreSeconds: 3600, NodeCapacityCPUCoreSeconds: 24 * 3600},
	}

	p := &Pipeline{Cfg: testConfig()}
	streamOut, err := p.RunStream(context.Background(), exec.SliceNext([][]model.PodUsageRow{podRows}), Inputs{})
	require.NoError(t, err)

	memOut, err := p.Run(context.Background(), Inputs{PodUsage: podRows})
	require.NoError(t, err)

	assert.Equal(t, len(memOut.Rows), len(streamOut.Rows))
}
