package podagg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// S1 — Single-node pod aggregation: 24 hourly rows of one pod on worker-0
// with constant 0.5 CPU request, 1 GB memory request.
func TestAggregateS1SingleNodePod(t *testing.T) {
	enabled := labels.NewEnabledKeySet(nil)
	ref := BuildReference(nil, enabled, nil, nil, nil, nil, "cluster-1", "cluster-one", "source-1", "rp-1")

	var rows []model.PodUsageRow
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 24; h++ {
		rows = append(rows, model.PodUsageRow{
			IntervalStart:         base.Add(time.Duration(h) * time.Hour),
			Namespace:             "default",
			Node:                  "worker-0",
			Pod:                   "pod-a",
			NodeResourceID:        "i-abc123",
			PodLabelsRaw:          `{"app":"pod-a"}`,
			CPURequestCoreSeconds: 0.5 * 3600,
			MemRequestByteSeconds: float64(1 << 30) * 3600,
		})
	}

	agg := &Aggregator{}
	out, err := agg.Aggregate(ref, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)

	row := out[0]
	assert.Equal(t, model.DataSourcePod, row.DataSource)
	assert.InDelta(t, 12.0, row.PodRequestCPUCoreHours, 1e-9)
	assert.InDelta(t, 24.0, row.PodRequestMemoryGBHours, 1e-9)
	assert.Equal(t, "default", row.Namespace)
	assert.Equal(t, "worker-0", row.Node)
}

func TestAggregateDropsEmptyNodeRows(t *testing.T) {
	ref := BuildReference(nil, labels.NewEnabledKeySet(nil), nil, nil, nil, nil, "c", "c", "s", "rp")
	rows := []model.PodUsageRow{{IntervalStart: time.Now(), Namespace: "ns", Node: ""}}
	agg := &Aggregator{}
	out, err := agg.Aggregate(ref, rows)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMergePrecedencePodWins(t *testing.T) {
	nodeLabels := []model.LabelRow{{Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Key: "worker-0", LabelsRaw: `{"env":"from-node","team":"infra"}`}}
	nsLabels := []model.LabelRow{{Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Key: "default", LabelsRaw: `{"env":"from-ns"}`}}
	ref := BuildReference(nil, labels.NewEnabledKeySet([]string{"env", "team"}), nil, nodeLabels, nsLabels, nil, "c", "c", "s", "rp")

	rows := []model.PodUsageRow{{
		IntervalStart: time.Date(2024, 1, 15, 3, 0, 0, 0, time.UTC),
		Namespace:     "default",
		Node:          "worker-0",
		PodLabelsRaw:  `{"env":"from-pod"}`,
	}}

	agg := &Aggregator{}
	out, err := agg.Aggregate(ref, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)

	merged := labels.Parse(nil, out[0].PodLabels)
	assert.Equal(t, "from-pod", merged["env"]) // pod wins
	assert.Equal(t, "infra", merged["team"])    // node fills in where pod/ns are silent
}

func TestCostCategoryMaxIDOnTie(t *testing.T) {
	rules := []model.CostCategoryRule{
		{NamespacePattern: "kube-%", ID: 1},
		{NamespacePattern: "kube-system", ID: 5},
	}
	id := matchCostCategory(rules, "kube-system")
	require.NotNil(t, id)
	assert.Equal(t, int64(5), *id)
}
