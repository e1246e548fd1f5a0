package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

func TestAggregateEmpty(t *testing.T) {
	c := &Calculator{}
	assert.Nil(t, c.Aggregate(nil))
}

func TestAggregateTwoNodesOneDay(t *testing.T) {
	c := &Calculator{}
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows := []model.NodeCapacityIntervalRow{
		{IntervalStart: day, Node: "worker-0", CPUCapacityCoreSeconds: 3600 * 4, MemCapacityByteSeconds: 3600 * float64(1<<30)},
		// duplicate interval row for worker-0, lower value — MAX must win
		{IntervalStart: day, Node: "worker-0", CPUCapacityCoreSeconds: 3600 * 2, MemCapacityByteSeconds: 3600 * float64(1<<29)},
		{IntervalStart: day.Add(time.Hour), Node: "worker-0", CPUCapacityCoreSeconds: 3600 * 4, MemCapacityByteSeconds: 3600 * float64(1<<30)},
		{IntervalStart: day, Node: "worker-1", CPUCapacityCoreSeconds: 3600 * 8, MemCapacityByteSeconds: 3600 * float64(1<<31)},
	}
	out := c.Aggregate(rows)
	require.Len(t, out, 2)

	var w0, w1 model.NodeCapacityRow
	for _, r := range out {
		if r.Node == "worker-0" {
			w0 = r
		} else {
			w1 = r
		}
	}
	assert.InDelta(t, 8.0, w0.NodeCapacityCPUCoreHours, 1e-9) // 4+4 hours, dup collapsed by MAX not double-summed per interval
	assert.InDelta(t, 8.0, w1.NodeCapacityCPUCoreHours, 1e-9)
	assert.InDelta(t, w0.ClusterCapacityCPUCoreHours, w1.ClusterCapacityCPUCoreHours, 1e-9)
	assert.InDelta(t, 16.0, w0.ClusterCapacityCPUCoreHours, 1e-9)
}
