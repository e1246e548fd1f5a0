// Package capacity implements the two-level capacity aggregation that
// recovers per-node and per-cluster capacity from raw interval readings
// (spec.md §4.4).
package capacity

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// Calculator computes node and cluster capacity from raw interval rows.
type Calculator struct {
	Log *zap.Logger
}

type intervalKey struct {
	interval int64
	node     string
}

type dayNodeKey struct {
	day  int64
	node string
}

// Aggregate runs the full two-level-plus-broadcast aggregation over an
// in-memory frame. Empty input yields an empty result.
func (c *Calculator) Aggregate(rows []model.NodeCapacityIntervalRow) []model.NodeCapacityRow {
	if len(rows) == 0 {
		return nil
	}

	// Step 1: interval level, MAX per (interval, node) — defensive against
	// duplicate interval rows.
	intervalMax := make(map[intervalKey]model.NodeCapacityIntervalRow)
	for _, r := range rows {
		k := intervalKey{interval: r.IntervalStart.Unix(), node: r.Node}
		if cur, ok := intervalMax[k]; ok {
			r.CPUCapacityCoreSeconds = labels.SafeGreatest(cur.CPUCapacityCoreSeconds, r.CPUCapacityCoreSeconds)
			r.MemCapacityByteSeconds = labels.SafeGreatest(cur.MemCapacityByteSeconds, r.MemCapacityByteSeconds)
		}
		intervalMax[k] = r
	}

	// Step 2: day level, SUM per (date, node).
	type daySum struct {
		day  int64
		node string
		cpu  float64
		mem  float64
	}
	daySums := make(map[dayNodeKey]*daySum)
	for _, r := range intervalMax {
		day := model.DateOnly(r.IntervalStart).Unix()
		k := dayNodeKey{day: day, node: r.Node}
		ds, ok := daySums[k]
		if !ok {
			ds = &daySum{day: day, node: r.Node}
			daySums[k] = ds
		}
		ds.cpu += r.CPUCapacityCoreSeconds
		ds.mem += r.MemCapacityByteSeconds
	}

	// Step 3: cluster level, SUM per date, broadcast back.
	clusterCPU := make(map[int64]float64)
	clusterMem := make(map[int64]float64)
	for _, ds := range daySums {
		clusterCPU[ds.day] += ds.cpu
		clusterMem[ds.day] += ds.mem
	}

	out := make([]model.NodeCapacityRow, 0, len(daySums))
	for _, ds := range daySums {
		usageStart := model.DateOnly(time.Unix(ds.day, 0).UTC())
		row := model.NodeCapacityRow{
			UsageStart:                         usageStart,
			Node:                               ds.node,
			NodeCapacityCPUCoreHours:           labels.SecondsToHours(ds.cpu),
			NodeCapacityMemoryGigabyteHours:    labels.ByteSecondsToGigabyteHours(ds.mem),
			ClusterCapacityCPUCoreHours:        labels.SecondsToHours(clusterCPU[ds.day]),
			ClusterCapacityMemoryGigabyteHours: labels.ByteSecondsToGigabyteHours(clusterMem[ds.day]),
		}
		if row.ClusterCapacityCPUCoreHours <= 0 && c.Log != nil {
			c.Log.Warn("non-positive cluster CPU capacity", zap.Time("usage_start", row.UsageStart))
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UsageStart.Equal(out[j].UsageStart) {
			return out[i].UsageStart.Before(out[j].UsageStart)
		}
		return out[i].Node < out[j].Node
	})
	return out
}
