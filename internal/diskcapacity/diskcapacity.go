// Package diskcapacity implements the Disk-capacity solver (spec.md §4.9):
// it recovers EBS disk capacity from billing cost and rate via an inverse
// pricing formula, since the billing data never states capacity directly.
package diskcapacity

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/resourcematch"
)

// Capacity is one recovered (resource id, day) disk-capacity reading.
type Capacity struct {
	ResourceID string
	CapacityGB int64
	UsageStart time.Time
}

// Solver recovers disk capacity from matched cloud billing rows.
type Solver struct {
	Log *zap.Logger
}

// VolumeIdentifiers is the union of PV names and CSI handles extracted
// from the OCP storage rows, used to filter candidate cloud rows.
func VolumeIdentifiers(storageRows []model.StorageUsageRow) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range storageRows {
		if r.PV != "" {
			out[r.PV] = struct{}{}
		}
		if r.CSIHandle != "" {
			out[r.CSIHandle] = struct{}{}
		}
	}
	return out
}

type groupKey struct {
	resourceID string
	date       int64
}

type groupAgg struct {
	maxCost float64
	maxRate float64
}

// Solve filters rows to those whose resource id suffix-matches a volume
// identifier (or whose resource-id match already resolved to one), groups
// by (resource id, date), and applies the inverse-pricing formula.
func (s Solver) Solve(volumeIDs map[string]struct{}, rows []resourcematch.Matched) []Capacity {
	idx := buildSuffixSet(volumeIDs)

	groups := make(map[groupKey]*groupAgg)
	for _, r := range rows {
		matchedID := r.MatchedResourceID
		if matchedID == "" {
			if id, ok := idx.lookup(r.Row.ResourceID); ok {
				matchedID = id
			}
		}
		if matchedID == "" {
			continue
		}
		if _, known := volumeIDs[matchedID]; !known {
			continue
		}

		date := model.DateOnly(r.Row.UsageStart).Unix()
		k := groupKey{resourceID: r.Row.ResourceID, date: date}
		g, ok := groups[k]
		if !ok {
			g = &groupAgg{}
			groups[k] = g
		}
		if r.Row.UnblendedCost > g.maxCost {
			g.maxCost = r.Row.UnblendedCost
		}
		if r.Row.UnblendedRate > g.maxRate {
			g.maxRate = r.Row.UnblendedRate
		}
	}

	out := make([]Capacity, 0, len(groups))
	for k, g := range groups {
		if g.maxRate <= 0 {
			continue
		}
		usageStart := time.Unix(k.date, 0).UTC()
		hoursInMonth := model.HoursInMonth(usageStart.Year(), usageStart.Month())
		capacity := g.maxCost / (g.maxRate / hoursInMonth)
		if math.IsNaN(capacity) || math.IsInf(capacity, 0) {
			continue
		}
		rounded := int64(math.Round(capacity))
		if rounded <= 0 {
			continue
		}
		out = append(out, Capacity{ResourceID: k.resourceID, CapacityGB: rounded, UsageStart: usageStart})
	}
	return out
}

// suffixSet mirrors resourcematch's suffix index for the volume-id lookup.
type suffixSet map[int]map[string]struct{}

func buildSuffixSet(ids map[string]struct{}) suffixSet {
	out := make(suffixSet)
	for id := range ids {
		n := len(id)
		if out[n] == nil {
			out[n] = make(map[string]struct{})
		}
		out[n][id] = struct{}{}
	}
	return out
}

func (s suffixSet) lookup(resourceID string) (string, bool) {
	for n, ids := range s {
		if n > len(resourceID) {
			continue
		}
		suffix := resourceID[len(resourceID)-n:]
		if _, ok := ids[suffix]; ok {
			return suffix, true
		}
	}
	return "", false
}
