// Package networkcost implements the Network-cost handler (spec.md §4.10):
// it separates data-transfer rows, joins them to OCP nodes by suffix match,
// and attributes them to the synthetic "Network unattributed" namespace.
package networkcost

import (
	"time"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// Row is one aggregated network-cost attribution row.
type Row struct {
	Node       string
	Direction  string
	Namespace  string
	UsageStart time.Time
	UsageEnd   time.Time

	Cost       model.CostFlavors
	CostMarkup model.CostFlavors
}

// Handler splits and attributes network-transfer billing rows.
type Handler struct {
	Log    *zap.Logger
	Markup float64
}

type suffixSet map[int]map[string]struct{}

func buildSuffixSet(ids []string) suffixSet {
	out := make(suffixSet)
	for _, id := range ids {
		if id == "" {
			continue
		}
		n := len(id)
		if out[n] == nil {
			out[n] = make(map[string]struct{})
		}
		out[n][id] = struct{}{}
	}
	return out
}

// lookup indexes OCP node resource ids by suffix length once, resolving
// spec.md §9's O(N·M) per-row nested loop into one indexed lookup per cloud
// row.
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

type groupKey struct {
	node      string
	direction string
}

type groupAgg struct {
	cost     model.CostFlavors
	minStart time.Time
	maxEnd   time.Time
}

// Handle splits rows into network/non-network by DataTransferDirection,
// joins network rows to nodeResourceIDs by suffix match, and groups the
// matched rows by (node, direction).
func (h Handler) Handle(nodeResourceIDs []string, rows []model.CloudBillingRow) []Row {
	idx := buildSuffixSet(nodeResourceIDs)

	groups := make(map[groupKey]*groupAgg)
	droppedUnmatched := 0

	for _, row := range rows {
		if row.DataTransferDirection == "" {
			continue // non-network row
		}
		node, ok := idx.lookup(row.ResourceID)
		if !ok {
			droppedUnmatched++
			continue
		}

		k := groupKey{node: node, direction: row.DataTransferDirection}
		g, exists := groups[k]
		if !exists {
			g = &groupAgg{minStart: row.UsageStart, maxEnd: row.UsageStart}
			groups[k] = g
		}
		f := row.Flavors()
		g.cost.Unblended += f.Unblended
		g.cost.Blended += f.Blended
		g.cost.SavingsPlan += f.SavingsPlan
		g.cost.Amortized += f.Amortized
		if row.UsageStart.Before(g.minStart) {
			g.minStart = row.UsageStart
		}
		if row.UsageStart.After(g.maxEnd) {
			g.maxEnd = row.UsageStart
		}
	}

	if droppedUnmatched > 0 && h.Log != nil {
		h.Log.Warn("network rows dropped: no matching OCP node", zap.Int("count", droppedUnmatched))
	}

	out := make([]Row, 0, len(groups))
	for k, g := range groups {
		out = append(out, Row{
			Node:       k.node,
			Direction:  k.direction,
			Namespace:  model.NamespaceNetworkUnattributed,
			UsageStart: g.minStart,
			UsageEnd:   g.maxEnd,
			Cost:       g.cost,
			CostMarkup: applyMarkup(g.cost, h.Markup),
		})
	}
	return out
}

func applyMarkup(f model.CostFlavors, markup float64) model.CostFlavors {
	return model.CostFlavors{
		Unblended:   f.Unblended * markup,
		Blended:     f.Blended * markup,
		SavingsPlan: f.SavingsPlan * markup,
		Amortized:   f.Amortized * markup,
	}
}
