// Package resourcematch implements the Resource-ID matcher (spec.md §4.7):
// suffix-matching cloud billing resource ids against OCP node resource ids,
// PV names, and CSI handles.
package resourcematch

import (
	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// MatchType identifies which OCP id family a cloud row matched against.
type MatchType string

const (
	MatchNone MatchType = ""
	MatchNode MatchType = "node"
	MatchPV   MatchType = "pv"
	MatchCSI  MatchType = "csi_handle"
)

// Matched decorates a cloud billing row with the resource-id match outcome.
type Matched struct {
	Row               model.CloudBillingRow
	ResourceIDMatched bool
	MatchedResourceID string
	MatchType         MatchType
}

// OCPIdentifiers is the set of node resource ids, PV names, and CSI handles
// extracted from the OCP side, indexed for suffix lookup.
type OCPIdentifiers struct {
	nodes       suffixIndex
	pvs         suffixIndex
	csiHandles  suffixIndex
}

// suffixIndex maps every identifier's length to the set of identifiers of
// that length, so a suffix-match lookup for a cloud id tries each
// candidate length once instead of looping over every OCP id per row
// (spec.md §9's O(N·M) open question — indexed here, network-cost handler
// reuses the same shape).
type suffixIndex map[int]map[string]struct{}

func newSuffixIndex(ids []string) suffixIndex {
	idx := make(suffixIndex)
	for _, id := range ids {
		if id == "" {
			continue
		}
		n := len(id)
		if idx[n] == nil {
			idx[n] = make(map[string]struct{})
		}
		idx[n][id] = struct{}{}
	}
	return idx
}

// Lookup returns the OCP id that is a suffix-match for cloudResourceID, if
// any.
func (s suffixIndex) Lookup(cloudResourceID string) (string, bool) {
	for n, ids := range s {
		if n > len(cloudResourceID) {
			continue
		}
		suffix := cloudResourceID[len(cloudResourceID)-n:]
		if _, ok := ids[suffix]; ok {
			return suffix, true
		}
	}
	return "", false
}

// BuildOCPIdentifiers extracts and indexes the three OCP id families.
func BuildOCPIdentifiers(nodeResourceIDs, pvNames, csiHandles []string) OCPIdentifiers {
	return OCPIdentifiers{
		nodes:      newSuffixIndex(nodeResourceIDs),
		pvs:        newSuffixIndex(pvNames),
		csiHandles: newSuffixIndex(csiHandles),
	}
}

// Matcher performs resource-id suffix matching.
type Matcher struct{}

// Match runs the suffix-match rule against every cloud row, in priority
// order node > PV > CSI handle; first hit wins.
func (Matcher) Match(ids OCPIdentifiers, rows []model.CloudBillingRow) []Matched {
	out := make([]Matched, len(rows))
	for i, row := range rows {
		m := Matched{Row: row}
		if match, ok := ids.nodes.Lookup(row.ResourceID); ok {
			m.ResourceIDMatched, m.MatchedResourceID, m.MatchType = true, match, MatchNode
		} else if match, ok := ids.pvs.Lookup(row.ResourceID); ok {
			m.ResourceIDMatched, m.MatchedResourceID, m.MatchType = true, match, MatchPV
		} else if match, ok := ids.csiHandles.Lookup(row.ResourceID); ok {
			m.ResourceIDMatched, m.MatchedResourceID, m.MatchType = true, match, MatchCSI
		}
		out[i] = m
	}
	return out
}

// MatchRate returns the fraction of rows with a resource-id match. A rate
// below the caller's configured threshold is informational only — the
// tag matcher runs next — unless the caller has opted to treat it as fatal
// (spec.md §9).
func MatchRate(matched []Matched) float64 {
	if len(matched) == 0 {
		return 0
	}
	hits := 0
	for _, m := range matched {
		if m.ResourceIDMatched {
			hits++
		}
	}
	return float64(hits) / float64(len(matched))
}
