// Package tagmatch implements the Tag matcher (spec.md §4.8): it matches
// cloud billing tags against OCP cluster/node/namespace identifiers, in
// strict priority order, for rows the resource-id matcher did not match.
package tagmatch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/labels"
	"github.com/bugfreev587/ocp-cost-aggregator/internal/resourcematch"
)

// Matched decorates a resource-id match result with the tag-match outcome.
type Matched struct {
	resourcematch.Matched

	TagMatched          bool
	MatchedTag          string
	MatchedOCPCluster   string
	MatchedOCPNode      string
	MatchedOCPNamespace string
}

// Identifiers is the OCP-side identity set the tag matcher checks tags
// against.
type Identifiers struct {
	ClusterID    string
	ClusterAlias string
	Nodes        map[string]struct{}
	Namespaces   map[string]struct{}
}

// Matcher applies the tag-priority rule.
type Matcher struct {
	Log         *zap.Logger
	EnabledKeys labels.EnabledKeySet // nil allows every tag key through
}

// Match evaluates rows already decorated by the resource-id matcher. Rows
// with ResourceIDMatched = true are skipped entirely (they remain
// TagMatched = false).
func (m Matcher) Match(ids Identifiers, rows []resourcematch.Matched) []Matched {
	out := make([]Matched, len(rows))
	for i, r := range rows {
		tm := Matched{Matched: r}
		if r.ResourceIDMatched {
			out[i] = tm
			continue
		}

		tags := labels.FilterByEnabledKeys(labels.Parse(m.Log, r.Row.TagsRaw), m.EnabledKeys)

		if v, ok := tags["openshift_cluster"]; ok && (v == ids.ClusterID || v == ids.ClusterAlias) {
			tm.TagMatched = true
			tm.MatchedOCPCluster = v
			tm.MatchedTag = fmt.Sprintf("openshift_cluster=%s", v)
		} else if v, ok := tags["openshift_node"]; ok {
			if _, known := ids.Nodes[v]; known {
				tm.TagMatched = true
				tm.MatchedOCPNode = v
				tm.MatchedTag = fmt.Sprintf("openshift_node=%s", v)
			}
		}
		if !tm.TagMatched {
			if v, ok := tags["openshift_project"]; ok {
				if _, known := ids.Namespaces[v]; known {
					tm.TagMatched = true
					tm.MatchedOCPNamespace = v
					tm.MatchedTag = fmt.Sprintf("openshift_project=%s", v)
				}
			}
		}

		out[i] = tm
	}
	return out
}
