// Package labels implements the label-payload parsing, filtering, merge and
// canonical serialization contract that sits between raw usage rows and the
// relational summary schema.
package labels

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// FixedEnabledKey is always present in an enabled-keys set regardless of
// what the caller's allow-list query returns.
const FixedEnabledKey = "vm_kubevirt_io_name"

// EnabledKeySet is a process-wide allow-list of label keys to retain after
// merge. A nil set means "allow all" (used by the tag matcher).
type EnabledKeySet map[string]struct{}

// NewEnabledKeySet builds an EnabledKeySet from a caller-supplied list,
// always augmenting it with FixedEnabledKey.
func NewEnabledKeySet(keys []string) EnabledKeySet {
	set := make(EnabledKeySet, len(keys)+1)
	for _, k := range keys {
		set[k] = struct{}{}
	}
	set[FixedEnabledKey] = struct{}{}
	return set
}

// Parse parses a label payload from either JSON object form or
// pipe-delimited form ("label_k:v|label_k2:v2", "label_" prefix stripped).
// It never fails: invalid input yields an empty map and a WARN log.
func Parse(log *zap.Logger, raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}
	}
	if strings.HasPrefix(raw, "{") {
		out, err := parseJSON(raw)
		if err != nil {
			if log != nil {
				log.Warn("unparseable JSON label payload", zap.Error(err))
			}
			return map[string]string{}
		}
		return out
	}
	out, err := parsePipeDelimited(raw)
	if err != nil {
		if log != nil {
			log.Warn("unparseable pipe-delimited label payload", zap.Error(err))
		}
		return map[string]string{}
	}
	return out
}

func parseJSON(raw string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func parsePipeDelimited(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, "|") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx < 0 {
			continue
		}
		k := strings.TrimPrefix(pair[:idx], "label_")
		v := pair[idx+1:]
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// FilterByEnabledKeys returns the subset of labels whose keys are present
// in set. A nil set allows every key through.
func FilterByEnabledKeys(labels map[string]string, set EnabledKeySet) map[string]string {
	if set == nil {
		return labels
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if _, ok := set[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merge combines N label maps with right-wins semantics: a key present in a
// later map overrides the same key from an earlier one.
func Merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Serialize renders labels as canonical, sorted-key, compact-separator
// JSON. This is the contract with the relational side and must round-trip
// through Parse without loss.
func Serialize(lbls map[string]string) string {
	if len(lbls) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(lbls))
	for k := range lbls {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(lbls[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// ValidateJSON returns raw unchanged if it parses as JSON, else "{}". Used
// at output-formatting time for the free-form JSON columns (tags, AWS cost
// category) that aren't a flat string map and so don't round-trip through
// Parse/Serialize.
func ValidateJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "{}"
	}
	return raw
}

// DeduplicateLatest keeps the last row per (date, key) pair among label
// rows, matching the "multiple rows per (date,key) are deduplicated keeping
// the last before any join" invariant. rows must already be in arrival
// order; "last" means last in rows.
func DeduplicateLatest(dateKey func(i int) (string, string), n int) []int {
	latest := make(map[string]int, n)
	order := make([]string, 0, n)
	for i := 0; i < n; i++ {
		d, k := dateKey(i)
		composite := d + "\x00" + k
		if _, ok := latest[composite]; !ok {
			order = append(order, composite)
		}
		latest[composite] = i
	}
	out := make([]int, 0, len(order))
	for _, c := range order {
		out = append(out, latest[c])
	}
	return out
}
