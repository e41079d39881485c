package query

import "strings"

// FeatureGroup is every feature key sharing one first path segment.
type FeatureGroup struct {
	Prefix string
	Keys   []string
}

// GroupFeatures groups keys by the text before their first "/", in
// first-seen order (spec §4.6 "Query" step 3 / §9(d)): features within a
// group are OR'd, groups are AND'd together.
func GroupFeatures(keys []string) []FeatureGroup {
	index := make(map[string]int)
	var groups []FeatureGroup
	for _, k := range keys {
		prefix := k
		if i := strings.IndexByte(k, '/'); i >= 0 {
			prefix = k[:i]
		}
		if idx, ok := index[prefix]; ok {
			groups[idx].Keys = append(groups[idx].Keys, k)
			continue
		}
		index[prefix] = len(groups)
		groups = append(groups, FeatureGroup{Prefix: prefix, Keys: []string{k}})
	}
	return groups
}
