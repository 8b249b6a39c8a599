package news

import (
	"sort"
	"strings"
)

const exclusionMarker = "-"

// ParseTabQuery splits a raw tab query into the search term and its exclusion
// words. Tokens prefixed with "-" are exclusions; of the remaining tokens only
// the first is kept as the search term. Multi-word terms are truncated on
// purpose: stored partitions were built under this rule and changing it would
// orphan existing data.
func ParseTabQuery(raw string) (term string, exclusions []string) {
	for _, token := range strings.Fields(raw) {
		if strings.HasPrefix(token, exclusionMarker) {
			if len(token) > 1 {
				exclusions = append(exclusions, token[1:])
			}
			continue
		}
		if term == "" {
			term = token
		}
	}
	return term, exclusions
}

// HasSearchTerm reports whether the raw query contains at least one
// non-exclusion token.
func HasSearchTerm(raw string) bool {
	term, _ := ParseTabQuery(raw)
	return term != ""
}

// BuildFetchKey normalizes a raw tab query into its FetchKey. This is the
// single code path for fetch dispatch, storage lookup, query filtering, and
// tab rename; callers must not re-derive keys from the raw string themselves.
// Returns ErrInvalidQuery when no search term remains after parsing.
func BuildFetchKey(raw string) (FetchKey, error) {
	term, exclusions := ParseTabQuery(raw)
	return NormalizeFetchKey(term, exclusions)
}

// NormalizeFetchKey builds a FetchKey from an already split term and
// exclusion list, applying the same normalization as BuildFetchKey.
func NormalizeFetchKey(term string, exclusions []string) (FetchKey, error) {
	normalized := strings.ToLower(strings.TrimSpace(term))
	if normalized == "" {
		return FetchKey{}, ErrInvalidQuery
	}
	seen := make(map[string]struct{}, len(exclusions))
	var cleaned []string
	for _, word := range exclusions {
		w := strings.ToLower(strings.TrimSpace(word))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		cleaned = append(cleaned, w)
	}
	sort.Strings(cleaned)
	return FetchKey{Term: normalized, Exclusions: cleaned}, nil
}
