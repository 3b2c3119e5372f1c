package host

import (
	"sort"

	"github.com/forgeline/toolhost/internal/catalog"
)

// SelectSubset picks up to max entries from a visible set, preferring
// servers with higher routing weights and breaking ties by qualified
// name. It is a pure function layered above the router: the router
// itself never consults weights, so callers that want automatic tool
// narrowing apply this before dispatching.
//
// weights maps server name to routing weight; missing servers weigh
// zero. max <= 0 returns every name.
func SelectSubset(entries []catalog.Entry, weights map[string]int, max int) []string {
	ranked := make([]catalog.Entry, len(entries))
	copy(ranked, entries)

	sort.SliceStable(ranked, func(i, j int) bool {
		wi, wj := weights[ranked[i].Server], weights[ranked[j].Server]
		if wi != wj {
			return wi > wj
		}
		return ranked[i].QualifiedName < ranked[j].QualifiedName
	})

	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}

	names := make([]string, len(ranked))
	for i, e := range ranked {
		names[i] = e.QualifiedName
	}
	return names
}
