package bias

import (
	"sort"
	"strings"
)

// spanGroup is a run of overlapping matches rewritten as one unit
type spanGroup struct {
	end        int
	categories map[string]struct{}
}

// rewrite inserts annotations in a single pass over the original text, so
// annotations are never matched again. Overlapping matches are merged and
// the merged span is followed by one annotation per category it contains.
func (a *Analyzer) rewrite(text string, matches []Match) string {
	groups := mergeSpans(matches)
	if len(groups) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(groups)*96)

	last := 0
	for _, g := range groups {
		b.WriteString(text[last:g.end])
		for _, cat := range a.categories {
			if _, ok := g.categories[cat.name]; ok {
				b.WriteString(a.annotations[cat.name])
			}
		}
		last = g.end
	}
	b.WriteString(text[last:])
	return b.String()
}

// mergeSpans orders matches by position and folds every match that overlaps
// the current group into it.
func mergeSpans(matches []Match) []spanGroup {
	if len(matches) == 0 {
		return nil
	}

	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	var groups []spanGroup
	for _, m := range sorted {
		if n := len(groups); n > 0 && m.Start < groups[n-1].end {
			g := &groups[n-1]
			if m.End > g.end {
				g.end = m.End
			}
			g.categories[m.Category] = struct{}{}
			continue
		}
		groups = append(groups, spanGroup{
			end:        m.End,
			categories: map[string]struct{}{m.Category: {}},
		})
	}
	return groups
}
