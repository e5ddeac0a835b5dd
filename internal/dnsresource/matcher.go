// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsresource

import "github.com/firezone/client-core/internal/ids"

type compiledEntry struct {
	pattern Pattern
	order   int
	id      ids.ResourceId
}

// Matcher resolves a queried domain to the most specific matching DNS
// resource. It is immutable once built: §4.7 rebuilds the whole
// matcher on every resource list update rather than mutating one in
// place, so concurrent reads never race with a rebuild.
type Matcher struct {
	entries []compiledEntry
}

// Build compiles entries (in the Portal's resource order, which also
// breaks ties among same-specificity patterns) into a Matcher.
func Build(entries []Entry) *Matcher {
	m := &Matcher{entries: make([]compiledEntry, 0, len(entries))}
	for i, e := range entries {
		m.entries = append(m.entries, compiledEntry{
			pattern: ParsePattern(e.Pattern),
			order:   i,
			id:      e.Resource,
		})
	}
	return m
}

// Match returns the resource id for the most specific pattern matching
// domain, breaking ties first by pattern specificity (exact >
// single-label > suffix) and then by insertion order (earliest wins).
func (m *Matcher) Match(domain string) (ids.ResourceId, bool) {
	queried := normalize(domain)

	found := false
	var bestID ids.ResourceId
	bestSpecificity := -1
	bestOrder := 0

	for _, e := range m.entries {
		if !e.pattern.matches(queried) {
			continue
		}
		spec := e.pattern.Kind.specificity()
		if !found || spec > bestSpecificity || (spec == bestSpecificity && e.order < bestOrder) {
			found = true
			bestID = e.id
			bestSpecificity = spec
			bestOrder = e.order
		}
	}
	return bestID, found
}
