// Package allowlist keeps always-permitted address ranges out of the published
// blocklist. A candidate range is excluded when it lies inside an allowlist
// entry or when it would swallow one.
package allowlist

import (
	"github.com/gaissmai/bart"

	"edgeguard/internal/netrange"
)

// IsAllowed reports whether candidate overlaps any allowlist entry of the same
// family: identical, contained in an entry, or containing an entry.
func IsAllowed(candidate netrange.Range, allowlist []netrange.Range) bool {
	for _, entry := range allowlist {
		if candidate.Family() != entry.Family() {
			continue
		}
		if candidate == entry {
			return true
		}
		if candidate.Bits() >= entry.Bits() && entry.Contains(candidate) {
			return true
		}
		if entry.Bits() >= candidate.Bits() && candidate.Contains(entry) {
			return true
		}
	}
	return false
}

// Filter is an indexed allowlist. The zero value and nil allow nothing.
type Filter struct {
	table   *bart.Table[struct{}]
	entries []netrange.Range
}

// NewFilter indexes the given entries. Invalid ranges are ignored.
func NewFilter(entries []netrange.Range) *Filter {
	f := &Filter{table: new(bart.Table[struct{}])}
	seen := make(map[netrange.Range]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsValid() {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		f.table.Insert(e.Prefix(), struct{}{})
		f.entries = append(f.entries, e)
	}
	return f
}

// Allowed reports whether r overlaps an allowlist entry in either direction.
func (f *Filter) Allowed(r netrange.Range) bool {
	if f == nil || f.table == nil || !r.IsValid() {
		return false
	}
	return f.table.OverlapsPrefix(r.Prefix())
}

// Exclude splits ranges into those that may be published and those that
// collide with the allowlist. Order is preserved in both.
func (f *Filter) Exclude(ranges []netrange.Range) (kept, dropped []netrange.Range) {
	kept = make([]netrange.Range, 0, len(ranges))
	for _, r := range ranges {
		if f.Allowed(r) {
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// Entries returns a copy of the indexed ranges.
func (f *Filter) Entries() []netrange.Range {
	if f == nil {
		return nil
	}
	out := make([]netrange.Range, len(f.entries))
	copy(out, f.entries)
	return out
}

// Len returns the number of distinct entries.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}
