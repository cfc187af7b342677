package aggregate

import (
	"slices"

	"edgeguard/internal/netrange"
)

// Aggregator applies the tier ladders of both families.
type Aggregator struct {
	v4 []Tier
	v6 []Tier
}

// New returns an Aggregator with the standard ladders. Thresholds below 1 fall
// back to the defaults.
func New(v4Threshold, v6Threshold int) *Aggregator {
	if v4Threshold < 1 {
		v4Threshold = DefaultIPv4Threshold
	}
	if v6Threshold < 1 {
		v6Threshold = DefaultIPv6Threshold
	}
	return &Aggregator{v4: IPv4Tiers(v4Threshold), v6: IPv6Tiers(v6Threshold)}
}

// NewWithTiers returns an Aggregator with custom ladders.
func NewWithTiers(v4, v6 []Tier) (*Aggregator, error) {
	if err := validateLadder(netrange.IPv4, v4); err != nil {
		return nil, err
	}
	if err := validateLadder(netrange.IPv6, v6); err != nil {
		return nil, err
	}
	return &Aggregator{v4: slices.Clone(v4), v6: slices.Clone(v6)}, nil
}

// Tiers returns the ladder used for f.
func (a *Aggregator) Tiers(f netrange.Family) []Tier {
	switch f {
	case netrange.IPv4:
		return slices.Clone(a.v4)
	case netrange.IPv6:
		return slices.Clone(a.v6)
	default:
		return nil
	}
}

// Aggregate runs every tier of f's ladder over ranges, normalising after each
// one. Ranges of another family are discarded.
func (a *Aggregator) Aggregate(f netrange.Family, ranges []netrange.Range) []netrange.Range {
	current := make([]netrange.Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Family() == f {
			current = append(current, r)
		}
	}
	if len(current) == 0 {
		return nil
	}

	for _, tier := range a.Tiers(f) {
		current = Normalize(Promote(current, tier))
	}
	return current
}

// AggregateAll aggregates both families independently and returns the IPv4
// result followed by the IPv6 result.
func (a *Aggregator) AggregateAll(v4, v6 []netrange.Range) []netrange.Range {
	out := a.Aggregate(netrange.IPv4, v4)
	return append(out, a.Aggregate(netrange.IPv6, v6)...)
}

// Promote applies a single tier. Ranges at exactly tier.Source are grouped by
// their parent at tier.Target; a group with at least tier.Threshold distinct
// members is replaced by the parent, a sparser group is left alone. Every
// other range passes through. Promoted parents follow the untouched ranges in
// first-seen order.
func Promote(ranges []netrange.Range, tier Tier) []netrange.Range {
	type group struct {
		parent   netrange.Range
		children map[netrange.Range]struct{}
	}

	groups := make(map[netrange.Range]*group)
	var order []netrange.Range

	for _, r := range ranges {
		if r.Bits() != tier.Source {
			continue
		}
		parent := r.Parent(tier.Target)
		g, ok := groups[parent]
		if !ok {
			g = &group{parent: parent, children: make(map[netrange.Range]struct{})}
			groups[parent] = g
			order = append(order, parent)
		}
		g.children[r] = struct{}{}
	}

	promoted := make(map[netrange.Range]struct{})
	for parent, g := range groups {
		if len(g.children) >= tier.Threshold {
			promoted[parent] = struct{}{}
		}
	}

	out := make([]netrange.Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Bits() == tier.Source {
			if _, ok := promoted[r.Parent(tier.Target)]; ok {
				continue
			}
		}
		out = append(out, r)
	}
	for _, parent := range order {
		if _, ok := promoted[parent]; ok {
			out = append(out, parent)
		}
	}
	return out
}
