package aggregate

import (
	"slices"

	"edgeguard/internal/netrange"
)

// Normalize sorts ranges by prefix length and network address and drops every
// range that is a duplicate of, or contained in, a range kept before it. The
// result is deterministic regardless of input order and no range in it
// contains another.
func Normalize(ranges []netrange.Range) []netrange.Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := slices.Clone(ranges)
	slices.SortStableFunc(sorted, netrange.Compare)

	kept := make(map[netrange.Range]struct{}, len(sorted))
	// Prefix lengths present in kept, per family, in ascending order.
	lengths := make(map[netrange.Family][]int, 2)
	out := make([]netrange.Range, 0, len(sorted))

	for _, r := range sorted {
		if covered(r, kept, lengths[r.Family()]) {
			continue
		}
		kept[r] = struct{}{}
		out = append(out, r)

		ls := lengths[r.Family()]
		if len(ls) == 0 || ls[len(ls)-1] != r.Bits() {
			lengths[r.Family()] = append(ls, r.Bits())
		}
	}
	return out
}

func covered(r netrange.Range, kept map[netrange.Range]struct{}, lengths []int) bool {
	for _, l := range lengths {
		if l > r.Bits() {
			break
		}
		if _, ok := kept[r.Parent(l)]; ok {
			return true
		}
	}
	return false
}
