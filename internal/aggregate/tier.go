// Package aggregate collapses flagged address ranges into broader supernets.
//
// Every family has a fixed ladder of three tiers. The first tier collapses
// host routes into their parent unconditionally; the next two only promote a
// parent when enough distinct children share it. A normalisation pass after
// each tier removes duplicates and ranges already covered by a broader one.
package aggregate

import (
	"fmt"

	"edgeguard/internal/netrange"
)

const (
	DefaultIPv4Threshold = 10
	DefaultIPv6Threshold = 30
)

// Tier promotes ranges sitting exactly at Source to their parent at Target
// when at least Threshold distinct children share that parent.
type Tier struct {
	Name      string
	Source    int
	Target    int
	Threshold int
}

// Validate checks the tier against the address width of f.
func (t Tier) Validate(f netrange.Family) error {
	width := f.Bits()
	switch {
	case width == 0:
		return fmt.Errorf("aggregate: tier %s: unknown family %s", t.Name, f)
	case t.Source < 0 || t.Source > width:
		return fmt.Errorf("aggregate: tier %s: source /%d outside 0-%d", t.Name, t.Source, width)
	case t.Target < 0 || t.Target >= t.Source:
		return fmt.Errorf("aggregate: tier %s: target /%d must be broader than source /%d", t.Name, t.Target, t.Source)
	case t.Threshold < 1:
		return fmt.Errorf("aggregate: tier %s: threshold %d must be at least 1", t.Name, t.Threshold)
	}
	return nil
}

// IPv4Tiers returns the /32->/24, /24->/16, /16->/12 ladder.
func IPv4Tiers(threshold int) []Tier {
	return []Tier{
		{Name: "v4-host", Source: 32, Target: 24, Threshold: 1},
		{Name: "v4-16", Source: 24, Target: 16, Threshold: threshold},
		{Name: "v4-12", Source: 16, Target: 12, Threshold: threshold},
	}
}

// IPv6Tiers returns the /128->/64, /64->/48, /48->/32 ladder.
func IPv6Tiers(threshold int) []Tier {
	return []Tier{
		{Name: "v6-host", Source: 128, Target: 64, Threshold: 1},
		{Name: "v6-48", Source: 64, Target: 48, Threshold: threshold},
		{Name: "v6-32", Source: 48, Target: 32, Threshold: threshold},
	}
}

func validateLadder(f netrange.Family, tiers []Tier) error {
	for i, t := range tiers {
		if err := t.Validate(f); err != nil {
			return err
		}
		if i > 0 && t.Source > tiers[i-1].Source {
			return fmt.Errorf("aggregate: tier %s: ladder must widen, /%d follows /%d", t.Name, t.Source, tiers[i-1].Source)
		}
	}
	return nil
}
