package aggregate

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"edgeguard/internal/netrange"
)

func parseAll(t *testing.T, raws []string) ([]netrange.Range, []netrange.Range) {
	t.Helper()
	parsed := netrange.ParseAll(raws)
	if len(parsed.Rejected) != 0 {
		t.Fatalf("unexpected rejects: %v", parsed.Rejected)
	}
	return parsed.V4, parsed.V6
}

func joined(ranges []netrange.Range) string {
	return strings.Join(netrange.Strings(ranges), ",")
}

func TestHostsCollapseIntoSlash24(t *testing.T) {
	var raws []string
	for i := 1; i <= 25; i++ {
		raws = append(raws, fmt.Sprintf("10.0.0.%d", i))
	}
	v4, _ := parseAll(t, raws)

	got := New(10, 30).Aggregate(netrange.IPv4, v4)
	if joined(got) != "10.0.0.0/24" {
		t.Fatalf("Aggregate = %s, want 10.0.0.0/24", joined(got))
	}
}

func TestSlash16NeedsThresholdDistinctChildren(t *testing.T) {
	agg := New(10, 30)

	nine := make([]string, 0, 9)
	for i := 0; i < 9; i++ {
		nine = append(nine, fmt.Sprintf("10.1.%d.1", i))
	}
	v4, _ := parseAll(t, nine)
	got := agg.Aggregate(netrange.IPv4, v4)
	if len(got) != 9 {
		t.Fatalf("nine /24s should stay separate, got %s", joined(got))
	}
	if got[0].String() != "10.1.0.0/24" || got[8].String() != "10.1.8.0/24" {
		t.Fatalf("unexpected ordering: %s", joined(got))
	}

	v4, _ = parseAll(t, append(nine, "10.1.9.1"))
	got = agg.Aggregate(netrange.IPv4, v4)
	if joined(got) != "10.1.0.0/16" {
		t.Fatalf("ten /24s should promote, got %s", joined(got))
	}
}

func TestFullIPv4Ladder(t *testing.T) {
	var raws []string
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			raws = append(raws, fmt.Sprintf("10.%d.%d.1", 16+i, j))
		}
	}
	v4, _ := parseAll(t, raws)

	got := New(10, 30).Aggregate(netrange.IPv4, v4)
	if joined(got) != "10.16.0.0/12" {
		t.Fatalf("Aggregate = %s, want 10.16.0.0/12", joined(got))
	}
}

func TestIPv6Ladder(t *testing.T) {
	agg := New(10, 30)

	var raws []string
	for i := 0; i < 29; i++ {
		raws = append(raws, fmt.Sprintf("2001:db8:1:%x::1", i))
	}
	_, v6 := parseAll(t, raws)
	if got := agg.Aggregate(netrange.IPv6, v6); len(got) != 29 {
		t.Fatalf("29 /64s should stay separate, got %d ranges", len(got))
	}

	_, v6 = parseAll(t, append(raws, "2001:db8:1:1d::1", "2001:db8:1:1d::2"))
	got := agg.Aggregate(netrange.IPv6, v6)
	if joined(got) != "2001:db8:1::/48" {
		t.Fatalf("Aggregate = %s, want 2001:db8:1::/48", joined(got))
	}
}

func TestIPv6HostsCollapseIntoSlash64(t *testing.T) {
	_, v6 := parseAll(t, []string{"2001:db8::1", "2001:db8::ffff", "2001:db8:0:0:1::9"})
	got := New(10, 30).Aggregate(netrange.IPv6, v6)
	if joined(got) != "2001:db8::/64" {
		t.Fatalf("Aggregate = %s, want 2001:db8::/64", joined(got))
	}
}

func TestBroaderInputSubsumesNarrower(t *testing.T) {
	v4, _ := parseAll(t, []string{"10.1.2.3", "10.0.0.0/8", "10.200.0.0/16", "11.0.0.0/25"})
	got := New(10, 30).Aggregate(netrange.IPv4, v4)
	if joined(got) != "10.0.0.0/8,11.0.0.0/25" {
		t.Fatalf("Aggregate = %s", joined(got))
	}
}

func TestExplicitRangeAndHostsMerge(t *testing.T) {
	v4, _ := parseAll(t, []string{"10.0.0.0/24", "10.0.0.7", "10.0.0.7"})
	got := New(10, 30).Aggregate(netrange.IPv4, v4)
	if joined(got) != "10.0.0.0/24" {
		t.Fatalf("Aggregate = %s, want 10.0.0.0/24", joined(got))
	}
}

func TestAggregateIsIdempotentAndOrderIndependent(t *testing.T) {
	var raws []string
	for i := 0; i < 12; i++ {
		raws = append(raws, fmt.Sprintf("172.20.%d.%d", i, i+1))
	}
	for i := 0; i < 5; i++ {
		raws = append(raws, fmt.Sprintf("192.0.2.%d", i), fmt.Sprintf("198.51.%d.1", i))
	}
	raws = append(raws, "203.0.113.0/25", "203.0.113.128/25")

	v4, _ := parseAll(t, raws)
	agg := New(10, 30)
	first := agg.Aggregate(netrange.IPv4, v4)

	if again := agg.Aggregate(netrange.IPv4, first); joined(again) != joined(first) {
		t.Fatalf("second pass changed output:\n%s\n%s", joined(first), joined(again))
	}

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 5; n++ {
		shuffled := append([]netrange.Range(nil), v4...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := agg.Aggregate(netrange.IPv4, shuffled); joined(got) != joined(first) {
			t.Fatalf("shuffled input changed output:\n%s\n%s", joined(first), joined(got))
		}
	}
}

func TestAggregateOutputHasNoContainment(t *testing.T) {
	var raws []string
	for i := 0; i < 40; i++ {
		raws = append(raws, fmt.Sprintf("10.%d.%d.%d", i%3, i, i))
	}
	raws = append(raws, "10.0.0.0/12", "10.2.0.0/16")
	v4, _ := parseAll(t, raws)

	got := New(10, 30).Aggregate(netrange.IPv4, v4)
	for i, a := range got {
		for j, b := range got {
			if i != j && a.Contains(b) {
				t.Fatalf("%s contains %s in output %s", a, b, joined(got))
			}
		}
	}
}

func TestAggregateAllKeepsFamiliesApart(t *testing.T) {
	v4, v6 := parseAll(t, []string{"2001:db8::1", "10.0.0.1", "::ffff:10.0.0.2"})
	got := New(10, 30).AggregateAll(v4, v6)
	if joined(got) != "10.0.0.0/24,2001:db8::/64" {
		t.Fatalf("AggregateAll = %s", joined(got))
	}
}

func TestAggregateEmpty(t *testing.T) {
	if got := New(10, 30).Aggregate(netrange.IPv4, nil); len(got) != 0 {
		t.Fatalf("Aggregate(nil) = %s", joined(got))
	}
}

func TestPromoteCountsDistinctChildren(t *testing.T) {
	r, err := netrange.Parse("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	dups := make([]netrange.Range, 10)
	for i := range dups {
		dups[i] = r
	}
	tier := Tier{Name: "t", Source: 24, Target: 16, Threshold: 10}
	if got := Normalize(Promote(dups, tier)); joined(got) != "10.0.0.0/24" {
		t.Fatalf("duplicates must not count towards the threshold, got %s", joined(got))
	}
}

func TestNewDefaultsThresholds(t *testing.T) {
	agg := New(0, -1)
	if got := agg.Tiers(netrange.IPv4)[1].Threshold; got != DefaultIPv4Threshold {
		t.Fatalf("v4 threshold = %d", got)
	}
	if got := agg.Tiers(netrange.IPv6)[2].Threshold; got != DefaultIPv6Threshold {
		t.Fatalf("v6 threshold = %d", got)
	}
}

func TestNewWithTiersValidates(t *testing.T) {
	if _, err := NewWithTiers([]Tier{{Name: "bad", Source: 24, Target: 24, Threshold: 1}}, IPv6Tiers(30)); err == nil {
		t.Fatalf("target equal to source should be rejected")
	}
	if _, err := NewWithTiers(IPv4Tiers(10), []Tier{{Name: "bad", Source: 129, Target: 64, Threshold: 1}}); err == nil {
		t.Fatalf("source wider than the family should be rejected")
	}
	if _, err := NewWithTiers(IPv4Tiers(10), []Tier{{Name: "zero", Source: 128, Target: 64, Threshold: 0}}); err == nil {
		t.Fatalf("zero threshold should be rejected")
	}
	agg, err := NewWithTiers([]Tier{{Name: "v4-host", Source: 32, Target: 28, Threshold: 2}}, IPv6Tiers(30))
	if err != nil {
		t.Fatalf("NewWithTiers returned error: %v", err)
	}
	v4, _ := parseAll(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.20"})
	if got := agg.Aggregate(netrange.IPv4, v4); joined(got) != "10.0.0.0/28,10.0.0.20" {
		t.Fatalf("custom ladder = %s", joined(got))
	}
}
