// Package blocklist turns flagged addresses from the store into the size
// bounded bot map files served by the proxy.
package blocklist

import (
	"github.com/charmbracelet/log"

	"edgeguard/internal/aggregate"
	"edgeguard/internal/allowlist"
	"edgeguard/internal/netrange"
)

// Pipeline parses, filters and aggregates raw entries.
type Pipeline struct {
	aggregator *aggregate.Aggregator
	allow      *allowlist.Source
}

func NewPipeline(aggregator *aggregate.Aggregator, allow *allowlist.Source) *Pipeline {
	if aggregator == nil {
		aggregator = aggregate.New(aggregate.DefaultIPv4Threshold, aggregate.DefaultIPv6Threshold)
	}
	if allow == nil {
		allow = allowlist.Static(nil)
	}
	return &Pipeline{aggregator: aggregator, allow: allow}
}

// Result is the output of Process.
type Result struct {
	Ranges []netrange.Range

	Input        int
	Rejected     int
	PreFiltered  int
	PostFiltered int
}

// Process parses raw, drops allowlisted ranges, aggregates both families and
// drops any aggregated range that overlaps the allowlist. Malformed entries
// are logged and skipped.
func (p *Pipeline) Process(raw []string) Result {
	parsed := netrange.ParseAll(raw)
	for _, rej := range parsed.Rejected {
		log.Warn("Skipping invalid IP/CIDR entry", "entry", rej.Entry, "error", rej.Err)
	}

	// One snapshot for the whole batch so a concurrent reload cannot split it.
	filter := p.allow.Filter()

	v4, droppedV4 := filter.Exclude(parsed.V4)
	v6, droppedV6 := filter.Exclude(parsed.V6)
	for _, r := range append(droppedV4, droppedV6...) {
		log.Debug("Allowlisted entry skipped", "range", r)
	}

	aggregated := p.aggregator.AggregateAll(v4, v6)
	kept, droppedAfter := filter.Exclude(aggregated)
	for _, r := range droppedAfter {
		log.Info("Aggregated range overlaps allowlist, dropping it", "range", r)
	}

	return Result{
		Ranges:       kept,
		Input:        len(raw),
		Rejected:     len(parsed.Rejected),
		PreFiltered:  len(droppedV4) + len(droppedV6),
		PostFiltered: len(droppedAfter),
	}
}

// Split is a published set partitioned by the line bound.
type Split struct {
	Primary  []netrange.Range
	Overflow []netrange.Range
	// Shed holds what did not fit into the overflow file either.
	Shed []netrange.Range
}

// Total is the number of ranges across all partitions.
func (s Split) Total() int {
	return len(s.Primary) + len(s.Overflow) + len(s.Shed)
}

// Split keeps the first maxLines ranges as the primary set and re-processes
// the rest into the overflow set, which is bounded by maxLines as well.
// ranges arrive in netrange.Compare order, so the primary set is the broadest
// ranges first and, within a prefix length, the lowest addresses by byte value.
func (p *Pipeline) Split(ranges []netrange.Range, maxLines int) Split {
	if maxLines <= 0 || len(ranges) <= maxLines {
		return Split{Primary: ranges}
	}

	out := Split{Primary: ranges[:maxLines:maxLines]}

	rest := p.Process(netrange.Strings(ranges[maxLines:])).Ranges
	if len(rest) > maxLines {
		out.Shed = rest[maxLines:]
		rest = rest[:maxLines:maxLines]
	}
	out.Overflow = rest
	return out
}
