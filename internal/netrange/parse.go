package netrange

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidPrefix    = errors.New("invalid prefix length")
	ErrPrefixOutOfRange = errors.New("prefix length out of range")
)

// ParseError describes a single rejected input entry.
type ParseError struct {
	Entry string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid IP/CIDR entry %q: %v", e.Entry, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse parses a bare address or a CIDR. Bare addresses become full-length
// ranges; CIDRs with host bits set are masked to their network.
func Parse(raw string) (Range, error) {
	value := strings.TrimSpace(raw)

	host, length, isCIDR := strings.Cut(value, "/")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Range{}, &ParseError{Entry: value, Err: fmt.Errorf("%w: %v", ErrInvalidAddress, err)}
	}

	var r Range
	if !isCIDR {
		r, err = Host(addr)
	} else {
		bits, convErr := strconv.Atoi(length)
		if convErr != nil || length == "" || strings.ContainsAny(length, "+-") {
			return Range{}, &ParseError{Entry: value, Err: fmt.Errorf("%w: %q", ErrInvalidPrefix, length)}
		}
		r, err = New(addr, bits)
	}
	if err != nil {
		return Range{}, &ParseError{Entry: value, Err: err}
	}
	return r, nil
}

// Parsed is the family-partitioned result of ParseAll.
type Parsed struct {
	V4       []Range
	V6       []Range
	Rejected []*ParseError
}

// Len returns the number of accepted ranges.
func (p Parsed) Len() int { return len(p.V4) + len(p.V6) }

// ParseAll parses every entry, keeping insertion order within each family.
// Blank entries are skipped; malformed ones are collected in Rejected and never
// abort the batch.
func ParseAll(raws []string) Parsed {
	var out Parsed
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		r, err := Parse(raw)
		if err != nil {
			var perr *ParseError
			if !errors.As(err, &perr) {
				perr = &ParseError{Entry: raw, Err: err}
			}
			out.Rejected = append(out.Rejected, perr)
			continue
		}

		switch r.Family() {
		case IPv4:
			out.V4 = append(out.V4, r)
		case IPv6:
			out.V6 = append(out.V6, r)
		}
	}
	return out
}
