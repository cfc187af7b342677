// Package netrange holds the address range value type used by the blocklist
// engine: a family-tagged network address with a prefix length, always stored
// with its host bits cleared.
package netrange

import (
	"bytes"
	"fmt"
	"net/netip"
)

// Family is the address family of a Range.
type Family uint8

const (
	IPv4 Family = iota + 1
	IPv6
)

// Bits returns the address width of the family.
func (f Family) Bits() int {
	switch f {
	case IPv4:
		return 32
	case IPv6:
		return 128
	default:
		return 0
	}
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Range is an immutable network range. Two ranges are equal (==) exactly when
// family, network and prefix length match, so Range is usable as a map key.
type Range struct {
	family Family
	v4     [4]byte
	v6     [16]byte
	bits   int
}

// New builds a Range from addr and bits, masking off any host bits.
// IPv4-mapped IPv6 ranges of /96 or longer are stored as the IPv4 range they
// map, so "::ffff:10.0.0.5/128" and "10.0.0.5" are the same Range. Broader
// mapped ranges keep the IPv6 family.
func New(addr netip.Addr, bits int) (Range, error) {
	if !addr.IsValid() {
		return Range{}, ErrInvalidAddress
	}
	if addr.Zone() != "" {
		return Range{}, fmt.Errorf("%w: zoned address", ErrInvalidAddress)
	}

	if addr.Is4In6() && bits >= 96 && bits <= 128 {
		addr, bits = addr.Unmap(), bits-96
	}

	switch {
	case addr.Is4():
		if bits < 0 || bits > 32 {
			return Range{}, fmt.Errorf("%w: /%d for ipv4", ErrPrefixOutOfRange, bits)
		}
		return Range{family: IPv4, v4: mask4(addr.As4(), bits), bits: bits}, nil
	default:
		if bits < 0 || bits > 128 {
			return Range{}, fmt.Errorf("%w: /%d for ipv6", ErrPrefixOutOfRange, bits)
		}
		return Range{family: IPv6, v6: mask6(addr.As16(), bits), bits: bits}, nil
	}
}

// Host returns the full-length range for a single address.
func Host(addr netip.Addr) (Range, error) {
	return New(addr, addr.BitLen())
}

func (r Range) Family() Family { return r.family }

// Bits returns the prefix length.
func (r Range) Bits() int { return r.bits }

// IsValid reports whether r was built by New (the zero Range is invalid).
func (r Range) IsValid() bool { return r.family == IPv4 || r.family == IPv6 }

// IsHost reports whether r covers exactly one address.
func (r Range) IsHost() bool { return r.IsValid() && r.bits == r.family.Bits() }

// Addr returns the network address.
func (r Range) Addr() netip.Addr {
	switch r.family {
	case IPv4:
		return netip.AddrFrom4(r.v4)
	case IPv6:
		return netip.AddrFrom16(r.v6)
	default:
		return netip.Addr{}
	}
}

// Prefix converts r to a netip.Prefix.
func (r Range) Prefix() netip.Prefix {
	if !r.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(r.Addr(), r.bits)
}

// Parent returns the enclosing range at the broader prefix length bits.
// When bits is not broader than r, r is returned unchanged.
func (r Range) Parent(bits int) Range {
	if bits >= r.bits || bits < 0 {
		return r
	}
	p := r
	p.bits = bits
	switch r.family {
	case IPv4:
		p.v4 = mask4(r.v4, bits)
	case IPv6:
		p.v6 = mask6(r.v6, bits)
	}
	return p
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	if r.family != o.family || !r.IsValid() || o.bits < r.bits {
		return false
	}
	return o.Parent(r.bits) == r
}

// Overlaps reports whether either range contains the other.
func (r Range) Overlaps(o Range) bool {
	return r.Contains(o) || o.Contains(r)
}

// Compare orders ranges by prefix length, then family, then network bytes.
func Compare(a, b Range) int {
	switch {
	case a.bits != b.bits:
		if a.bits < b.bits {
			return -1
		}
		return 1
	case a.family != b.family:
		if a.family < b.family {
			return -1
		}
		return 1
	case a.family == IPv4:
		return bytes.Compare(a.v4[:], b.v4[:])
	default:
		return bytes.Compare(a.v6[:], b.v6[:])
	}
}

func mask4(a [4]byte, bits int) [4]byte {
	maskBytes(a[:], bits)
	return a
}

func mask6(a [16]byte, bits int) [16]byte {
	maskBytes(a[:], bits)
	return a
}

// maskBytes clears every bit past the first bits bits of b in place.
func maskBytes(b []byte, bits int) {
	for i := range b {
		switch {
		case bits >= 8:
			bits -= 8
		case bits <= 0:
			b[i] = 0
		default:
			b[i] &= ^byte(0xff >> uint(bits))
			bits = 0
		}
	}
}
