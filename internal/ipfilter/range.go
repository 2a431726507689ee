package ipfilter

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrInvalidAddress is returned when a rule bound is not a valid IP address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvertedRange is returned when a rule's first address is above its last.
	ErrInvertedRange = errors.New("first address is greater than last address")
	// ErrFamilyMismatch is returned when a rule mixes IPv4 and IPv6 bounds.
	ErrFamilyMismatch = errors.New("range bounds belong to different address families")
	// ErrInvalidAccess is returned for an access class other than Allowed or Blocked.
	ErrInvalidAccess = errors.New("invalid access class")
)

// Access is the class assigned to an address range.
type Access uint8

const (
	// Allowed admits the address. It is the class of every address not
	// covered by a rule.
	Allowed Access = iota
	// Blocked denies the address.
	Blocked
)

// String returns a human-readable name for the access class.
func (a Access) String() string {
	switch a {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

func (a Access) valid() bool {
	return a == Allowed || a == Blocked
}

// ParseAccess converts a string to an Access class.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "allowed", "accept":
		return Allowed, nil
	case "block", "blocked", "deny":
		return Blocked, nil
	default:
		return Allowed, fmt.Errorf("%w: %q", ErrInvalidAccess, s)
	}
}

// Family identifies the address family of a range.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == IPv4 {
		return "ipv4"
	}
	return "ipv6"
}

// Range is a closed interval of addresses tagged with an access class.
type Range struct {
	First  netip.Addr
	Last   netip.Addr
	Access Access
}

// Contains reports whether addr lies within [First, Last].
func (r Range) Contains(addr netip.Addr) bool {
	addr = normalize(addr)
	return addr.BitLen() == r.First.BitLen() &&
		r.First.Compare(addr) <= 0 && addr.Compare(r.Last) <= 0
}

// Family returns the address family of the range.
func (r Range) Family() Family {
	if r.First.Is4() {
		return IPv4
	}
	return IPv6
}

// String formats the range as "first-last access".
func (r Range) String() string {
	return r.First.String() + "-" + r.Last.String() + " " + r.Access.String()
}

// validate normalizes the bounds and checks the rule contract.
func (r Range) validate() (Range, error) {
	if !r.First.IsValid() || !r.Last.IsValid() {
		return r, ErrInvalidAddress
	}
	r.First = normalize(r.First)
	r.Last = normalize(r.Last)
	if r.First.BitLen() != r.Last.BitLen() {
		return r, fmt.Errorf("%w: %s and %s", ErrFamilyMismatch, r.First, r.Last)
	}
	if r.First.Compare(r.Last) > 0 {
		return r, fmt.Errorf("%w: %s > %s", ErrInvertedRange, r.First, r.Last)
	}
	if !r.Access.valid() {
		return r, fmt.Errorf("%w: %d", ErrInvalidAccess, r.Access)
	}
	return r, nil
}

// normalize strips zones and maps IPv4-in-IPv6 addresses to plain IPv4 so
// that both spellings land in the same table.
func normalize(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

// ParseRange parses "first-last", a single address, or a CIDR prefix into a Range.
func ParseRange(s string, access Access) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty range", ErrInvalidAddress)
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return prefixRange(prefix, access).validate()
	}

	firstStr, lastStr, found := strings.Cut(s, "-")
	if !found {
		lastStr = firstStr
	}
	first, err := netip.ParseAddr(strings.TrimSpace(firstStr))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	last, err := netip.ParseAddr(strings.TrimSpace(lastStr))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return Range{First: first, Last: last, Access: access}.validate()
}

// prefixRange expands a CIDR prefix into its first and last address.
func prefixRange(p netip.Prefix, access Access) Range {
	addr, bits := p.Addr(), p.Bits()
	if addr.Is4In6() {
		bits = max(bits-96, 0)
	}
	first := netip.PrefixFrom(normalize(addr), bits).Masked().Addr()

	last := first.As16()
	offset := 0
	if first.Is4() {
		offset = 96
	}
	for i := bits + offset; i < 128; i++ {
		last[i/8] |= 1 << (7 - uint(i%8))
	}
	lastAddr := netip.AddrFrom16(last)
	if first.Is4() {
		lastAddr = lastAddr.Unmap()
	}
	return Range{First: first, Last: lastAddr, Access: access}
}
