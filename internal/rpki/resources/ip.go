// Package resources implements RFC 3779 IP-address and AS-number resource
// sets: parsing from decoded extension structures, canonicalization,
// containment and intersection.
package resources

import (
	"fmt"
	"net/netip"
)

// Family distinguishes IPv4 from IPv6 ranges. AS ranges have no family.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// Width returns the address width in bits for the family.
func (f Family) Width() int {
	if f == FamilyV6 {
		return 128
	}
	return 32
}

// addr128 is a big-endian 128-bit unsigned integer, used to compare IPv4 and
// IPv6 addresses uniformly. IPv4 addresses occupy the low 32 bits of lo.
type addr128 struct {
	hi, lo uint64
}

func (a addr128) less(b addr128) bool {
	if a.hi != b.hi {
		return a.hi < b.hi
	}
	return a.lo < b.lo
}

func (a addr128) equal(b addr128) bool { return a.hi == b.hi && a.lo == b.lo }
func (a addr128) lessEqual(b addr128) bool { return a.less(b) || a.equal(b) }

// adjacentOrBefore reports whether a+1 == b.
func (a addr128) adjacentOrBefore(b addr128) bool {
	lo := a.lo + 1
	hi := a.hi
	if lo == 0 {
		hi++
	}
	return hi == b.hi && lo == b.lo
}

func addr128FromNetip(a netip.Addr) addr128 {
	if a.Is4() {
		b := a.As4()
		return addr128{0, uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])}
	}
	b := a.As16()
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return addr128{hi, lo}
}

func addr128ToNetip(a addr128, f Family) netip.Addr {
	if f == FamilyV4 {
		v := uint32(a.lo)
		return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	var b [16]byte
	hi, lo := a.hi, a.lo
	for i := 7; i >= 0; i-- {
		b[i] = byte(hi)
		hi >>= 8
	}
	for i := 15; i >= 8; i-- {
		b[i] = byte(lo)
		lo >>= 8
	}
	return netip.AddrFrom16(b)
}

// IPRange is a closed, inclusive range [Start, End] of addresses of a single
// family. Prefix-with-max-length forms are normalized into their covered
// range by PrefixRange.
type IPRange struct {
	Family Family
	Start  addr128
	End    addr128
}

// PrefixRange returns the IPRange covered by prefix p.
func PrefixRange(p netip.Prefix) IPRange {
	p = p.Masked()
	fam := FamilyV4
	if p.Addr().Is6() {
		fam = FamilyV6
	}
	start := addr128FromNetip(p.Addr())
	width := fam.Width()
	hostBits := width - p.Bits()

	end := start
	switch {
	case hostBits <= 0:
		// exact host route, end == start
	case hostBits >= 64:
		end.lo = ^uint64(0)
		end.hi |= (uint64(1)<<uint(hostBits-64) - 1)
	default:
		end.lo |= (uint64(1)<<uint(hostBits) - 1)
	}
	return IPRange{Family: fam, Start: start, End: end}
}

// StartAddr returns the range's start address as a netip.Addr.
func (r IPRange) StartAddr() netip.Addr { return addr128ToNetip(r.Start, r.Family) }

// EndAddr returns the range's end address as a netip.Addr.
func (r IPRange) EndAddr() netip.Addr { return addr128ToNetip(r.End, r.Family) }

// String renders the range as "start-end".
func (r IPRange) String() string {
	return fmt.Sprintf("%s-%s", r.StartAddr(), r.EndAddr())
}

// Contains reports whether r fully contains o. Ranges of different
// families never contain one another.
func (r IPRange) Contains(o IPRange) bool {
	if r.Family != o.Family {
		return false
	}
	return r.Start.lessEqual(o.Start) && o.End.lessEqual(r.End)
}

// Equal reports whether r and o describe the same range.
func (r IPRange) Equal(o IPRange) bool {
	return r.Family == o.Family && r.Start.equal(o.Start) && r.End.equal(o.End)
}

// overlaps reports whether r and o share at least one address.
func (r IPRange) overlaps(o IPRange) bool {
	if r.Family != o.Family {
		return false
	}
	return !(r.End.less(o.Start) || o.End.less(r.Start))
}

// touches reports whether r and o are adjacent or overlapping, and thus
// fusable during canonicalization.
func (r IPRange) touches(o IPRange) bool {
	if r.Family != o.Family {
		return false
	}
	if r.overlaps(o) {
		return true
	}
	return r.End.adjacentOrBefore(o.Start) || o.End.adjacentOrBefore(r.Start)
}

// union assumes r.touches(o).
func (r IPRange) union(o IPRange) IPRange {
	start := r.Start
	if o.Start.less(start) {
		start = o.Start
	}
	end := r.End
	if end.less(o.End) {
		end = o.End
	}
	return IPRange{Family: r.Family, Start: start, End: end}
}

// intersect returns the overlapping sub-range of r and o, if any.
func (r IPRange) intersect(o IPRange) (IPRange, bool) {
	if !r.overlaps(o) {
		return IPRange{}, false
	}
	start := r.Start
	if start.less(o.Start) {
		start = o.Start
	}
	end := r.End
	if o.End.less(end) {
		end = o.End
	}
	return IPRange{Family: r.Family, Start: start, End: end}, true
}

// subtract removes the portion of r covered by o, returning zero, one, or
// two remaining sub-ranges.
func (r IPRange) subtract(o IPRange) []IPRange {
	if !r.overlaps(o) {
		return []IPRange{r}
	}
	var out []IPRange
	if r.Start.less(o.Start) {
		end := o.Start
		end.lo-- // o.Start - 1; borrow handled since o.Start > r.Start >= 0
		if end.lo == ^uint64(0) {
			end.hi--
		}
		out = append(out, IPRange{Family: r.Family, Start: r.Start, End: end})
	}
	if o.End.less(r.End) {
		start := o.End
		start.lo++
		if start.lo == 0 {
			start.hi++
		}
		out = append(out, IPRange{Family: r.Family, Start: start, End: r.End})
	}
	return out
}
