package resources

import (
	"errors"
	"sort"
)

// ErrEmptyTrustAnchor is returned by validation.State.PushCert when a
// trust anchor certificate carries an empty resource set. A set with
// inherit markers is not empty; the walker rejects inherit on a trust
// anchor separately.
var ErrEmptyTrustAnchor = errors.New("resources: trust anchor certificate has no resources")

// Set is a canonicalized, disjoint collection of IP ranges and AS ranges.
// The zero value is the empty set. A Set may independently mark its IP and
// AS components as "inherit" (RFC 3779 inherit form); Inherit* is only
// meaningful before ResolveInherit is called against the issuer's
// effective set.
type Set struct {
	IPs  []IPRange
	ASNs []ASRange

	InheritIPv4 bool
	InheritIPv6 bool
	InheritASN  bool
}

// Empty returns the canonical empty, non-inheriting set.
func Empty() Set { return Set{} }

// IsEmpty reports whether the set carries no resources and no pending
// inherit markers.
func (s Set) IsEmpty() bool {
	return len(s.IPs) == 0 && len(s.ASNs) == 0 && !s.InheritIPv4 && !s.InheritIPv6 && !s.InheritASN
}

// HasInherit reports whether any component of the set still carries an
// unresolved inherit marker.
func (s Set) HasInherit() bool {
	return s.InheritIPv4 || s.InheritIPv6 || s.InheritASN
}

// AddIPRange appends r to the set. The set must be canonicalized via
// Canonicalize before use in containment/intersection.
func (s *Set) AddIPRange(r IPRange) { s.IPs = append(s.IPs, r) }

// AddASRange appends r to the set.
func (s *Set) AddASRange(r ASRange) { s.ASNs = append(s.ASNs, r) }

// Canonicalize returns a copy of s with IP and AS ranges sorted by start
// and all adjacent/overlapping/equal ranges fused. Canonicalization is
// idempotent: Canonicalize(Canonicalize(s)) == Canonicalize(s).
func (s Set) Canonicalize() Set {
	out := Set{
		InheritIPv4: s.InheritIPv4,
		InheritIPv6: s.InheritIPv6,
		InheritASN:  s.InheritASN,
	}
	out.IPs = canonicalizeIPs(s.IPs)
	out.ASNs = canonicalizeASNs(s.ASNs)
	return out
}

func canonicalizeIPs(in []IPRange) []IPRange {
	if len(in) == 0 {
		return nil
	}
	cp := make([]IPRange, len(in))
	copy(cp, in)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].Family != cp[j].Family {
			return cp[i].Family < cp[j].Family
		}
		return cp[i].Start.less(cp[j].Start)
	})

	out := []IPRange{cp[0]}
	for _, r := range cp[1:] {
		last := &out[len(out)-1]
		if last.touches(r) {
			*last = last.union(r)
		} else {
			out = append(out, r)
		}
	}
	return out
}

func canonicalizeASNs(in []ASRange) []ASRange {
	if len(in) == 0 {
		return nil
	}
	cp := make([]ASRange, len(in))
	copy(cp, in)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Min < cp[j].Min })

	out := []ASRange{cp[0]}
	for _, r := range cp[1:] {
		last := &out[len(out)-1]
		if last.touches(r) {
			*last = last.union(r)
		} else {
			out = append(out, r)
		}
	}
	return out
}

// Contains reports whether every element of other lies within s. Both sets
// must already be canonicalized and have no pending inherit markers
// (ResolveInherit first).
func (s Set) Contains(other Set) bool {
	if other.HasInherit() {
		panic("resources: Contains called with an unresolved inherit set")
	}
	for _, o := range other.IPs {
		if !s.containsIPRange(o) {
			return false
		}
	}
	for _, o := range other.ASNs {
		if !s.containsASRange(o) {
			return false
		}
	}
	return true
}

func (s Set) containsIPRange(o IPRange) bool {
	for _, r := range s.IPs {
		if r.Family == o.Family && r.Contains(o) {
			return true
		}
	}
	return false
}

func (s Set) containsASRange(o ASRange) bool {
	for _, r := range s.ASNs {
		if r.Contains(o) {
			return true
		}
	}
	return false
}

// Intersect returns the canonical set of resources present in both s and
// other.
func (s Set) Intersect(other Set) Set {
	var out Set
	for _, a := range s.IPs {
		for _, b := range other.IPs {
			if r, ok := a.intersect(b); ok {
				out.IPs = append(out.IPs, r)
			}
		}
	}
	for _, a := range s.ASNs {
		for _, b := range other.ASNs {
			if r, ok := a.intersect(b); ok {
				out.ASNs = append(out.ASNs, r)
			}
		}
	}
	return out.Canonicalize()
}

// Difference returns the canonical set of resources present in s but not in
// other.
func (s Set) Difference(other Set) Set {
	ips := s.IPs
	for _, b := range other.IPs {
		var next []IPRange
		for _, a := range ips {
			next = append(next, a.subtract(b)...)
		}
		ips = next
	}

	asns := s.ASNs
	for _, b := range other.ASNs {
		var next []ASRange
		for _, a := range asns {
			next = append(next, a.subtract(b)...)
		}
		asns = next
	}

	out := Set{IPs: ips, ASNs: asns}
	return out.Canonicalize()
}

// ResolveInherit replaces any inherit marker in s with the corresponding
// component of parent (the issuer's effective, already-resolved resource
// set), returning a new, fully concrete set. parent must not itself carry
// unresolved inherit markers.
func (s Set) ResolveInherit(parent Set) Set {
	if parent.HasInherit() {
		panic("resources: ResolveInherit called with an unresolved parent set")
	}

	out := Set{}
	if s.InheritIPv4 {
		out.IPs = append(out.IPs, filterFamily(parent.IPs, FamilyV4)...)
	} else {
		out.IPs = append(out.IPs, filterFamily(s.IPs, FamilyV4)...)
	}
	if s.InheritIPv6 {
		out.IPs = append(out.IPs, filterFamily(parent.IPs, FamilyV6)...)
	} else {
		out.IPs = append(out.IPs, filterFamily(s.IPs, FamilyV6)...)
	}
	if s.InheritASN {
		out.ASNs = append(out.ASNs, parent.ASNs...)
	} else {
		out.ASNs = append(out.ASNs, s.ASNs...)
	}
	return out.Canonicalize()
}

func filterFamily(in []IPRange, f Family) []IPRange {
	var out []IPRange
	for _, r := range in {
		if r.Family == f {
			out = append(out, r)
		}
	}
	return out
}
