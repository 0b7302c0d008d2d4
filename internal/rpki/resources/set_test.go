package resources

import (
	"net/netip"
	"testing"
)

func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

func TestCanonicalizeFusesOverlapping(t *testing.T) {
	s := Set{
		IPs: []IPRange{
			PrefixRange(mustPrefix("10.1.0.0/16")),
			PrefixRange(mustPrefix("10.0.0.0/16")),
			PrefixRange(mustPrefix("10.0.0.0/8")),
		},
	}
	got := s.Canonicalize()
	if len(got.IPs) != 1 {
		t.Fatalf("want 1 fused range, got %d: %v", len(got.IPs), got.IPs)
	}
	want := PrefixRange(mustPrefix("10.0.0.0/8"))
	if !got.IPs[0].Equal(want) {
		t.Errorf("got %v, want %v", got.IPs[0], want)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	s := Set{
		IPs: []IPRange{
			PrefixRange(mustPrefix("192.0.2.0/25")),
			PrefixRange(mustPrefix("192.0.2.128/25")),
			PrefixRange(mustPrefix("203.0.113.0/24")),
		},
		ASNs: []ASRange{{Min: 100, Max: 200}, {Min: 201, Max: 300}, {Min: 1000, Max: 1000}},
	}
	once := s.Canonicalize()
	twice := once.Canonicalize()
	if len(once.IPs) != len(twice.IPs) || len(once.ASNs) != len(twice.ASNs) {
		t.Fatalf("canonicalize not idempotent: once=%v twice=%v", once, twice)
	}
	for i := range once.IPs {
		if !once.IPs[i].Equal(twice.IPs[i]) {
			t.Errorf("IP[%d]: %v != %v", i, once.IPs[i], twice.IPs[i])
		}
	}
}

func TestContains(t *testing.T) {
	parent := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.0.0.0/8"))}}.Canonicalize()

	tests := []struct {
		name  string
		child string
		want  bool
	}{
		{"contained /16", "10.0.0.0/16", true},
		{"contained /24 deep", "10.255.255.0/24", true},
		{"exact match", "10.0.0.0/8", true},
		{"not contained, different prefix", "11.0.0.0/8", false},
		{"not contained, wider", "9.0.0.0/7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child := Set{IPs: []IPRange{PrefixRange(mustPrefix(tt.child))}}.Canonicalize()
			if got := parent.Contains(child); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.child, got, tt.want)
			}
		})
	}
}

func TestContainsAS(t *testing.T) {
	parent := Set{ASNs: []ASRange{{Min: 64500, Max: 64600}}}.Canonicalize()
	child := Set{ASNs: []ASRange{{Min: 64510, Max: 64520}}}.Canonicalize()
	if !parent.Contains(child) {
		t.Fatal("expected containment")
	}
	outside := Set{ASNs: []ASRange{{Min: 64590, Max: 64610}}}.Canonicalize()
	if parent.Contains(outside) {
		t.Fatal("expected non-containment: range spills past parent.Max")
	}
}

func TestIntersect(t *testing.T) {
	a := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.0.0.0/8"))}}.Canonicalize()
	b := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.1.0.0/16"))}}.Canonicalize()
	got := a.Intersect(b)
	if len(got.IPs) != 1 || !got.IPs[0].Equal(PrefixRange(mustPrefix("10.1.0.0/16"))) {
		t.Fatalf("got %v", got.IPs)
	}

	disjoint := Set{IPs: []IPRange{PrefixRange(mustPrefix("11.0.0.0/8"))}}.Canonicalize()
	if got := a.Intersect(disjoint); !got.IsEmpty() {
		t.Fatalf("want empty intersection, got %v", got)
	}
}

func TestDifference(t *testing.T) {
	a := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.0.0.0/8"))}}.Canonicalize()
	b := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.1.0.0/16"))}}.Canonicalize()
	got := a.Difference(b)
	if got.Contains(b) {
		t.Fatalf("difference should have removed b, got %v", got)
	}
	// 10.0.0.0/8 minus 10.1.0.0/16 should still contain 10.2.0.0/16
	other := Set{IPs: []IPRange{PrefixRange(mustPrefix("10.2.0.0/16"))}}.Canonicalize()
	if !got.Contains(other) {
		t.Fatalf("expected remainder to still contain unrelated sub-range")
	}
}

func TestResolveInherit(t *testing.T) {
	parent := Set{
		IPs:  []IPRange{PrefixRange(mustPrefix("10.0.0.0/8"))},
		ASNs: []ASRange{{Min: 64500, Max: 64510}},
	}.Canonicalize()

	child := Set{InheritIPv4: true, InheritASN: true}
	resolved := child.ResolveInherit(parent)
	if !resolved.Contains(parent) || !parent.Contains(resolved) {
		t.Fatalf("fully-inherited set should equal parent, got %v vs %v", resolved, parent)
	}
}

func TestIsEmptyTrustAnchorCheck(t *testing.T) {
	var empty Set
	if !empty.IsEmpty() {
		t.Fatal("zero value Set should be empty")
	}
	nonEmpty := Set{ASNs: []ASRange{{Min: 1, Max: 1}}}
	if nonEmpty.IsEmpty() {
		t.Fatal("set with an AS range should not be empty")
	}
}
