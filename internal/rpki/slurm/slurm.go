// Package slurm implements the RFC 8416 local policy overlay (spec §4.5):
// filters that remove validated payloads and assertions that add synthetic
// ones, applied by the commit stage after the tree walker, never inside it.
package slurm

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"iter"
	"net/netip"
	"os"

	"github.com/buger/jsonparser"

	"github.com/rpkilab/relyd/internal/rpki/resources"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
)

// PrefixFilter matches on ASN alone, prefix alone, or both (§4.5).
type PrefixFilter struct {
	HasASN    bool
	ASN       uint32
	HasPrefix bool
	Prefix    netip.Prefix
	Comment   string
}

func (f PrefixFilter) matches(v vrp.VRP) bool {
	if !f.HasASN && !f.HasPrefix {
		return false
	}
	if f.HasASN && f.ASN != v.ASN {
		return false
	}
	if f.HasPrefix {
		if !resources.PrefixRange(f.Prefix).Contains(resources.PrefixRange(v.Prefix)) {
			return false
		}
	}
	return true
}

// BGPsecFilter matches on ASN alone, SKI alone, or both.
type BGPsecFilter struct {
	HasASN  bool
	ASN     uint32
	HasSKI  bool
	SKI     [20]byte
	Comment string
}

func (f BGPsecFilter) matches(rk vrp.RouterKey) bool {
	if !f.HasASN && !f.HasSKI {
		return false
	}
	if f.HasASN && f.ASN != rk.ASN {
		return false
	}
	if f.HasSKI && f.SKI != rk.SKI {
		return false
	}
	return true
}

// PrefixAssertion is a locally-added VRP.
type PrefixAssertion struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength uint8
	Comment   string
}

// BGPsecAssertion is a locally-added router key.
type BGPsecAssertion struct {
	ASN     uint32
	SKI     [20]byte
	SPKI    []byte
	Comment string
}

// Document is a parsed SLURM file.
type Document struct {
	prefixFilters    []PrefixFilter
	bgpsecFilters    []BGPsecFilter
	prefixAssertions []PrefixAssertion
	bgpsecAssertions []BGPsecAssertion
}

// Load reads and parses a SLURM JSON file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("slurm: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("slurm: %s: %w", path, err)
	}
	return d, nil
}

// Parse parses SLURM document contents (RFC 8416 §3.3). jsonparser is used
// for field-level extraction rather than a full struct unmarshal, since a
// SLURM file is read once at startup and every assertion/filter only needs
// a handful of scalar fields out of it.
func Parse(data []byte) (*Document, error) {
	d := &Document{}

	if v, _, _, err := jsonparser.Get(data, "validationOutputFilters", "prefixFilters"); err == nil {
		var parseErr error
		jsonparser.ArrayEach(v, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
			f, perr := parsePrefixFilter(entry)
			if perr != nil {
				parseErr = perr
				return
			}
			d.prefixFilters = append(d.prefixFilters, f)
		})
		if parseErr != nil {
			return nil, fmt.Errorf("prefixFilters: %w", parseErr)
		}
	}

	if v, _, _, err := jsonparser.Get(data, "validationOutputFilters", "bgpsecFilters"); err == nil {
		var parseErr error
		jsonparser.ArrayEach(v, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
			f, perr := parseBGPsecFilter(entry)
			if perr != nil {
				parseErr = perr
				return
			}
			d.bgpsecFilters = append(d.bgpsecFilters, f)
		})
		if parseErr != nil {
			return nil, fmt.Errorf("bgpsecFilters: %w", parseErr)
		}
	}

	if v, _, _, err := jsonparser.Get(data, "locallyAddedAssertions", "prefixAssertions"); err == nil {
		var parseErr error
		jsonparser.ArrayEach(v, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
			a, perr := parsePrefixAssertion(entry)
			if perr != nil {
				parseErr = perr
				return
			}
			d.prefixAssertions = append(d.prefixAssertions, a)
		})
		if parseErr != nil {
			return nil, fmt.Errorf("prefixAssertions: %w", parseErr)
		}
	}

	if v, _, _, err := jsonparser.Get(data, "locallyAddedAssertions", "bgpsecAssertions"); err == nil {
		var parseErr error
		jsonparser.ArrayEach(v, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
			a, perr := parseBGPsecAssertion(entry)
			if perr != nil {
				parseErr = perr
				return
			}
			d.bgpsecAssertions = append(d.bgpsecAssertions, a)
		})
		if parseErr != nil {
			return nil, fmt.Errorf("bgpsecAssertions: %w", parseErr)
		}
	}

	return d, nil
}

func parsePrefixFilter(entry []byte) (PrefixFilter, error) {
	var f PrefixFilter
	if asn, err := jsonparser.GetInt(entry, "asn"); err == nil {
		f.HasASN, f.ASN = true, uint32(asn)
	}
	if s, err := jsonparser.GetString(entry, "prefix"); err == nil {
		p, perr := netip.ParsePrefix(s)
		if perr != nil {
			return f, fmt.Errorf("invalid prefix %q: %w", s, perr)
		}
		f.HasPrefix, f.Prefix = true, p
	}
	f.Comment, _ = jsonparser.GetString(entry, "comment")
	if !f.HasASN && !f.HasPrefix {
		return f, fmt.Errorf("filter has neither asn nor prefix")
	}
	return f, nil
}

func parseBGPsecFilter(entry []byte) (BGPsecFilter, error) {
	var f BGPsecFilter
	if asn, err := jsonparser.GetInt(entry, "asn"); err == nil {
		f.HasASN, f.ASN = true, uint32(asn)
	}
	if s, err := jsonparser.GetString(entry, "SKI"); err == nil {
		ski, serr := decodeSKI(s)
		if serr != nil {
			return f, serr
		}
		f.HasSKI, f.SKI = true, ski
	}
	f.Comment, _ = jsonparser.GetString(entry, "comment")
	if !f.HasASN && !f.HasSKI {
		return f, fmt.Errorf("bgpsec filter has neither asn nor SKI")
	}
	return f, nil
}

func parsePrefixAssertion(entry []byte) (PrefixAssertion, error) {
	var a PrefixAssertion
	asn, err := jsonparser.GetInt(entry, "asn")
	if err != nil {
		return a, fmt.Errorf("assertion missing asn: %w", err)
	}
	a.ASN = uint32(asn)

	s, err := jsonparser.GetString(entry, "prefix")
	if err != nil {
		return a, fmt.Errorf("assertion missing prefix: %w", err)
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return a, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	a.Prefix = p
	a.MaxLength = uint8(p.Bits())

	if ml, err := jsonparser.GetInt(entry, "maxPrefixLength"); err == nil {
		a.MaxLength = uint8(ml)
	}
	a.Comment, _ = jsonparser.GetString(entry, "comment")
	return a, nil
}

func parseBGPsecAssertion(entry []byte) (BGPsecAssertion, error) {
	var a BGPsecAssertion
	asn, err := jsonparser.GetInt(entry, "asn")
	if err != nil {
		return a, fmt.Errorf("bgpsec assertion missing asn: %w", err)
	}
	a.ASN = uint32(asn)

	skiStr, err := jsonparser.GetString(entry, "SKI")
	if err != nil {
		return a, fmt.Errorf("bgpsec assertion missing SKI: %w", err)
	}
	ski, err := decodeSKI(skiStr)
	if err != nil {
		return a, err
	}
	a.SKI = ski

	keyStr, err := jsonparser.GetString(entry, "routerPublicKey")
	if err != nil {
		return a, fmt.Errorf("bgpsec assertion missing routerPublicKey: %w", err)
	}
	spki, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		if spki, err = base64.RawURLEncoding.DecodeString(keyStr); err != nil {
			return a, fmt.Errorf("invalid routerPublicKey: %w", err)
		}
	}
	a.SPKI = spki

	a.Comment, _ = jsonparser.GetString(entry, "comment")
	return a, nil
}

// decodeSKI decodes a SLURM SKI field, which in the wild appears both as
// base64url (RFC 8416's own examples) and as hex.
func decodeSKI(s string) ([20]byte, error) {
	var out [20]byte
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(raw) == 20 {
		copy(out[:], raw)
		return out, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == 20 {
		copy(out[:], raw)
		return out, nil
	}
	return out, fmt.Errorf("SKI %q is not a 20-byte base64url or hex string", s)
}

// IsVRPFiltered reports whether any loaded prefix filter matches v.
func (d *Document) IsVRPFiltered(v vrp.VRP) bool {
	for _, f := range d.prefixFilters {
		if f.matches(v) {
			return true
		}
	}
	return false
}

// IsRouterKeyFiltered reports whether any loaded bgpsec filter matches rk.
func (d *Document) IsRouterKeyFiltered(rk vrp.RouterKey) bool {
	for _, f := range d.bgpsecFilters {
		if f.matches(rk) {
			return true
		}
	}
	return false
}

// PrefixAssertions yields every locally-asserted VRP.
func (d *Document) PrefixAssertions() iter.Seq[vrp.VRP] {
	return func(yield func(vrp.VRP) bool) {
		for _, a := range d.prefixAssertions {
			v := vrp.VRP{ASN: a.ASN, Prefix: a.Prefix, MaxLength: a.MaxLength}
			if !yield(v) {
				return
			}
		}
	}
}

// BGPsecAssertions yields every locally-asserted router key.
func (d *Document) BGPsecAssertions() iter.Seq[vrp.RouterKey] {
	return func(yield func(vrp.RouterKey) bool) {
		for _, a := range d.bgpsecAssertions {
			rk := vrp.RouterKey{ASN: a.ASN, SKI: a.SKI, SPKI: a.SPKI}
			if !yield(rk) {
				return
			}
		}
	}
}

// FilterCount returns the total number of loaded filters and assertions,
// for the ambient slurm-activity gauge.
func (d *Document) FilterCount() int {
	if d == nil {
		return 0
	}
	return len(d.prefixFilters) + len(d.bgpsecFilters) + len(d.prefixAssertions) + len(d.bgpsecAssertions)
}

// Apply implements the §4.5 commit policy: remove filtered entries, then
// union the assertions; a duplicate key resolves to the asserted entry.
func Apply(d *Document, vrps []vrp.VRP, rkeys []vrp.RouterKey) ([]vrp.VRP, []vrp.RouterKey) {
	if d == nil {
		return vrps, rkeys
	}

	assertedVRPKeys := make(map[vrp.Key]struct{}, len(d.prefixAssertions))
	for _, a := range d.prefixAssertions {
		assertedVRPKeys[vrp.VRP{ASN: a.ASN, Prefix: a.Prefix, MaxLength: a.MaxLength}.Key()] = struct{}{}
	}
	outVRPs := make([]vrp.VRP, 0, len(vrps)+len(d.prefixAssertions))
	for _, v := range vrps {
		if d.IsVRPFiltered(v) {
			continue
		}
		if _, asserted := assertedVRPKeys[v.Key()]; asserted {
			continue // the asserted entry, appended below, wins
		}
		outVRPs = append(outVRPs, v)
	}
	for v := range d.PrefixAssertions() {
		outVRPs = append(outVRPs, v)
	}

	assertedRKKeys := make(map[vrp.RouterKeyKey]struct{}, len(d.bgpsecAssertions))
	for _, a := range d.bgpsecAssertions {
		assertedRKKeys[vrp.RouterKey{ASN: a.ASN, SKI: a.SKI}.Key()] = struct{}{}
	}
	outRKeys := make([]vrp.RouterKey, 0, len(rkeys)+len(d.bgpsecAssertions))
	for _, rk := range rkeys {
		if d.IsRouterKeyFiltered(rk) {
			continue
		}
		if _, asserted := assertedRKKeys[rk.Key()]; asserted {
			continue
		}
		outRKeys = append(outRKeys, rk)
	}
	for rk := range d.BGPsecAssertions() {
		outRKeys = append(outRKeys, rk)
	}

	return outVRPs, outRKeys
}
