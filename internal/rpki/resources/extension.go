package resources

import "github.com/rpkilab/relyd/internal/rpki/codec"

// ParseIPExtension builds a Set from a decoded id-pe-ipAddrBlocks
// extension. Out-of-order ranges in the input are not an error -- they are
// canonicalized -- but the returned set carries the family's inherit
// marker unresolved if the family itself was declared "inherit".
func ParseIPExtension(ext *codec.IPAddrBlocks) Set {
	var s Set
	if ext == nil {
		return s
	}
	for _, fam := range ext.Families {
		family := FamilyV4
		if fam.AFI == 2 {
			family = FamilyV6
		}
		if fam.Inherit {
			switch family {
			case FamilyV4:
				s.InheritIPv4 = true
			case FamilyV6:
				s.InheritIPv6 = true
			}
			continue
		}
		for _, r := range fam.Ranges {
			if r.IsPrefix {
				s.AddIPRange(PrefixRange(r.Prefix))
			} else {
				s.AddIPRange(IPRange{
					Family: family,
					Start:  addr128FromNetip(r.Min),
					End:    addr128FromNetip(r.Max),
				})
			}
		}
	}
	return s.Canonicalize()
}

// ParseASExtension builds a Set from a decoded id-pe-autonomousSysIds
// extension (the AS number half only; RDI ranges are not used for routing
// authorization and are ignored).
func ParseASExtension(ext *codec.ASIdentifiers) Set {
	var s Set
	if ext == nil {
		return s
	}
	if ext.ASNum.Inherit {
		s.InheritASN = true
		return s
	}
	for _, r := range ext.ASNum.Ranges {
		s.AddASRange(ASRange{Min: r.Min, Max: r.Max})
	}
	return s.Canonicalize()
}

// FromCertificate builds the unresolved resource set carried by a
// decoded certificate's extensions.
func FromCertificate(cert *codec.Certificate) Set {
	ip := ParseIPExtension(cert.IPAddrBlocks)
	as := ParseASExtension(cert.ASIdentifiers)
	return Set{
		IPs:         ip.IPs,
		ASNs:        as.ASNs,
		InheritIPv4: ip.InheritIPv4,
		InheritIPv6: ip.InheritIPv6,
		InheritASN:  as.InheritASN,
	}
}
