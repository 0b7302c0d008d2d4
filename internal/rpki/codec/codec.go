// Package codec declares the interface this validator consumes from an
// external ASN.1 DER decoder (spec §1, §6): OCTET
// STRING/BIT STRING/OBJECT IDENTIFIER primitives, RFC 3779 extension
// structures, and the typed RPKI signed objects (manifest, ROA,
// certificate, CRL). This package defines only the shapes; decoding is an
// external collaborator, deliberately out of scope for this validator's
// core (spec §1).
package codec

import (
	"crypto/x509"
	"math/big"
	"net/netip"
	"time"
)

// IPAddressFamily is one address family's entries from an IPAddrBlocks
// RFC 3779 extension: either the distinguished "inherit" marker, or an
// explicit list of address prefixes/ranges.
type IPAddressFamily struct {
	AFI     uint16 // 1 = IPv4, 2 = IPv6 (RFC 3779 §2.2.3.1 afi)
	Inherit bool
	Ranges  []IPAddressOrRange
}

// IPAddressOrRange is either a prefix (Prefix valid) or an explicit
// [Min, Max] address range (Min/Max valid), matching the ASN.1
// IPAddressOrRange CHOICE.
type IPAddressOrRange struct {
	Prefix   netip.Prefix
	IsPrefix bool
	Min      netip.Addr
	Max      netip.Addr
}

// IPAddrBlocks is the decoded id-pe-ipAddrBlocks extension: zero or more
// per-family entries.
type IPAddrBlocks struct {
	Families []IPAddressFamily
}

// ASIdentifierChoice is one ASIdentifiers.{asnum,rdi} choice: either
// inherit, or a list of AS number ranges.
type ASIdentifierChoice struct {
	Inherit bool
	Ranges  []ASIdOrRange
}

// ASIdOrRange is either a single ASN (Min==Max) or an explicit range.
type ASIdOrRange struct {
	Min uint32
	Max uint32
}

// ASIdentifiers is the decoded id-pe-autonomousSysIds extension.
type ASIdentifiers struct {
	ASNum ASIdentifierChoice
}

// Certificate is a decoded RPKI certificate (CA, EE, TA, or BGPsec router
// cert), exposing only the fields the walker and resources packages need.
type Certificate struct {
	Raw          []byte
	X509         *x509.Certificate // stdlib-parsed form, used for chain verification
	SubjectKeyID [20]byte
	SubjectPKI   []byte // DER SubjectPublicKeyInfo
	NotBefore    time.Time
	NotAfter     time.Time

	IPAddrBlocks  *IPAddrBlocks  // nil means extension absent
	ASIdentifiers *ASIdentifiers // nil means extension absent

	// SIA access descriptions relevant to manifest/repository discovery.
	SIARepository string // id-ad-caRepository, rsync/https publication point
	SIAManifest   string // id-ad-rpkiManifest
	SIANotify     string // id-ad-rpkiNotify (RRDP), informational only here

	AIA string // id-ad-caIssuers, informational

	IsCA     bool
	CritExts []string // OIDs (dotted string) of critical extensions present
}

// ManifestEntry is one (filename, hash) pair from a manifest's fileList.
type ManifestEntry struct {
	Filename string
	Hash     []byte // SHA-256 digest
}

// Manifest is a decoded RPKI manifest (RFC 6486), paired with its signing
// EE certificate.
type Manifest struct {
	EECert     *Certificate
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []ManifestEntry
}

// ROAPrefix is one (prefix, maxLength?) entry from a ROA's
// RouteOriginAttestation.
type ROAPrefix struct {
	Prefix    netip.Prefix
	MaxLength uint8
	HasMaxLen bool
}

// ROA is a decoded Route Origin Attestation, paired with its signing EE
// certificate.
type ROA struct {
	EECert  *Certificate
	ASID    uint32
	Prefixes []ROAPrefix
}

// CRL is a decoded Certificate Revocation List.
type CRL struct {
	Issuer  []byte // normalized issuer name, used for matching against CAs
	Revoked map[string]*big.Int // serial (string form) -> serial, for membership checks
}

// Revokes reports whether serial appears on the CRL.
func (c *CRL) Revokes(serial *big.Int) bool {
	if c == nil || serial == nil {
		return false
	}
	_, ok := c.Revoked[serial.String()]
	return ok
}

// Decoder is the ASN.1 DER decoder collaborator (spec §6): it turns raw
// bytes fetched from the object store into the typed structures above.
// A real implementation wraps a DER parser; this validator's core never
// implements ASN.1 grammar itself (spec Non-goals).
type Decoder interface {
	DecodeCertificate(der []byte) (*Certificate, error)
	DecodeManifest(der []byte) (*Manifest, error)
	DecodeROA(der []byte) (*ROA, error)
	DecodeCRL(der []byte) (*CRL, error)
	DecodeGhostbusters(der []byte) error // parse-only, no effect on output
}
