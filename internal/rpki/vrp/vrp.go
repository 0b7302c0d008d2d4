// Package vrp defines the Validated ROA Payload and router-key value types
// produced by the tree walker and carried through the SLURM overlay into
// the RTR database.
package vrp

import (
	"fmt"
	"net/netip"
)

// VRP is a Validated ROA Payload: an AS number permitted to originate a
// prefix up to a maximum length.
type VRP struct {
	ASN       uint32
	Prefix    netip.Prefix // always masked/normalized to CIDR
	MaxLength uint8
}

// Key identifies a VRP for deduplication and set membership, independent
// of which ROA produced it.
func (v VRP) Key() Key {
	return Key{ASN: v.ASN, Prefix: v.Prefix, MaxLength: v.MaxLength}
}

func (v VRP) String() string {
	return fmt.Sprintf("AS%d %s-%d", v.ASN, v.Prefix, v.MaxLength)
}

// Key is the comparable identity of a VRP, suitable as a map key.
type Key struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength uint8
}

// RouterKey is a BGPsec router key: an AS number authorized to sign
// updates with the given SKI/SPKI pair.
type RouterKey struct {
	ASN  uint32
	SKI  [20]byte
	SPKI []byte // DER SubjectPublicKeyInfo
}

func (r RouterKey) Key() RouterKeyKey {
	return RouterKeyKey{ASN: r.ASN, SKI: r.SKI}
}

func (r RouterKey) String() string {
	return fmt.Sprintf("AS%d ski=%x", r.ASN, r.SKI)
}

// RouterKeyKey is the comparable identity of a RouterKey.
type RouterKeyKey struct {
	ASN uint32
	SKI [20]byte
}
