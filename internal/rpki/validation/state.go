// Package validation implements the per-validation-cycle state (spec §4.3):
// trust anchor, X.509 trust store, the chain of certificates currently
// being validated, and a public-key-check status. Unlike the source this
// project was distilled from, State is never bound to a goroutine-local
// slot (spec §9 Design Notes explicitly calls that out as an
// implementation detail to avoid); it is passed explicitly as the first
// parameter of every walker function.
package validation

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/rpkilab/relyd/internal/rpki/codec"
	"github.com/rpkilab/relyd/internal/rpki/resources"
	"github.com/rpkilab/relyd/internal/rpki/tal"
)

// ErrStackNotEmpty is returned by Destroy when certificates remain pushed
// at cycle teardown -- a bug (a missing PopCert), per spec §4.3/§9.
var ErrStackNotEmpty = errors.New("validation: certificate stack not empty at destroy")

// PubkeyState records whether a trust anchor's embedded public key has
// been checked against its TAL, and with what result.
type PubkeyState uint8

const (
	Untested PubkeyState = iota
	Valid
	Invalid
)

func (p PubkeyState) String() string {
	switch p {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "untested"
	}
}

// ChainEntry is one certificate pushed onto the validation chain, paired
// with its resolved resource set. Kept as a single fused stack per spec §9
// Design Notes ("Parallel stacks... reimplementations should fuse them").
type ChainEntry struct {
	Cert      *codec.Certificate
	Resources resources.Set
}

// State is the per-cycle validation context (spec §3 "Validation context").
type State struct {
	TAL        *tal.TAL
	TrustStore *x509.CertPool // roots: the TA certificate only

	// Intermediates accumulates the X.509 form of every CA certificate
	// currently on Chain, so a descendant's signature can be verified
	// against the whole path back to the root in one call.
	Intermediates *x509.CertPool

	Chain []ChainEntry

	PubkeyState PubkeyState
}

// Prepare allocates a new validation state for a cycle rooted at t.
func Prepare(t *tal.TAL) (*State, error) {
	return &State{
		TAL:           t,
		TrustStore:    x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
	}, nil
}

// PushCert pushes cert together with res, its resource set as already
// resolved by the caller against the current top of the chain. If isTA
// and res is empty, PushCert fails and nothing is pushed (spec §4.1: "an
// empty extension on a Trust Anchor is fatal").
func (s *State) PushCert(cert *codec.Certificate, res resources.Set, isTA bool) error {
	if isTA && res.IsEmpty() {
		return resources.ErrEmptyTrustAnchor
	}
	s.Chain = append(s.Chain, ChainEntry{Cert: cert, Resources: res})
	if !isTA && cert.X509 != nil {
		s.Intermediates.AddCert(cert.X509)
	}
	return nil
}

// PopCert pops the top of the chain. Popping an empty chain is an
// invariant violation and panics, mirroring the source's pr_crit
// ("crashes the cycle") for a missing-push bug (spec §4.3).
//
// Intermediates is append-only: x509.CertPool has no remove operation, so
// a popped CA's certificate stays usable as an intermediate for the rest
// of the cycle. This only widens, never narrows, what a later signature
// check accepts, and every chain actually walked is re-verified from its
// own root on each call regardless.
func (s *State) PopCert() {
	if len(s.Chain) == 0 {
		panic("validation: PopCert called on an empty chain")
	}
	s.Chain = s.Chain[:len(s.Chain)-1]
}

// PeekCert returns the top-of-stack certificate, or nil if the chain is
// empty.
func (s *State) PeekCert() *codec.Certificate {
	if len(s.Chain) == 0 {
		return nil
	}
	return s.Chain[len(s.Chain)-1].Cert
}

// PeekResources returns the top-of-stack resolved resource set.
func (s *State) PeekResources() resources.Set {
	if len(s.Chain) == 0 {
		return resources.Empty()
	}
	return s.Chain[len(s.Chain)-1].Resources
}

// Destroy tears down the state. It is an error -- not a panic -- for the
// chain to be non-empty: this surfaces a missing PopCert to the cycle
// runner as a loud, logged failure rather than only a debug assertion,
// since the chain being non-empty here means some earlier containment
// check (spec invariant 1) may have run against the wrong parent.
func (s *State) Destroy() error {
	if len(s.Chain) != 0 {
		return fmt.Errorf("%w: %d certificate(s) remain", ErrStackNotEmpty, len(s.Chain))
	}
	return nil
}
