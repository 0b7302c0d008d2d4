// Package crypto declares the crypto-provider collaborator (spec §1, §6):
// digest computation and X.509 chain verification with an error-override
// callback. This validator never implements a signature algorithm itself
// (spec Non-goals); a default implementation backed by crypto/x509 and
// crypto/sha256 is provided so the walker is runnable without a full RPKI
// ASN.1/RFC-3779-aware crypto stack plugged in.
package crypto

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// HashAlg identifies a digest algorithm. RPKI manifests and ROAs are
// defined over SHA-256 only; the type exists so the Store and Provider
// interfaces stay extensible.
type HashAlg uint8

const (
	SHA256 HashAlg = iota
)

// Provider is the crypto collaborator: digest computation and chain
// verification, with a hook to whitelist specific X.509 verification
// error codes the way RPKI's critical extensions require (spec §9).
type Provider interface {
	Digest(alg HashAlg, data []byte) ([]byte, error)

	// VerifyChain verifies cert against roots and intermediates.
	// allowCriticalExt is consulted for any critical extension the
	// underlying verifier does not recognize; returning true for an OID
	// makes that extension's unhandled-critical-extension error
	// non-fatal, exactly as the RPKI-aware verify callback in the
	// original implementation does for UNHANDLED_CRITICAL_EXTENSION
	// (spec §4.3, §9).
	VerifyChain(roots, intermediates *x509.CertPool, cert *x509.Certificate, allowCriticalExt func(oid asn1.ObjectIdentifier) bool) error
}

// StdProvider is the default Provider, backed by the Go standard library.
// It treats any critical extension accepted by allowCriticalExt as if the
// stdlib verifier had understood it, by stripping it from a working copy
// of the certificate before calling x509.Certificate.Verify -- stdlib's
// UnhandledCriticalExtension error carries no OID, so the extension list
// itself is consulted directly rather than parsing the error.
type StdProvider struct{}

func (StdProvider) Digest(alg HashAlg, data []byte) ([]byte, error) {
	switch alg {
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("crypto: unsupported digest algorithm %d", alg)
	}
}

func (StdProvider) VerifyChain(roots, intermediates *x509.CertPool, cert *x509.Certificate, allowCriticalExt func(oid asn1.ObjectIdentifier) bool) error {
	work := *cert
	var kept []asn1.ObjectIdentifier
	for _, oid := range cert.UnhandledCriticalExtensions {
		if allowCriticalExt == nil || !allowCriticalExt(oid) {
			kept = append(kept, oid)
		}
	}
	work.UnhandledCriticalExtensions = kept

	if intermediates == nil {
		intermediates = x509.NewCertPool()
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	_, err := work.Verify(opts)
	return err
}
