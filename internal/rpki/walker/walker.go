// Package walker implements the recursive descent over the RPKI signed
// object tree (spec §4.4): manifests, CRLs, CA certificates, ROAs,
// router-key certificates, and ghostbusters records, producing the set of
// VRPs and router keys reachable from a trust anchor.
package walker

import (
	"bytes"
	"context"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpkilab/relyd/internal/rpki/codec"
	"github.com/rpkilab/relyd/internal/rpki/crypto"
	"github.com/rpkilab/relyd/internal/rpki/resources"
	"github.com/rpkilab/relyd/internal/rpki/store"
	"github.com/rpkilab/relyd/internal/rpki/tal"
	"github.com/rpkilab/relyd/internal/rpki/validation"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
)

// RPKI defines two new critical X.509 extensions a generic verifier can't
// parse; the original validator whitelists UNHANDLED_CRITICAL_EXTENSION
// wholesale (spec §9). Reimplementing the chain check ourselves, we
// instead enumerate exactly these OIDs, per spec §9's recommendation.
var allowedCriticalExtensions = map[string]bool{
	"1.3.6.1.5.5.7.1.7": true, // id-pe-ipAddrBlocks
	"1.3.6.1.5.5.7.1.8": true, // id-pe-autonomousSysIds
}

func allowCriticalExt(oid asn1.ObjectIdentifier) bool {
	return allowedCriticalExtensions[oid.String()]
}

// Policy holds the operator-configurable validation behaviors §4.4/§9
// leave as open questions.
type Policy struct {
	// FailOnExpiredManifest, if true, treats thisUpdate<=now<nextUpdate
	// violations as fatal for the subtree instead of only logging them
	// (spec §4.4 step 4.a, §9 Open Question (a)).
	FailOnExpiredManifest bool
}

// Walker validates RPKI object trees rooted at trust anchors.
type Walker struct {
	Store   *store.Store
	Decoder codec.Decoder
	Crypto  crypto.Provider
	Policy  Policy
	Log     zerolog.Logger
}

// Result is everything a successful ValidateTAL call produced.
type Result struct {
	VRPs        []vrp.VRP
	RouterKeys  []vrp.RouterKey
	PubkeyState validation.PubkeyState
}

// accumulator collects VRPs/router keys in discovery order, keeping only
// the first of any duplicate key (spec §4.4 "Ordering": "keep the first;
// log the duplicate").
type accumulator struct {
	log zerolog.Logger

	vrps     []vrp.VRP
	seenVRP  map[vrp.Key]struct{}
	rkeys    []vrp.RouterKey
	seenRK   map[vrp.RouterKeyKey]struct{}
}

func newAccumulator(log zerolog.Logger) *accumulator {
	return &accumulator{
		log:     log,
		seenVRP: make(map[vrp.Key]struct{}),
		seenRK:  make(map[vrp.RouterKeyKey]struct{}),
	}
}

func (a *accumulator) addVRP(v vrp.VRP) {
	k := v.Key()
	if _, dup := a.seenVRP[k]; dup {
		a.log.Info().Stringer("vrp", v).Msg("duplicate VRP, keeping first occurrence")
		return
	}
	a.seenVRP[k] = struct{}{}
	a.vrps = append(a.vrps, v)
}

func (a *accumulator) addRouterKey(rk vrp.RouterKey) {
	k := rk.Key()
	if _, dup := a.seenRK[k]; dup {
		a.log.Info().Stringer("routerkey", rk).Msg("duplicate router key, keeping first occurrence")
		return
	}
	a.seenRK[k] = struct{}{}
	a.rkeys = append(a.rkeys, rk)
}

// ValidateTAL is the walker's entry point (spec §4.4): it validates the
// trust anchor named by t and recursively descends its tree, returning
// every VRP and router key reachable from it.
//
// A TA-wide fatal condition (public key mismatch, malformed TA) aborts
// only this TA: ValidateTAL returns a zero Result and a nil error, with
// Result.PubkeyState reporting why. A Transient error (I/O failure
// fetching the TA certificate itself) is returned as an error so the
// per-cycle runner can retry this TA next cycle. A Fatal error is
// returned as an error wrapping *Error{Kind: Fatal}.
func (w *Walker) ValidateTAL(ctx context.Context, t *tal.TAL) (Result, error) {
	log := w.Log.With().Str("tal", t.Name).Logger()
	acc := newAccumulator(log)

	state, err := validation.Prepare(t)
	if err != nil {
		return Result{}, &Error{Kind: Fatal, Cause: err}
	}

	der, uri, err := w.fetchFirst(t.URIs)
	if err != nil {
		return Result{}, transient(fmt.Errorf("fetching TA certificate: %w", err))
	}

	cert, err := w.Decoder.DecodeCertificate(der)
	if err != nil {
		log.Warn().Err(err).Str("uri", uri).Msg("malformed TA certificate, aborting TA")
		return Result{PubkeyState: validation.Invalid}, nil
	}

	if !bytes.Equal(cert.SubjectPKI, t.SPKI) {
		log.Warn().Str("uri", uri).Msg("TA public key does not match TAL, aborting TA")
		return Result{PubkeyState: validation.Invalid}, nil
	}
	state.PubkeyState = validation.Valid

	if cert.X509 != nil {
		state.TrustStore.AddCert(cert.X509)
	}

	if err := w.validateCert(ctx, state, acc, cert, uri, true); err != nil {
		var we *Error
		if asError(err, &we) && we.Kind == Fatal {
			return Result{}, err
		}
		if asError(err, &we) && we.Kind == Transient {
			return Result{}, err
		}
		// Malformed/PolicyViolation at the TA cert itself: the TA
		// produced nothing, but that's not fatal to the cycle.
		log.Warn().Err(err).Msg("trust anchor validation failed")
		return Result{PubkeyState: state.PubkeyState}, nil
	}

	if err := state.Destroy(); err != nil {
		return Result{}, &Error{Kind: Fatal, Cause: err}
	}

	return Result{VRPs: acc.vrps, RouterKeys: acc.rkeys, PubkeyState: state.PubkeyState}, nil
}

func (w *Walker) fetchFirst(uris []string) ([]byte, string, error) {
	var lastErr error
	for _, u := range uris {
		data, err := w.Store.ReadAll(u)
		if err == nil {
			return data, u, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// validateCert implements the per-certificate procedure of spec §4.4,
// steps 2-5 (step 1, fetch+decode+TA-pubkey-check, is done by the caller
// for the TA and by the manifest dispatch loop for CA children).
func (w *Walker) validateCert(ctx context.Context, state *validation.State, acc *accumulator, cert *codec.Certificate, uri string, isTA bool) error {
	if err := ctx.Err(); err != nil {
		return transient(err)
	}

	// step 2: verify the certificate's own signature chain.
	if cert.X509 != nil {
		if err := w.Crypto.VerifyChain(state.TrustStore, state.Intermediates, cert.X509, allowCriticalExt); err != nil {
			return malformed("signature verification failed for %s: %w", uri, err)
		}
	}

	// step 3: parse resources, assert containment in the parent (unless TA).
	res := resources.FromCertificate(cert)
	if isTA && res.HasInherit() {
		return malformed("%s: trust anchor certificate may not use the inherit form", uri)
	}
	parent := state.PeekResources()
	if !isTA {
		res = res.ResolveInherit(parent)
		if !parent.Contains(res) {
			return policyViolation("%s: resources not contained in issuer's resource set", uri)
		}
	} else {
		res = res.Canonicalize()
	}

	// step 4: push_cert.
	if err := state.PushCert(cert, res, isTA); err != nil {
		return malformed("%s: %w", uri, err)
	}
	defer state.PopCert()

	return w.walkManifest(ctx, state, acc, cert, uri)
}

// walkManifest implements spec §4.4 step 4's sub-steps a-d.
func (w *Walker) walkManifest(ctx context.Context, state *validation.State, acc *accumulator, caCert *codec.Certificate, caURI string) error {
	if caCert.SIAManifest == "" {
		return malformed("%s: no manifest SIA access description", caURI)
	}

	maniDER, err := w.Store.ReadAll(caCert.SIAManifest)
	if err != nil {
		if isTransientIOErr(err) {
			return transient(err)
		}
		return malformed("%s: fetching manifest: %w", caCert.SIAManifest, err)
	}

	mani, err := w.Decoder.DecodeManifest(maniDER)
	if err != nil {
		return malformed("%s: decoding manifest: %w", caCert.SIAManifest, err)
	}

	// 4.a: verify the manifest EE certificate's signature and containment.
	caRes := state.PeekResources()
	if mani.EECert != nil {
		if mani.EECert.X509 != nil {
			if err := w.Crypto.VerifyChain(state.TrustStore, state.Intermediates, mani.EECert.X509, allowCriticalExt); err != nil {
				return malformed("%s: manifest EE signature: %w", caCert.SIAManifest, err)
			}
		}
		eeRes := resources.FromCertificate(mani.EECert).ResolveInherit(caRes)
		if !caRes.Contains(eeRes) {
			return policyViolation("%s: manifest EE resources not contained in CA", caCert.SIAManifest)
		}
	}

	now := time.Now()
	if now.Before(mani.ThisUpdate) || !now.Before(mani.NextUpdate) {
		if w.Policy.FailOnExpiredManifest {
			return malformed("%s: manifest outside its validity window", caCert.SIAManifest)
		}
		w.Log.Warn().Str("manifest", caCert.SIAManifest).Msg("manifest outside its validity window, continuing per policy")
	}

	// locate and decode the CA's CRL among the manifest entries first, so
	// it is available to the CA-certificate dispatch branch below.
	var crl *codec.CRL
	for _, e := range mani.Entries {
		if !strings.HasSuffix(e.Filename, ".crl") {
			continue
		}
		fileURI := store.Resolve(caCert.SIARepository, e.Filename)
		ok, err := w.Store.HashMatches(fileURI, crypto.SHA256, e.Hash)
		if err != nil || !ok {
			w.Log.Warn().Str("file", fileURI).Err(err).Msg("CA CRL missing or hash mismatch, revocation cannot be checked")
			break
		}
		der, err := w.Store.ReadAll(fileURI)
		if err != nil {
			w.Log.Warn().Str("file", fileURI).Err(err).Msg("failed to read CA CRL")
			break
		}
		crl, err = w.Decoder.DecodeCRL(der)
		if err != nil {
			w.Log.Warn().Str("file", fileURI).Err(err).Msg("failed to decode CA CRL")
			crl = nil
		}
		break
	}

	// 4.b-4.d: walk manifest entries in listed order.
	for _, entry := range mani.Entries {
		if err := ctx.Err(); err != nil {
			return transient(err)
		}
		if strings.HasSuffix(entry.Filename, ".crl") {
			continue // already handled above
		}

		fileURI := store.Resolve(caCert.SIARepository, entry.Filename)
		ok, err := w.Store.HashMatches(fileURI, crypto.SHA256, entry.Hash)
		if err != nil {
			w.Log.Info().Str("file", fileURI).Err(err).Msg("manifested object missing, skipping")
			continue
		}
		if !ok {
			w.Log.Info().Str("file", fileURI).Msg("manifested object hash mismatch, skipping")
			continue
		}

		if err := w.dispatch(ctx, state, acc, caCert, fileURI, entry.Filename, crl); err != nil {
			if isSubtreeError(err) {
				w.Log.Info().Str("file", fileURI).Err(err).Msg("object invalidated, continuing with siblings")
				continue
			}
			return err // Transient or Fatal: propagate
		}
	}

	return nil
}

func (w *Walker) dispatch(ctx context.Context, state *validation.State, acc *accumulator, caCert *codec.Certificate, fileURI, filename string, crl *codec.CRL) error {
	switch {
	case strings.HasSuffix(filename, ".cer"):
		der, err := w.Store.ReadAll(fileURI)
		if err != nil {
			return ioErrorKind(err)
		}
		child, err := w.Decoder.DecodeCertificate(der)
		if err != nil {
			return malformed("%s: decoding certificate: %w", fileURI, err)
		}
		if child.X509 != nil && crl.Revokes(child.X509.SerialNumber) {
			return policyViolation("%s: certificate revoked by CA CRL", fileURI)
		}
		return w.validateCert(ctx, state, acc, child, fileURI, false)

	case strings.HasSuffix(filename, ".roa"):
		der, err := w.Store.ReadAll(fileURI)
		if err != nil {
			return ioErrorKind(err)
		}
		roa, err := w.Decoder.DecodeROA(der)
		if err != nil {
			return malformed("%s: decoding ROA: %w", fileURI, err)
		}
		return w.processROA(state, acc, roa, fileURI)

	case strings.HasSuffix(filename, ".sig"), strings.HasSuffix(filename, ".cert"):
		// BGPsec router certificate naming varies across RPKI publishers;
		// both extensions are used in the wild. Decode as a certificate
		// and always process it as a router certificate.
		der, err := w.Store.ReadAll(fileURI)
		if err != nil {
			return ioErrorKind(err)
		}
		child, err := w.Decoder.DecodeCertificate(der)
		if err != nil {
			return malformed("%s: decoding router certificate: %w", fileURI, err)
		}
		return w.processRouterCert(state, acc, child, fileURI)

	case strings.HasSuffix(filename, ".gbr"):
		der, err := w.Store.ReadAll(fileURI)
		if err != nil {
			return ioErrorKind(err)
		}
		if err := w.Decoder.DecodeGhostbusters(der); err != nil {
			w.Log.Info().Str("file", fileURI).Err(err).Msg("ghostbusters record failed to parse, skipping")
		}
		return nil

	default:
		w.Log.Info().Str("file", fileURI).Msg("unknown object type, skipping")
		return nil
	}
}

func ioErrorKind(err error) *Error {
	if isTransientIOErr(err) {
		return transient(err)
	}
	return malformed("reading object: %w", err)
}

// isTransientIOErr distinguishes a plain I/O failure (Transient, per spec
// §7) from a not-found/corrupt object (Malformed). In this codebase
// store.ErrNotFound is the only sentinel the store promises; anything
// else reading from local disk is treated as Transient since it may clear
// on the next cycle (e.g. a mid-write file, a momentarily unmounted
// mirror).
func isTransientIOErr(err error) bool {
	return !strings.Contains(err.Error(), "not found")
}
