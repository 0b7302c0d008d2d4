package walker

import (
	"github.com/rpkilab/relyd/internal/rpki/codec"
	"github.com/rpkilab/relyd/internal/rpki/resources"
	"github.com/rpkilab/relyd/internal/rpki/validation"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
)

// processROA implements spec §4.4.1: verify the ROA's EE certificate,
// check that every prefix it attests falls within the EE's (and
// therefore the issuing CA's) resource set, and emit one VRP per prefix.
func (w *Walker) processROA(state *validation.State, acc *accumulator, roa *codec.ROA, uri string) error {
	if roa.EECert == nil {
		return malformed("%s: ROA carries no EE certificate", uri)
	}

	if roa.EECert.X509 != nil {
		if err := w.Crypto.VerifyChain(state.TrustStore, state.Intermediates, roa.EECert.X509, allowCriticalExt); err != nil {
			return malformed("%s: ROA EE signature: %w", uri, err)
		}
	}

	caRes := state.PeekResources()
	eeRes := resources.FromCertificate(roa.EECert).ResolveInherit(caRes)
	if !caRes.Contains(eeRes) {
		return policyViolation("%s: ROA EE resources not contained in issuing CA", uri)
	}

	// Every prefix must pass before any VRP is emitted: spec §4.4.1 "must
	// contain every listed prefix; failure invalidates the ROA" (S3: a
	// single out-of-bounds prefix yields zero VRPs for the whole ROA, not
	// a partial set).
	maxLens := make([]uint8, len(roa.Prefixes))
	for i, p := range roa.Prefixes {
		maxLen := uint8(p.Prefix.Bits())
		if p.HasMaxLen {
			maxLen = p.MaxLength
		}
		if maxLen < uint8(p.Prefix.Bits()) || int(maxLen) > p.Prefix.Addr().BitLen() {
			return malformed("%s: prefix %s: maxLength outside [prefixLength, address width]", uri, p.Prefix)
		}

		prefixRange := resources.PrefixRange(p.Prefix)
		var eeRange resources.Set
		eeRange.AddIPRange(prefixRange)
		if !eeRes.Contains(eeRange) {
			return policyViolation("%s: prefix %s not contained in EE resources", uri, p.Prefix)
		}

		maxLens[i] = maxLen
	}

	for i, p := range roa.Prefixes {
		acc.addVRP(vrp.VRP{
			ASN:       roa.ASID,
			Prefix:    p.Prefix,
			MaxLength: maxLens[i],
		})
	}

	return nil
}
