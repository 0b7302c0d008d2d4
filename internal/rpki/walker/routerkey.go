package walker

import (
	"github.com/rpkilab/relyd/internal/rpki/codec"
	"github.com/rpkilab/relyd/internal/rpki/resources"
	"github.com/rpkilab/relyd/internal/rpki/validation"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
)

// processRouterCert implements spec §4.4.2: verify a BGPsec router
// certificate and emit one RouterKey per AS number it attests to speak
// for, keyed on that certificate's subject public key.
func (w *Walker) processRouterCert(state *validation.State, acc *accumulator, cert *codec.Certificate, uri string) error {
	if cert.IsCA {
		return malformed("%s: router certificate must be an end-entity certificate", uri)
	}

	if cert.X509 != nil {
		if err := w.Crypto.VerifyChain(state.TrustStore, state.Intermediates, cert.X509, allowCriticalExt); err != nil {
			return malformed("%s: router certificate signature: %w", uri, err)
		}
	}

	caRes := state.PeekResources()
	eeRes := resources.FromCertificate(cert).ResolveInherit(caRes)
	if !caRes.Contains(eeRes) {
		return policyViolation("%s: router certificate resources not contained in issuing CA", uri)
	}
	if len(eeRes.IPs) != 0 {
		w.Log.Info().Str("cert", uri).Msg("router certificate carries IP resources, ignoring them")
	}
	if len(eeRes.ASNs) == 0 {
		return malformed("%s: router certificate carries no AS resources", uri)
	}
	if len(cert.SubjectPKI) == 0 {
		return malformed("%s: router certificate carries no subject public key", uri)
	}

	for _, asr := range eeRes.ASNs {
		for asn := asr.Min; ; asn++ {
			acc.addRouterKey(vrp.RouterKey{
				ASN:  asn,
				SKI:  cert.SubjectKeyID,
				SPKI: cert.SubjectPKI,
			})
			if asn == asr.Max {
				break
			}
		}
	}

	return nil
}
