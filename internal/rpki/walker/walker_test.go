package walker

import (
	"context"
	"crypto/sha256"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkilab/relyd/internal/rpki/codec"
	rpkicrypto "github.com/rpkilab/relyd/internal/rpki/crypto"
	"github.com/rpkilab/relyd/internal/rpki/store"
	"github.com/rpkilab/relyd/internal/rpki/tal"
	"github.com/rpkilab/relyd/internal/rpki/validation"
)

// fakeDecoder maps raw object bytes (as written to the fixture store) to
// pre-built codec structures, so tests exercise the walker's control flow
// without a real ASN.1 parser.
type fakeDecoder struct {
	certs     map[string]*codec.Certificate
	manifests map[string]*codec.Manifest
	roas      map[string]*codec.ROA
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		certs:     make(map[string]*codec.Certificate),
		manifests: make(map[string]*codec.Manifest),
		roas:      make(map[string]*codec.ROA),
	}
}

func (d *fakeDecoder) DecodeCertificate(der []byte) (*codec.Certificate, error) {
	c, ok := d.certs[string(der)]
	if !ok {
		return nil, errNotRegistered("certificate")
	}
	return c, nil
}

func (d *fakeDecoder) DecodeManifest(der []byte) (*codec.Manifest, error) {
	m, ok := d.manifests[string(der)]
	if !ok {
		return nil, errNotRegistered("manifest")
	}
	return m, nil
}

func (d *fakeDecoder) DecodeROA(der []byte) (*codec.ROA, error) {
	r, ok := d.roas[string(der)]
	if !ok {
		return nil, errNotRegistered("ROA")
	}
	return r, nil
}

func (d *fakeDecoder) DecodeCRL(der []byte) (*codec.CRL, error) {
	return &codec.CRL{}, nil
}

func (d *fakeDecoder) DecodeGhostbusters(der []byte) error { return nil }

type notRegisteredError string

func (e notRegisteredError) Error() string { return "fakeDecoder: unregistered " + string(e) }
func errNotRegistered(kind string) error   { return notRegisteredError(kind) }

// fixture bundles a temp-dir-backed Store with the fake decoder so tests can
// write an object at a URI and register its decoded form in one call.
type fixture struct {
	t       *testing.T
	dir     string
	store   *store.Store
	decoder *fakeDecoder
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	return &fixture{
		t:       t,
		dir:     dir,
		store:   store.New(dir, rpkicrypto.StdProvider{}),
		decoder: newFakeDecoder(),
	}
}

func (f *fixture) writeCert(uri string, content string, cert *codec.Certificate) {
	f.write(uri, content)
	f.decoder.certs[content] = cert
}

func (f *fixture) writeManifest(uri string, content string, m *codec.Manifest) {
	f.write(uri, content)
	f.decoder.manifests[content] = m
}

func (f *fixture) writeROA(uri string, content string, r *codec.ROA) {
	f.write(uri, content)
	f.decoder.roas[content] = r
}

func (f *fixture) hash(content string) []byte {
	sum := sha256.Sum256([]byte(content))
	return sum[:]
}

func (f *fixture) write(uri, content string) {
	path, err := f.store.URIToPath(uri)
	require.NoError(f.t, err)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) walker() *Walker {
	return &Walker{
		Store:   f.store,
		Decoder: f.decoder,
		Crypto:  rpkicrypto.StdProvider{},
		Log:     zerolog.Nop(),
	}
}

func inheritAll() (*codec.IPAddrBlocks, *codec.ASIdentifiers) {
	return &codec.IPAddrBlocks{
			Families: []codec.IPAddressFamily{{AFI: 1, Inherit: true}, {AFI: 2, Inherit: true}},
		}, &codec.ASIdentifiers{
			ASNum: codec.ASIdentifierChoice{Inherit: true},
		}
}

func explicitResources(prefix netip.Prefix, asn uint32) (*codec.IPAddrBlocks, *codec.ASIdentifiers) {
	return &codec.IPAddrBlocks{
			Families: []codec.IPAddressFamily{
				{AFI: 1, Ranges: []codec.IPAddressOrRange{{Prefix: prefix, IsPrefix: true}}},
			},
		}, &codec.ASIdentifiers{
			ASNum: codec.ASIdentifierChoice{
				Ranges: []codec.ASIdOrRange{{Min: asn, Max: asn}},
			},
		}
}

func TestValidateTAL_HappyPath(t *testing.T) {
	f := newFixture(t)

	taSPKI := []byte("ta-spki")
	taPrefix := netip.MustParsePrefix("10.0.0.0/8")
	taIPs, taASNs := explicitResources(taPrefix, 64496)

	f.writeCert("rsync://rpki.example/ta.cer", "TA-CERT", &codec.Certificate{
		SubjectPKI:    taSPKI,
		IPAddrBlocks:  taIPs,
		ASIdentifiers: taASNs,
		IsCA:          true,
		SIAManifest:   "rsync://rpki.example/ta/ta.mft",
		SIARepository: "rsync://rpki.example/ta",
	})

	caIPs, caASNs := explicitResources(netip.MustParsePrefix("10.0.0.0/16"), 64496)
	f.writeCert("rsync://rpki.example/ta/ca.cer", "CA-CERT", &codec.Certificate{
		IPAddrBlocks:  caIPs,
		ASIdentifiers: caASNs,
		IsCA:          true,
		SIAManifest:   "rsync://rpki.example/ca/ca.mft",
		SIARepository: "rsync://rpki.example/ca",
	})

	eeIPs, eeASNs := inheritAll()
	roaEE := &codec.Certificate{IPAddrBlocks: eeIPs, ASIdentifiers: eeASNs}
	f.writeROA("rsync://rpki.example/ca/route.roa", "ROA-1", &codec.ROA{
		EECert: roaEE,
		ASID:   64496,
		Prefixes: []codec.ROAPrefix{
			{Prefix: netip.MustParsePrefix("10.0.1.0/24"), HasMaxLen: true, MaxLength: 24},
		},
	})

	f.writeManifest("rsync://rpki.example/ta/ta.mft", "TA-MFT", &codec.Manifest{
		Entries: []codec.ManifestEntry{
			{Filename: "ca.cer", Hash: f.hash("CA-CERT")},
		},
	})
	f.writeManifest("rsync://rpki.example/ca/ca.mft", "CA-MFT", &codec.Manifest{
		Entries: []codec.ManifestEntry{
			{Filename: "route.roa", Hash: f.hash("ROA-1")},
		},
	})

	ta := &tal.TAL{Name: "test", URIs: []string{"rsync://rpki.example/ta.cer"}, SPKI: taSPKI}

	res, err := f.walker().ValidateTAL(context.Background(), ta)
	require.NoError(t, err)
	require.Equal(t, validation.Valid, res.PubkeyState)
	require.Len(t, res.VRPs, 1)
	require.Equal(t, uint32(64496), res.VRPs[0].ASN)
	require.Equal(t, "10.0.1.0/24", res.VRPs[0].Prefix.String())
	require.Equal(t, uint8(24), res.VRPs[0].MaxLength)
}

func TestValidateTAL_WrongPublicKeyAbortsTA(t *testing.T) {
	f := newFixture(t)

	taIPs, taASNs := explicitResources(netip.MustParsePrefix("10.0.0.0/8"), 64496)
	f.writeCert("rsync://rpki.example/ta.cer", "TA-CERT", &codec.Certificate{
		SubjectPKI:    []byte("actual-spki"),
		IPAddrBlocks:  taIPs,
		ASIdentifiers: taASNs,
		IsCA:          true,
	})

	ta := &tal.TAL{Name: "test", URIs: []string{"rsync://rpki.example/ta.cer"}, SPKI: []byte("expected-spki")}

	res, err := f.walker().ValidateTAL(context.Background(), ta)
	require.NoError(t, err)
	require.Equal(t, validation.Invalid, res.PubkeyState)
	require.Empty(t, res.VRPs)
}

func TestValidateTAL_OverclaimingChildSkippedSiblingSurvives(t *testing.T) {
	f := newFixture(t)

	taSPKI := []byte("ta-spki")
	taIPs, taASNs := explicitResources(netip.MustParsePrefix("10.0.0.0/8"), 64496)
	f.writeCert("rsync://rpki.example/ta.cer", "TA-CERT", &codec.Certificate{
		SubjectPKI:    taSPKI,
		IPAddrBlocks:  taIPs,
		ASIdentifiers: taASNs,
		IsCA:          true,
		SIAManifest:   "rsync://rpki.example/ta/ta.mft",
		SIARepository: "rsync://rpki.example/ta",
	})

	// CA1 over-claims a prefix the TA never delegated: must be rejected,
	// without aborting the TA or CA2's subtree.
	badIPs, badASNs := explicitResources(netip.MustParsePrefix("192.0.2.0/24"), 64496)
	f.writeCert("rsync://rpki.example/ta/ca1.cer", "CA1-CERT", &codec.Certificate{
		IPAddrBlocks:  badIPs,
		ASIdentifiers: badASNs,
		IsCA:          true,
		SIAManifest:   "rsync://rpki.example/ca1/ca1.mft",
		SIARepository: "rsync://rpki.example/ca1",
	})

	goodIPs, goodASNs := explicitResources(netip.MustParsePrefix("10.0.0.0/16"), 64496)
	f.writeCert("rsync://rpki.example/ta/ca2.cer", "CA2-CERT", &codec.Certificate{
		IPAddrBlocks:  goodIPs,
		ASIdentifiers: goodASNs,
		IsCA:          true,
		SIAManifest:   "rsync://rpki.example/ca2/ca2.mft",
		SIARepository: "rsync://rpki.example/ca2",
	})

	eeIPs, eeASNs := inheritAll()
	roaEE := &codec.Certificate{IPAddrBlocks: eeIPs, ASIdentifiers: eeASNs}
	f.writeROA("rsync://rpki.example/ca2/route.roa", "ROA-2", &codec.ROA{
		EECert: roaEE,
		ASID:   64496,
		Prefixes: []codec.ROAPrefix{
			{Prefix: netip.MustParsePrefix("10.0.1.0/24"), HasMaxLen: true, MaxLength: 24},
		},
	})

	f.writeManifest("rsync://rpki.example/ta/ta.mft", "TA-MFT", &codec.Manifest{
		Entries: []codec.ManifestEntry{
			{Filename: "ca1.cer", Hash: f.hash("CA1-CERT")},
			{Filename: "ca2.cer", Hash: f.hash("CA2-CERT")},
		},
	})
	f.writeManifest("rsync://rpki.example/ca2/ca2.mft", "CA2-MFT", &codec.Manifest{
		Entries: []codec.ManifestEntry{
			{Filename: "route.roa", Hash: f.hash("ROA-2")},
		},
	})

	ta := &tal.TAL{Name: "test", URIs: []string{"rsync://rpki.example/ta.cer"}, SPKI: taSPKI}

	res, err := f.walker().ValidateTAL(context.Background(), ta)
	require.NoError(t, err)
	require.Len(t, res.VRPs, 1)
	require.Equal(t, "10.0.1.0/24", res.VRPs[0].Prefix.String())
}
