package codec

import "errors"

// errNoCodec is returned by Unimplemented's methods. A real DER decoder
// plugs in here (spec §1/§6 names ASN.1 decoding as an external
// collaborator, explicitly out of this validator's core); Unimplemented
// exists so the rest of the binary links and runs end-to-end against a
// decoder seam before one is wired in.
var errNoCodec = errors.New("codec: no ASN.1 decoder configured")

// Unimplemented is a Decoder that fails every call. It satisfies Decoder so
// main.go has a concrete, zero-value-usable default to construct a Walker
// with; every method documents the collaborator boundary it stands in for.
type Unimplemented struct{}

func (Unimplemented) DecodeCertificate(der []byte) (*Certificate, error) { return nil, errNoCodec }
func (Unimplemented) DecodeManifest(der []byte) (*Manifest, error)       { return nil, errNoCodec }
func (Unimplemented) DecodeROA(der []byte) (*ROA, error)                 { return nil, errNoCodec }
func (Unimplemented) DecodeCRL(der []byte) (*CRL, error)                 { return nil, errNoCodec }
func (Unimplemented) DecodeGhostbusters(der []byte) error                { return errNoCodec }
