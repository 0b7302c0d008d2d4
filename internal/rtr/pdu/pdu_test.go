package pdu

import (
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		ver  uint8
		pdu  PDU
	}{
		{"SerialNotify", 1, SerialNotifyPDU{SessionID: 7, Serial: 42}},
		{"SerialQuery", 1, SerialQueryPDU{SessionID: 7, Serial: 42}},
		{"ResetQuery", 1, ResetQueryPDU{}},
		{"CacheResponse", 1, CacheResponsePDU{SessionID: 7}},
		{"IPv4Prefix", 1, IPv4PrefixPDU{Flags: 1, Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 24, ASN: 64500}},
		{"IPv6Prefix", 1, IPv6PrefixPDU{Flags: 0, Prefix: netip.MustParsePrefix("2001:db8::/32"), MaxLength: 48, ASN: 64500}},
		{"RouterKey", 1, RouterKeyPDU{Flags: 1, SKI: [20]byte{1, 2, 3}, ASN: 64500, SPKI: []byte("fake-spki-bytes")}},
		{"EndOfDataV1", 1, EndOfDataPDU{SessionID: 7, Serial: 42, RefreshInterval: 3600, RetryInterval: 600, ExpireInterval: 7200}},
		{"EndOfDataV0", 0, EndOfDataPDU{SessionID: 7, Serial: 42}},
		{"CacheReset", 1, CacheResetPDU{}},
		{"ErrorReport", 1, ErrorReportPDU{Code: ErrInvalidRequest, PDUCopy: []byte{1, 2, 3}, ErrorText: "bad PDU"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire := c.pdu.Encode(c.ver, nil)
			got, ver, err := Decode(wire)
			require.NoError(t, err)
			require.Equal(t, c.ver, ver)
			require.Equal(t, c.pdu, got)
		})
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	wire := ResetQueryPDU{}.Encode(1, nil)
	wire = append(wire, 0xFF) // trailing garbage not covered by declared length
	_, _, err := Decode(wire)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestReadPDUFromStream(t *testing.T) {
	wire := SerialQueryPDU{SessionID: 3, Serial: 9}.Encode(1, nil)
	wire = append(wire, EndOfDataPDU{SessionID: 3, Serial: 9}.Encode(1, nil)...)

	r := &byteReader{data: wire}
	p1, ver1, err := ReadPDU(r)
	require.NoError(t, err)
	require.Equal(t, uint8(1), ver1)
	require.Equal(t, SerialQueryPDU{SessionID: 3, Serial: 9}, p1)

	p2, _, err := ReadPDU(r)
	require.NoError(t, err)
	require.Equal(t, EndOfDataPDU{SessionID: 3, Serial: 9}, p2)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
