package server

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkilab/relyd/internal/rpki/vrp"
	"github.com/rpkilab/relyd/internal/rtr/db"
	"github.com/rpkilab/relyd/internal/rtr/notify"
	"github.com/rpkilab/relyd/internal/rtr/pdu"
)

func v(asn uint32, prefix string, maxLen uint8) vrp.VRP {
	return vrp.VRP{ASN: asn, Prefix: netip.MustParsePrefix(prefix), MaxLength: maxLen}
}

// pipeConn wraps one half of net.Pipe with address stubs, since net.Pipe's
// endpoints return nil from {Local,Remote}Addr and newClient logs the
// remote address eagerly.
type pipeConn struct {
	net.Conn
}

func (pipeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433} }

func startTestClient(t *testing.T, d *db.DB) net.Conn {
	t.Helper()
	return startTestClientWithNotifier(t, d, nil)
}

func startTestClientWithNotifier(t *testing.T, d *db.DB, n *notify.Notifier) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	c := newClient(1, pipeConn{server}, nil, nil, zerolog.Nop())
	if n != nil {
		n.Register(c)
		t.Cleanup(func() { n.Unregister(c) })
	}
	go c.serve(0, d)
	t.Cleanup(func() { client.Close() })
	return client
}

func readPDU(t *testing.T, conn net.Conn) pdu.PDU {
	t.Helper()
	p, _, err := pdu.ReadPDU(conn)
	require.NoError(t, err)
	return p
}

func TestResetQueryFullDump(t *testing.T) {
	d := db.New(7, 10, nil)
	_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(64500, "10.0.0.0/24", 24)}})
	require.NoError(t, err)

	conn := startTestClient(t, d)
	_, err = conn.Write(pdu.ResetQueryPDU{}.Encode(1, nil))
	require.NoError(t, err)

	resp := readPDU(t, conn)
	cr, ok := resp.(pdu.CacheResponsePDU)
	require.True(t, ok)
	require.Equal(t, uint16(7), cr.SessionID)

	prefix := readPDU(t, conn)
	ip4, ok := prefix.(pdu.IPv4PrefixPDU)
	require.True(t, ok)
	require.Equal(t, uint32(64500), ip4.ASN)
	require.Equal(t, uint8(1), ip4.Flags)

	eod := readPDU(t, conn)
	eodPDU, ok := eod.(pdu.EndOfDataPDU)
	require.True(t, ok)
	require.Equal(t, uint16(7), eodPDU.SessionID)
	require.Equal(t, uint32(1), eodPDU.Serial)
}

func TestSerialQueryMergesConsecutiveDeltas(t *testing.T) {
	d := db.New(7, 10, nil)
	_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(1, "10.0.0.0/24", 24)}})
	require.NoError(t, err)
	_, err = d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(1, "10.0.0.0/24", 24), v(2, "10.0.1.0/24", 24)}})
	require.NoError(t, err)
	_, err = d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(2, "10.0.1.0/24", 24), v(3, "10.0.2.0/24", 24)}})
	require.NoError(t, err)
	require.Equal(t, uint32(3), d.CurrentSerial())

	conn := startTestClient(t, d)
	_, err = conn.Write(pdu.SerialQueryPDU{SessionID: 7, Serial: 1}.Encode(1, nil))
	require.NoError(t, err)

	resp := readPDU(t, conn)
	_, ok := resp.(pdu.CacheResponsePDU)
	require.True(t, ok)

	var adds, removes int
	var eod pdu.EndOfDataPDU
	for {
		p := readPDU(t, conn)
		switch pv := p.(type) {
		case pdu.IPv4PrefixPDU:
			if pv.Flags == 1 {
				adds++
			} else {
				removes++
			}
		case pdu.EndOfDataPDU:
			eod = pv
			goto done
		}
	}
done:
	require.Equal(t, 2, adds)    // AS2 (serial 2) and AS3 (serial 3) prefixes added
	require.Equal(t, 1, removes) // AS1 prefix removed (serial 3)
	require.Equal(t, uint32(3), eod.Serial)
}

func TestSerialQueryOnEvictedHistoryResetsCache(t *testing.T) {
	d := db.New(7, 2, nil) // retention window of 2
	for i := 0; i < 5; i++ {
		_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(uint32(i), "10.0.0.0/24", 24)}})
		require.NoError(t, err)
	}
	require.Equal(t, uint32(5), d.CurrentSerial())

	conn := startTestClient(t, d)
	_, err := conn.Write(pdu.SerialQueryPDU{SessionID: 7, Serial: 1}.Encode(1, nil))
	require.NoError(t, err)

	resp := readPDU(t, conn)
	_, ok := resp.(pdu.CacheResetPDU)
	require.True(t, ok, "expected Cache Reset for a serial older than the retention window")
}

func TestSerialQuerySessionMismatchResetsCache(t *testing.T) {
	d := db.New(7, 10, nil)
	_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(1, "10.0.0.0/24", 24)}})
	require.NoError(t, err)

	conn := startTestClient(t, d)
	_, err = conn.Write(pdu.SerialQueryPDU{SessionID: 99, Serial: 0}.Encode(1, nil))
	require.NoError(t, err)

	resp := readPDU(t, conn)
	_, ok := resp.(pdu.CacheResetPDU)
	require.True(t, ok)
}

func TestResetQueryRejectsUnsupportedFirstVersion(t *testing.T) {
	d := db.New(7, 10, nil)
	_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(64500, "10.0.0.0/24", 24)}})
	require.NoError(t, err)

	conn := startTestClient(t, d)
	_, err = conn.Write(pdu.ResetQueryPDU{}.Encode(5, nil))
	require.NoError(t, err)

	resp := readPDU(t, conn)
	errPDU, ok := resp.(pdu.ErrorReportPDU)
	require.True(t, ok, "expected an Error Report for an unsupported opening protocol version")
	require.Equal(t, pdu.ErrUnsupportedProtoVer, errPDU.Code)
}

func TestResetQueryWithholdsRouterKeysFromV0Client(t *testing.T) {
	d := db.New(7, 10, nil)
	_, err := d.Commit(db.Snapshot{
		VRPs:       []vrp.VRP{v(64500, "10.0.0.0/24", 24)},
		RouterKeys: []vrp.RouterKey{{ASN: 64500, SKI: [20]byte{1}, SPKI: []byte{2, 3, 4}}},
	})
	require.NoError(t, err)

	conn := startTestClient(t, d)
	_, err = conn.Write(pdu.ResetQueryPDU{}.Encode(0, nil))
	require.NoError(t, err)

	readPDU(t, conn) // CacheResponse

	// Only the VRP should follow; the Router Key PDU (v1-only) must be
	// withheld from a client that opened at version 0.
	prefix := readPDU(t, conn)
	_, ok := prefix.(pdu.IPv4PrefixPDU)
	require.True(t, ok)

	eod := readPDU(t, conn)
	_, ok = eod.(pdu.EndOfDataPDU)
	require.True(t, ok, "expected End Of Data directly after the VRP, with no Router Key PDU in between")
}

func TestNotifierWakesIdleClient(t *testing.T) {
	n := notify.New(zerolog.Nop())
	d := db.New(7, 10, n)
	_, err := d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(1, "10.0.0.0/24", 24)}})
	require.NoError(t, err)

	conn := startTestClientWithNotifier(t, d, n)
	// Bring the client to IDLE via a Reset Query exchange first.
	_, err = conn.Write(pdu.ResetQueryPDU{}.Encode(1, nil))
	require.NoError(t, err)
	readPDU(t, conn) // CacheResponse
	readPDU(t, conn) // the one VRP
	readPDU(t, conn) // EndOfData

	// A second commit should push a Serial Notify without the client
	// asking again. Commit runs in its own goroutine because Notify's
	// write blocks on net.Pipe's unbuffered channel until this test
	// goroutine reads it below.
	go func() {
		d.Commit(db.Snapshot{VRPs: []vrp.VRP{v(1, "10.0.0.0/24", 24), v(2, "10.0.1.0/24", 24)}})
	}()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	wake := readPDU(t, conn)
	sn, ok := wake.(pdu.SerialNotifyPDU)
	require.True(t, ok)
	require.Equal(t, uint32(2), sn.Serial)
}
