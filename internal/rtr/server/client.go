package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rpkilab/relyd/internal/metrics"
	"github.com/rpkilab/relyd/internal/rpki/vrp"
	"github.com/rpkilab/relyd/internal/rtr/db"
	"github.com/rpkilab/relyd/internal/rtr/pdu"
)

// sessionState is a client's position in the §4.7 state diagram.
type sessionState uint8

const (
	stateInit sessionState = iota
	stateResponding
	stateIdle
)

func (s sessionState) String() string {
	switch s {
	case stateResponding:
		return "RESPONDING"
	case stateIdle:
		return "IDLE"
	default:
		return "INIT"
	}
}

// Client is one accepted RTR connection (spec §4.7): a socket, a
// negotiated protocol version, a session state, and the last serial it
// queried. Only writeMu is shared across goroutines (the notifier's Wake
// calling Notify concurrently with this client's own dispatch loop
// writing a response); everything else belongs to the single goroutine
// serving this connection.
type Client struct {
	id      uint64
	conn    net.Conn
	log     zerolog.Logger
	limiter *rate.Limiter
	metrics *metrics.Set // may be nil

	writeMu    sync.Mutex
	version    uint8 // pinned by the first query PDU
	negotiated bool

	state      sessionState
	lastSerial uint32
}

func newClient(id uint64, conn net.Conn, limiter *rate.Limiter, m *metrics.Set, log zerolog.Logger) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		log:     log.With().Uint64("client", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		limiter: limiter,
		metrics: m,
		state:   stateInit,
	}
}

// ID satisfies notify.Client.
func (c *Client) ID() uint64 { return c.id }

// Notify satisfies notify.Client: best-effort Serial Notify push,
// independent of (and possibly concurrent with) this client's own
// request/response loop.
func (c *Client) Notify(sessionID uint16, serial uint32) error {
	if c.state != stateIdle {
		return nil // mid-response; the client will learn the new serial on its next query
	}
	return c.send(pdu.SerialNotifyPDU{SessionID: sessionID, Serial: serial})
}

func (c *Client) send(p pdu.PDU) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wire := p.Encode(c.negotiatedVersion(), nil)
	_, err := c.conn.Write(wire)
	if err == nil && c.metrics != nil {
		c.metrics.PDUSent()
	}
	return err
}

func (c *Client) negotiatedVersion() uint8 {
	if c.negotiated {
		return c.version
	}
	return 1 // default to the newer protocol until a client PDU pins it down
}

// serve runs the client's full session loop until a read fails (the
// connection closes, is closed by the server on shutdown, or the idle
// timeout expires) or the client breaks the protocol. It implements the
// state diagram of spec §4.7: INIT,
// wait for Reset/Serial Query; RESPONDING, stream Cache Response + data +
// End Of Data; IDLE, wait for the next query (or a notifier wakeup, which
// is delivered out-of-band via Notify, not this loop).
func (c *Client) serve(idleTimeout time.Duration, d *db.DB) error {
	defer c.conn.Close()

	for {
		if idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		p, ver, err := pdu.ReadPDU(c.conn)
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.PDUReceived()
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(pdu.ErrInternalError, nil, "query rate exceeded")
			return fmt.Errorf("server: client %d exceeded query rate", c.id)
		}
		if !c.negotiated {
			if ver != 0 && ver != 1 {
				c.sendError(pdu.ErrUnsupportedProtoVer, nil, fmt.Sprintf("unsupported protocol version %d", ver))
				return fmt.Errorf("server: client %d offered unsupported protocol version %d", c.id, ver)
			}
			c.version, c.negotiated = ver, true
		} else if ver != c.version {
			c.sendError(pdu.ErrUnexpectedProtoVer, nil, "protocol version changed mid-session")
			return fmt.Errorf("server: client %d changed protocol version", c.id)
		}

		switch req := p.(type) {
		case pdu.ResetQueryPDU:
			c.handleResetQuery(d)
		case pdu.SerialQueryPDU:
			c.handleSerialQuery(d, req)
		case pdu.ErrorReportPDU:
			c.log.Warn().Uint16("code", uint16(req.Code)).Str("text", req.ErrorText).Msg("client reported an error")
			return fmt.Errorf("server: client %d reported error %d: %s", c.id, req.Code, req.ErrorText)
		default:
			c.sendError(pdu.ErrUnsupportedPDUType, nil, fmt.Sprintf("unexpected PDU type %s in this state", p.Type()))
			return fmt.Errorf("server: client %d sent unsupported PDU %s", c.id, p.Type())
		}
	}
}

func (c *Client) handleResetQuery(d *db.DB) {
	c.state = stateResponding
	session := d.CurrentSession()
	serial := d.CurrentSerial()
	snap, _ := d.SnapshotAt(serial)

	if err := c.send(pdu.CacheResponsePDU{SessionID: session}); err != nil {
		return
	}
	for _, v := range snap.VRPs {
		if err := c.send(vrpToPDU(v, 1)); err != nil {
			return
		}
	}
	// Router Key (type 9) is v1-only; a v0 client never asked for BGPsec
	// data, so these are withheld rather than sent or used to drop the
	// session.
	if c.negotiatedVersion() == 1 {
		for _, rk := range snap.RouterKeys {
			if err := c.send(routerKeyToPDU(rk, 1)); err != nil {
				return
			}
		}
	}
	if err := c.send(pdu.EndOfDataPDU{SessionID: session, Serial: serial}); err != nil {
		return
	}
	c.lastSerial = serial
	c.state = stateIdle
}

func (c *Client) handleSerialQuery(d *db.DB, req pdu.SerialQueryPDU) {
	if req.SessionID != d.CurrentSession() {
		c.send(pdu.CacheResetPDU{})
		if c.metrics != nil {
			c.metrics.CacheReset()
		}
		return
	}

	deltas, err := d.DeltaFrom(req.Serial)
	if err != nil {
		c.send(pdu.CacheResetPDU{})
		if c.metrics != nil {
			c.metrics.CacheReset()
		}
		return
	}

	c.state = stateResponding
	session := d.CurrentSession()
	serial := d.CurrentSerial()

	if err := c.send(pdu.CacheResponsePDU{SessionID: session}); err != nil {
		return
	}
	for _, delta := range deltas {
		for _, v := range delta.AddVRPs {
			if err := c.send(vrpToPDU(v, 1)); err != nil {
				return
			}
		}
		for _, v := range delta.RemoveVRPs {
			if err := c.send(vrpToPDU(v, 0)); err != nil {
				return
			}
		}
		if c.negotiatedVersion() == 1 {
			for _, rk := range delta.AddKeys {
				if err := c.send(routerKeyToPDU(rk, 1)); err != nil {
					return
				}
			}
			for _, rk := range delta.RemoveKeys {
				if err := c.send(routerKeyToPDU(rk, 0)); err != nil {
					return
				}
			}
		}
	}
	if err := c.send(pdu.EndOfDataPDU{SessionID: session, Serial: serial}); err != nil {
		return
	}
	c.lastSerial = serial
	c.state = stateIdle
}

func (c *Client) sendError(code pdu.ErrorCode, offending []byte, text string) {
	c.send(pdu.ErrorReportPDU{Code: code, PDUCopy: offending, ErrorText: text})
}

func vrpToPDU(v vrp.VRP, flags uint8) pdu.PDU {
	if v.Prefix.Addr().Is4() {
		return pdu.IPv4PrefixPDU{Flags: flags, Prefix: v.Prefix, MaxLength: v.MaxLength, ASN: v.ASN}
	}
	return pdu.IPv6PrefixPDU{Flags: flags, Prefix: v.Prefix, MaxLength: v.MaxLength, ASN: v.ASN}
}

func routerKeyToPDU(rk vrp.RouterKey, flags uint8) pdu.PDU {
	return pdu.RouterKeyPDU{Flags: flags, SKI: rk.SKI, ASN: rk.ASN, SPKI: rk.SPKI}
}
