// Package server implements the RTR (RPKI-to-Router) TCP server of spec
// §4.7: one goroutine per accepted connection running the client state
// machine, a shared client registry wired into the notifier, per-client
// query-rate limiting, and optional TCP MD5 signature protection on the
// listening socket.
package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/rpkilab/relyd/internal/metrics"
	"github.com/rpkilab/relyd/internal/rtr/db"
	"github.com/rpkilab/relyd/internal/rtr/notify"
)

// Config controls the listener and per-client limits.
type Config struct {
	Addr string // e.g. "[::]:323"

	// MD5Password, if non-empty, enables TCP MD5 signatures (RFC 2385) on
	// every accepted connection via TCP_MD5SIG_EXT.
	MD5Password string

	// QueryRate caps sustained RTR queries per client, in queries/second;
	// zero disables rate limiting.
	QueryRate float64

	// IdleTimeout closes a client that sends nothing for this long; zero
	// disables the idle timeout.
	IdleTimeout time.Duration
}

// Server is the RTR listener: a shared DB, a client registry also used by
// the Notifier, and the config above.
type Server struct {
	Config   Config
	DB       *db.DB
	Notifier *notify.Notifier
	Metrics  *metrics.Set // may be nil
	Log      zerolog.Logger

	nextID      atomic.Uint64
	listener    net.Listener
	clientCount atomic.Int64

	wg sync.WaitGroup
}

// New returns a Server ready to Serve. m may be nil to disable metrics.
func New(cfg Config, d *db.DB, n *notify.Notifier, m *metrics.Set, log zerolog.Logger) *Server {
	return &Server{Config: cfg, DB: d, Notifier: n, Metrics: m, Log: log}
}

// ListenAndServe binds the configured address and runs the accept loop
// until ctx is canceled, then closes every client connection and waits for
// the client goroutines to finish before returning. A response in progress
// at that moment is cut off, not completed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{Control: tcpMD5Control(s.Config.MD5Password)}
	ln, err := lc.Listen(ctx, "tcp", s.Config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.Config.Addr, err)
	}
	s.listener = ln
	s.Log.Info().Str("addr", ln.Addr().String()).Bool("md5", s.Config.MD5Password != "").Msg("RTR server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	id := s.nextID.Add(1)
	var limiter *rate.Limiter
	if rr := s.Config.QueryRate; rr > 0 {
		limiter = rate.NewLimiter(rate.Limit(rr), int(math.Ceil(rr)))
	}

	c := newClient(id, conn, limiter, s.Metrics, s.Log)
	if s.Notifier != nil {
		s.Notifier.Register(c)
		defer s.Notifier.Unregister(c)
	}

	count := s.clientCount.Add(1)
	if s.Metrics != nil {
		s.Metrics.SetRTRClients(int(count))
	}
	defer func() {
		count := s.clientCount.Add(-1)
		if s.Metrics != nil {
			s.Metrics.SetRTRClients(int(count))
		}
	}()

	c.log.Info().Msg("RTR client connected")
	err := c.serve(s.Config.IdleTimeout, s.DB)
	if err != nil {
		c.log.Debug().Err(err).Msg("RTR client disconnected")
	} else {
		c.log.Info().Msg("RTR client disconnected")
	}
}

// tcpMD5Control returns a net.ListenConfig.Control callback that installs
// a TCP MD5 signature (RFC 2385) on the listening socket, adapted from the
// teacher's client-side dialer.Control use of the same option for outbound
// BGP sessions -- here applied to the server side of an accept, so the
// signature is checked against every peer that connects rather than one
// dial target.
func tcpMD5Control(md5pass string) func(network, address string, c syscall.RawConn) error {
	if md5pass == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var key [80]byte
		l := copy(key[:], md5pass)
		sig := unix.TCPMD5Sig{
			Flags:     unix.TCP_MD5SIG_FLAG_PREFIX,
			Prefixlen: 0,
			Keylen:    uint16(l),
			Key:       key,
		}
		switch network {
		case "tcp6", "udp6", "ip6":
			sig.Addr.Family = unix.AF_INET6
		default:
			sig.Addr.Family = unix.AF_INET
		}

		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			b := *(*[unsafe.Sizeof(sig)]byte)(unsafe.Pointer(&sig))
			ctrlErr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG_EXT, string(b[:]))
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
