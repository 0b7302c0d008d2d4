// Package notify implements the RTR notifier (spec §4.8): on every
// commit, broadcast a Serial Notify to every registered client, best
// effort, never blocking or closing a client on send failure.
package notify

import (
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Client is the subset of an RTR client's behavior the notifier needs: a
// way to best-effort push a Serial Notify PDU without touching the
// client's own read/write goroutine state.
type Client interface {
	Notify(sessionID uint16, serial uint32) error
	ID() uint64
}

// Notifier broadcasts commits to every registered client (spec §4.8).
// Registry is the RTR layer's only shared mutable state (spec §4.7); a
// *xsync.Map tolerates concurrent add/remove during for_each, matching
// the teacher's xsync.MapOf usage for other concurrent registries.
type Notifier struct {
	Registry *xsync.Map[uint64, Client]
	Log      zerolog.Logger
}

// New returns a Notifier backed by a fresh, empty client registry.
func New(log zerolog.Logger) *Notifier {
	return &Notifier{
		Registry: xsync.NewMap[uint64, Client](),
		Log:      log,
	}
}

// Wake sends Serial Notify(session, serial) to every registered client.
// A per-client send error is logged and the broadcast continues; the
// client is never closed here (spec §4.8, §7 "walker errors never close
// RTR clients" generalizes to "the notifier never closes clients" too).
func (n *Notifier) Wake(sessionID uint16, serial uint32) {
	n.Registry.Range(func(id uint64, c Client) bool {
		if err := c.Notify(sessionID, serial); err != nil {
			n.Log.Warn().Uint64("client", id).Err(err).Msg("failed to send Serial Notify")
		}
		return true
	})
}

// Register adds c to the registry.
func (n *Notifier) Register(c Client) { n.Registry.Store(c.ID(), c) }

// Unregister removes c from the registry.
func (n *Notifier) Unregister(c Client) { n.Registry.Delete(c.ID()) }
