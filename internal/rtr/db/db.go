// Package db implements the VRP database (spec §4.6): the current
// snapshot, a retained window of deltas, and session/serial bookkeeping,
// read without blocking a concurrent commit via an atomically-swapped
// immutable epoch, exactly the teacher's roa4/roa6 atomic.Pointer pattern.
package db

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rpkilab/relyd/internal/rpki/vrp"
	"github.com/rpkilab/relyd/internal/rtr/notify"
)

// ErrNoData is returned by DeltaFrom when the requested serial predates the
// earliest retained delta; the caller must fall back to a full snapshot.
var ErrNoData = errors.New("db: no delta history for requested serial")

// Snapshot is the complete, immutable VRP/router-key set at one serial.
type Snapshot struct {
	VRPs       []vrp.VRP
	RouterKeys []vrp.RouterKey
}

// Delta is the change from serial-1 to serial: adds and removes of both VRPs
// and router keys.
type Delta struct {
	Serial        uint32
	AddVRPs       []vrp.VRP
	RemoveVRPs    []vrp.VRP
	AddKeys       []vrp.RouterKey
	RemoveKeys    []vrp.RouterKey
}

func (d *Delta) empty() bool {
	return len(d.AddVRPs) == 0 && len(d.RemoveVRPs) == 0 && len(d.AddKeys) == 0 && len(d.RemoveKeys) == 0
}

// epoch is one immutable, atomically-published view of the database.
// Readers load a *epoch once and see a fully consistent snapshot+history
// even while a commit builds the next one.
type epoch struct {
	sessionID     uint16
	currentSerial uint32
	current       Snapshot
	snapshots     map[uint32]Snapshot
	deltas        map[uint32]*Delta
	retention     uint32
}

// DB is the VRP database. The zero value is not usable; use New.
type DB struct {
	mu       sync.Mutex // serializes Commit calls only
	cur      atomic.Pointer[epoch]
	notifier *notify.Notifier
}

// New returns an empty database with retention window w (in serials) and
// initial session ID sessionID (randomized by the caller per spec §6
// "no persisted state" -- a fresh session on every process start).
func New(sessionID uint16, w uint32, notifier *notify.Notifier) *DB {
	d := &DB{notifier: notifier}
	d.cur.Store(&epoch{
		sessionID: sessionID,
		snapshots: map[uint32]Snapshot{0: {}},
		deltas:    map[uint32]*Delta{},
		retention: w,
	})
	return d
}

// CurrentSerial returns the database's current serial number.
func (d *DB) CurrentSerial() uint32 { return d.cur.Load().currentSerial }

// CurrentSession returns the database's current session ID.
func (d *DB) CurrentSession() uint16 { return d.cur.Load().sessionID }

// SnapshotAt returns the snapshot at serial, which must be the current
// serial (spec §4.6 "exists only for the current serial").
func (d *DB) SnapshotAt(serial uint32) (Snapshot, bool) {
	e := d.cur.Load()
	snap, ok := e.snapshots[serial]
	return snap, ok
}

// DeltaFrom returns the ordered sequence of deltas needed to bring a client
// at `from` up to the current serial, or ErrNoData if `from` predates the
// earliest retained delta.
func (d *DB) DeltaFrom(from uint32) ([]*Delta, error) {
	e := d.cur.Load()
	if from == e.currentSerial {
		return nil, nil
	}
	var out []*Delta
	serial := from
	for serial != e.currentSerial {
		serial++
		delta, ok := e.deltas[serial]
		if !ok {
			return nil, ErrNoData
		}
		out = append(out, delta)
	}
	return out, nil
}

// Commit applies the five-step procedure of spec §4.6: diff against the
// previous snapshot, no-op on an empty diff, advance the serial (rotating
// the session on aliasing), store and evict, then wake the notifier.
//
// Commit holds the package mutex for its whole body; readers never block on
// it because they only ever touch the atomically-published *epoch, not
// this mutex.
func (d *DB) Commit(next Snapshot) (committed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.cur.Load()
	delta := diff(prev.current, next)
	if delta.empty() {
		return false, nil
	}

	nextSerial := prev.currentSerial + 1
	sessionID := prev.sessionID
	snapshots := prev.snapshots
	deltas := prev.deltas

	if _, aliased := snapshots[nextSerial]; aliased || nextSerial == 0 {
		// Wrapped all the way around the serial space (or rotated from
		// all-zero), or the serial we're about to assign is still
		// retained from a previous session: a client holding that old
		// serial would misinterpret it as current history. Start a new
		// session with a clean history instead.
		sessionID = sessionID + 1
		nextSerial = 1
		snapshots = map[uint32]Snapshot{}
		deltas = map[uint32]*Delta{}
	} else {
		snapshots = cloneSnapshots(snapshots)
		deltas = cloneDeltas(deltas)
	}

	delta.Serial = nextSerial
	snapshots[nextSerial] = next
	deltas[nextSerial] = delta

	evictBefore(snapshots, deltas, nextSerial, prev.retention)

	newEpoch := &epoch{
		sessionID:     sessionID,
		currentSerial: nextSerial,
		current:       next,
		snapshots:     snapshots,
		deltas:        deltas,
		retention:     prev.retention,
	}
	d.cur.Store(newEpoch)

	if d.notifier != nil {
		d.notifier.Wake(sessionID, nextSerial)
	}
	return true, nil
}

func evictBefore(snapshots map[uint32]Snapshot, deltas map[uint32]*Delta, current, retention uint32) {
	if current <= retention {
		return
	}
	floor := current - retention
	for serial := range snapshots {
		if serial < floor {
			delete(snapshots, serial)
		}
	}
	for serial := range deltas {
		if serial < floor {
			delete(deltas, serial)
		}
	}
}

func cloneSnapshots(in map[uint32]Snapshot) map[uint32]Snapshot {
	out := make(map[uint32]Snapshot, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneDeltas(in map[uint32]*Delta) map[uint32]*Delta {
	out := make(map[uint32]*Delta, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// diff computes spec invariant #2's adds/removes by full-set comparison
// against the previous snapshot.
func diff(prev, next Snapshot) *Delta {
	prevVRP := make(map[vrp.Key]vrp.VRP, len(prev.VRPs))
	for _, v := range prev.VRPs {
		prevVRP[v.Key()] = v
	}
	nextVRP := make(map[vrp.Key]vrp.VRP, len(next.VRPs))
	for _, v := range next.VRPs {
		nextVRP[v.Key()] = v
	}

	d := &Delta{}
	for k, v := range nextVRP {
		if _, ok := prevVRP[k]; !ok {
			d.AddVRPs = append(d.AddVRPs, v)
		}
	}
	for k, v := range prevVRP {
		if _, ok := nextVRP[k]; !ok {
			d.RemoveVRPs = append(d.RemoveVRPs, v)
		}
	}

	prevRK := make(map[vrp.RouterKeyKey]vrp.RouterKey, len(prev.RouterKeys))
	for _, rk := range prev.RouterKeys {
		prevRK[rk.Key()] = rk
	}
	nextRK := make(map[vrp.RouterKeyKey]vrp.RouterKey, len(next.RouterKeys))
	for _, rk := range next.RouterKeys {
		nextRK[rk.Key()] = rk
	}
	for k, rk := range nextRK {
		if _, ok := prevRK[k]; !ok {
			d.AddKeys = append(d.AddKeys, rk)
		}
	}
	for k, rk := range prevRK {
		if _, ok := nextRK[k]; !ok {
			d.RemoveKeys = append(d.RemoveKeys, rk)
		}
	}

	return d
}
