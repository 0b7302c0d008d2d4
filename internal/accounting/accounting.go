// Package accounting writes the optional per-cycle accounting log named by
// spec §6 ("Optional write of an accounting log"). The original
// FORT-validator writes a CSV-ish summary per cycle; this repo writes one
// structured zerolog-JSON record per commit instead, gzip-rotated with
// klauspost/compress the way the teacher's read/write stages transparently
// (de)compress on-disk output.
package accounting

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Record is one accounting-log entry, written after each database commit.
type Record struct {
	Time            time.Time     `json:"time"`
	CycleDuration   time.Duration `json:"cycle_duration_ns"`
	TALCount        int           `json:"tal_count"`
	TALFailures     int           `json:"tal_failures"`
	VRPCount        int           `json:"vrp_count"`
	RouterKeyCount  int           `json:"router_key_count"`
	Session         uint16        `json:"session"`
	Serial          uint32        `json:"serial"`
}

// Log appends Records as JSON lines to a file. Once the file reaches
// rotateBytes, the next Write gzips it to path+".1.gz" and starts the live
// file again from empty.
type Log struct {
	path        string
	rotateBytes int64

	mu      sync.Mutex
	file    *os.File
	written int64
	logger  zerolog.Logger
}

// DefaultRotateBytes is the rotation threshold Open uses when given a
// non-positive rotateBytes.
const DefaultRotateBytes = 10 << 20 // 10 MiB

// Open opens (or creates) the accounting log at path. A non-positive
// rotateBytes selects DefaultRotateBytes; rotation is always enabled.
func Open(path string, rotateBytes int64) (*Log, error) {
	if rotateBytes <= 0 {
		rotateBytes = DefaultRotateBytes
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accounting: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accounting: stat %s: %w", path, err)
	}
	l := &Log{path: path, rotateBytes: rotateBytes, file: f, written: st.Size()}
	l.logger = zerolog.New(writerFunc(l.write)).With().Timestamp().Logger()
	return l, nil
}

// Write appends one Record, rotating first if the file has grown past the
// configured threshold.
func (l *Log) Write(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotateBytes > 0 && l.written >= l.rotateBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	l.logger.Log().
		Dur("cycle_duration_ns", r.CycleDuration).
		Int("tal_count", r.TALCount).
		Int("tal_failures", r.TALFailures).
		Int("vrp_count", r.VRPCount).
		Int("router_key_count", r.RouterKeyCount).
		Uint32("session", uint32(r.Session)).
		Uint32("serial", r.Serial).
		Send()
	return nil
}

func (l *Log) write(p []byte) (int, error) {
	n, err := l.file.Write(p)
	l.written += int64(n)
	return n, err
}

// rotateLocked gzips the current file to path+".1.gz" (overwriting any
// prior rotation) and truncates the live file back to empty. Caller must
// hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("accounting: close before rotate: %w", err)
	}

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("accounting: reopen for rotate: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(l.path + ".1.gz")
	if err != nil {
		return fmt.Errorf("accounting: create rotated file: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return fmt.Errorf("accounting: gzip rotate: %w", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return fmt.Errorf("accounting: gzip close: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("accounting: rotated file close: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("accounting: truncate after rotate: %w", err)
	}
	l.file = f
	l.written = 0
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
