// Package store maps RPKI repository URIs to files in a locally mirrored
// directory tree (spec §4.2). Population of the mirror is external
// (rsync/RRDP fetchers, spec §1); this package is read-only.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpkilab/relyd/internal/rpki/crypto"
)

// ErrNotFound is returned when a URI's mapped path does not exist in the
// mirror.
var ErrNotFound = errors.New("store: object not found")

// blockSize is the nominal I/O block size reported by Open; it mirrors the
// knob the original validator exposes so callers can size read buffers,
// even though Go's bufio makes it mostly advisory.
const blockSize = 32 * 1024

// Store locates and opens signed objects in a local mirror directory by
// mechanical URI-to-path translation: strip the scheme, keep host and
// path, root it under Dir.
type Store struct {
	Dir      string
	Provider crypto.Provider
}

// New returns a Store rooted at dir, using provider for hashing.
func New(dir string, provider crypto.Provider) *Store {
	return &Store{Dir: dir, Provider: provider}
}

// URIToPath mechanically translates uri (rsync://host/path or
// https://host/path) into a path rooted at s.Dir.
func (s *Store) URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("store: invalid URI %q: %w", uri, err)
	}
	switch u.Scheme {
	case "rsync", "https", "http":
	default:
		return "", fmt.Errorf("store: unsupported URI scheme %q", u.Scheme)
	}

	rel := filepath.Join(u.Host, filepath.FromSlash(u.Path))
	rel = filepath.Clean(string(filepath.Separator) + rel)
	return filepath.Join(s.Dir, rel), nil
}

// Open returns a stream for the object at uri, along with its size and the
// store's nominal block size.
func (s *Store) Open(uri string) (io.ReadCloser, int64, int, error) {
	path, err := s.URIToPath(uri)
	if err != nil {
		return nil, 0, 0, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, 0, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("store: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, 0, fmt.Errorf("store: %w", err)
	}

	return f, fi.Size(), blockSize, nil
}

// ReadAll opens and fully reads the object at uri. A thin convenience over
// Open for the manifest/ROA/certificate sizes the walker deals with (never
// more than a few hundred KB).
func (s *Store) ReadAll(uri string) ([]byte, error) {
	r, _, _, err := s.Open(uri)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Hash computes the digest of the object at uri.
func (s *Store) Hash(uri string, alg crypto.HashAlg) ([]byte, error) {
	data, err := s.ReadAll(uri)
	if err != nil {
		return nil, err
	}
	return s.Provider.Digest(alg, data)
}

// HashMatches reports whether the object at uri digests to expected.
func (s *Store) HashMatches(uri string, alg crypto.HashAlg, expected []byte) (bool, error) {
	got, err := s.Hash(uri, alg)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, expected), nil
}

// Resolve joins a manifest-relative filename against the CA's repository
// publication point (the directory component of the CA's SIA
// repository URI), matching spec §4.4 step 4.b.
func Resolve(repositoryURI, filename string) string {
	if strings.HasSuffix(repositoryURI, "/") {
		return repositoryURI + filename
	}
	return repositoryURI + "/" + filename
}
