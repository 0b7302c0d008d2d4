// Package tal parses Trust Anchor Locator files (spec §6): one or more
// repository URIs, a blank line, then a base64-encoded SubjectPublicKeyInfo.
package tal

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// TAL is a parsed Trust Anchor Locator.
type TAL struct {
	Name string // derived from the file's base name, for logging
	URIs []string
	SPKI []byte // DER SubjectPublicKeyInfo
}

// Load reads and parses a single TAL file.
func Load(path string) (*TAL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tal: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("tal: %s: %w", path, err)
	}
	t.Name = strings.TrimSuffix(baseName(path), ".tal")
	return t, nil
}

func baseName(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}

// Parse parses TAL file contents: one URI per line, a blank line, then a
// base64 SPKI (which may itself be wrapped across multiple lines).
func Parse(data []byte) (*TAL, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var uris []string
	var b64 strings.Builder
	inKey := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inKey {
			if line == "" {
				inKey = true
				continue
			}
			uris = append(uris, line)
			continue
		}
		if line == "" {
			continue
		}
		b64.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(uris) == 0 {
		return nil, fmt.Errorf("no URIs found")
	}
	if b64.Len() == 0 {
		return nil, fmt.Errorf("no subject public key info found")
	}

	spki, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, fmt.Errorf("invalid base64 SPKI: %w", err)
	}

	return &TAL{URIs: uris, SPKI: spki}, nil
}

// LoadDir loads all *.tal files directly under dir.
func LoadDir(dir string) ([]*TAL, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("tal: %w", err)
	}
	var tals []*TAL
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tal") {
			continue
		}
		t, err := Load(dir + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		tals = append(tals, t)
	}
	return tals, nil
}
