package validation

import (
	"errors"
	"testing"

	"github.com/rpkilab/relyd/internal/rpki/codec"
	"github.com/rpkilab/relyd/internal/rpki/resources"
)

func TestPushCertRejectsEmptyTA(t *testing.T) {
	s, err := Prepare(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = s.PushCert(&codec.Certificate{}, resources.Empty(), true)
	if err != resources.ErrEmptyTrustAnchor {
		t.Fatalf("got %v, want ErrEmptyTrustAnchor", err)
	}
	if len(s.Chain) != 0 {
		t.Fatal("chain should be untouched on rejected push")
	}
}

func TestPushPopPeek(t *testing.T) {
	s, _ := Prepare(nil)
	res := resources.Set{ASNs: []resources.ASRange{{Min: 1, Max: 1}}}
	if err := s.PushCert(&codec.Certificate{}, res, true); err != nil {
		t.Fatal(err)
	}
	if s.PeekCert() == nil {
		t.Fatal("expected non-nil peek after push")
	}
	if !s.PeekResources().Contains(res) {
		t.Fatal("peeked resources mismatch")
	}
	s.PopCert()
	if s.PeekCert() != nil {
		t.Fatal("expected nil peek after pop")
	}
}

func TestPopCertPanicsOnEmpty(t *testing.T) {
	s, _ := Prepare(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic popping an empty chain")
		}
	}()
	s.PopCert()
}

func TestDestroyFailsOnNonEmptyChain(t *testing.T) {
	s, _ := Prepare(nil)
	s.PushCert(&codec.Certificate{}, resources.Set{ASNs: []resources.ASRange{{Min: 1, Max: 1}}}, true)
	if err := s.Destroy(); !errors.Is(err, ErrStackNotEmpty) {
		t.Fatalf("got %v, want ErrStackNotEmpty", err)
	}
}

func TestDestroyOKOnEmptyChain(t *testing.T) {
	s, _ := Prepare(nil)
	if err := s.Destroy(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
