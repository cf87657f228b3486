package iox

import (
	"errors"
	"strings"
	"testing"
)

type spyBody struct {
	*strings.Reader
	closed bool
}

func (s *spyBody) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyBody{Reader: strings.NewReader("")}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDrainClose(t *testing.T) {
	s := &spyBody{Reader: strings.NewReader(`{"status":"ok"}`)}
	DrainClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
	if s.Len() != 0 {
		t.Errorf("%d bytes left unread", s.Len())
	}
}

func TestDrainClose_Limit(t *testing.T) {
	s := &spyBody{Reader: strings.NewReader(strings.Repeat("x", DrainLimit+10))}
	DrainClose(s)
	if s.Len() != 10 {
		t.Errorf("unread = %d, want 10", s.Len())
	}
}
