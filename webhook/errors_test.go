package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorKind_Status(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindProtocol, http.StatusBadRequest},
		{KindCorrelation, http.StatusBadRequest},
		{KindAuthorization, http.StatusUnauthorized},
		{KindState, http.StatusAccepted},
		{KindStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := httpStatus(tt.kind); got != tt.want {
				t.Errorf("httpStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("disk on fire")
	wrapped := fmt.Errorf("apply: %w", newError(KindState, base))

	if got := KindOf(wrapped); got != KindState {
		t.Errorf("KindOf(wrapped) = %s, want state", got)
	}
	if !IsStateError(wrapped) || IsProtocolError(wrapped) {
		t.Error("predicate mismatch for wrapped state error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("expected cause to be reachable")
	}
	if got := KindOf(base); got != KindStorage {
		t.Errorf("KindOf(unclassified) = %s, want storage", got)
	}
}
