package webhook

import (
	"errors"
	"net/http"
)

// ErrorKind classifies ingestion errors.
type ErrorKind int

const (
	// KindProtocol indicates a malformed or invalid payload (400).
	KindProtocol ErrorKind = iota
	// KindCorrelation indicates no conversation could be resolved (400).
	KindCorrelation
	// KindAuthorization indicates a missing or wrong secret (401).
	KindAuthorization
	// KindState indicates an event that does not fit the current objective
	// state. It is acknowledged and dropped, never surfaced to users.
	KindState
	// KindStorage indicates a persistence failure (500).
	KindStorage
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCorrelation:
		return "correlation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified ingestion error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of a classified error. Unclassified errors are
// reported as storage failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsProtocolError returns true if the payload was malformed.
func IsProtocolError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindProtocol
}

// IsCorrelationError returns true if no conversation could be resolved.
func IsCorrelationError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCorrelation
}

// IsAuthorizationError returns true if the request was not authenticated.
func IsAuthorizationError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthorization
}

// IsStateError returns true if the event did not fit the objective state.
func IsStateError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindState
}

// IsStorageError returns true if persistence failed.
func IsStorageError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindStorage
}

// httpStatus maps an error kind to the response status.
func httpStatus(kind ErrorKind) int {
	switch kind {
	case KindProtocol, KindCorrelation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindState:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
