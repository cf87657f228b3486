// Package wire encodes and decodes relay envelopes.
//
// Text frames carry JSON, binary frames carry msgpack. Both decode to the
// same types.Envelope. Decoding never panics on malformed input; failures
// are reported as *FrameError so callers can drop the frame and keep the
// connection alive.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/treesync/types"
)

// MaxFrameSize is the largest encoded envelope accepted (1 MiB).
const MaxFrameSize = 1 << 20

// Format selects the envelope encoding.
type Format int

const (
	// FormatJSON is used for WebSocket text frames and HTTP bodies.
	FormatJSON Format = iota
	// FormatMsgpack is used for WebSocket binary frames and the redis bridge.
	FormatMsgpack
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge FrameErrorKind = iota
	// FrameErrorDecode indicates the bytes are not a valid encoding.
	FrameErrorDecode
	// FrameErrorInvalid indicates a decodable frame missing required fields.
	FrameErrorInvalid
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is a *FrameError.
func IsFrameError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

// Encode serializes env in the given format.
func Encode(env *types.Envelope, format Format) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatMsgpack:
		data, err = msgpack.Marshal(env)
	default:
		data, err = json.Marshal(env)
	}
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode " + format.String() + " envelope", Err: err}
	}
	if len(data) > MaxFrameSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("envelope size %d exceeds maximum %d", len(data), MaxFrameSize),
		}
	}
	return data, nil
}

// Decode parses a frame in the given format and validates required fields.
func Decode(data []byte, format Format) (*types.Envelope, error) {
	if len(data) > MaxFrameSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", len(data), MaxFrameSize),
		}
	}

	var env types.Envelope
	var err error
	switch format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, &env)
	default:
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode " + format.String() + " envelope", Err: err}
	}

	if env.Type == "" {
		return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "envelope missing type"}
	}
	if env.ID == "" {
		return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "envelope missing id"}
	}
	return &env, nil
}
