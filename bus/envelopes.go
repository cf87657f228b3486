package bus

import (
	"github.com/pithecene-io/treesync/log"
	"github.com/pithecene-io/treesync/types"
)

// Envelopes is the bus shared by a client session. Relay envelopes are
// published under their wire type, local events under the types.Event* keys.
type Envelopes = Bus[types.MessageType, *types.Envelope]

// NewEnvelopes creates an envelope bus.
func NewEnvelopes(logger *log.Logger) *Envelopes {
	return New[types.MessageType, *types.Envelope](logger)
}

// Emit builds an envelope for data and publishes it under t.
// Encoding failures are logged and nothing is published.
func Emit(b *Envelopes, t types.MessageType, data any) {
	env, err := types.NewEnvelope(t, data)
	if err != nil {
		b.logger.Error("bus: encode local event", map[string]any{
			"type":  string(t),
			"error": err.Error(),
		})
		return
	}
	b.Publish(t, env)
}
