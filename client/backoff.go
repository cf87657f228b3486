package client

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newBackOff builds the reconnect schedule. Randomization is disabled so the
// delays are exactly min(BaseDelay * Decay^attempt, MaxDelay).
func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseDelay
	b.Multiplier = o.Decay
	b.MaxInterval = o.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delays returns the first n reconnect delays produced by opts.
func Delays(opts Options, n int) []time.Duration {
	b := newBackOff(opts.withDefaults())
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}
