package retry

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the total spread around each delay as a fraction of it;
	// 0.2 yields delays within ±10%.
	Jitter float64
}

// DefaultBackoffConfig returns the reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	c.Max = max(c.Max, c.Initial)
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	c.Jitter = max(c.Jitter, 0)
	return c
}

// Backoff produces growing, jittered reconnect delays for one flow.
// Callers serialize access.
type Backoff struct {
	cfg      BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff returns a Backoff whose jitter is reproducible for a given seed.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Next returns the delay for the upcoming attempt and counts it.
func (b *Backoff) Next() time.Duration {
	d := b.Peek()
	b.attempts++
	return d
}

// Peek returns the delay Next would return, without counting an attempt.
// Jitter still draws from the random source.
func (b *Backoff) Peek() time.Duration {
	base := b.base()
	if b.cfg.Jitter == 0 {
		return base
	}
	spread := float64(base) * b.cfg.Jitter
	d := float64(base) + spread*(b.rng.Float64()-0.5)
	return time.Duration(max(d, 0))
}

// base grows Initial by Multiplier once per attempt and stops at Max.
func (b *Backoff) base() time.Duration {
	d := float64(b.cfg.Initial)
	limit := float64(b.cfg.Max)
	for i := 0; i < b.attempts && d < limit; i++ {
		d *= b.cfg.Multiplier
	}
	return time.Duration(min(d, limit))
}

// Reset starts the sequence over from Initial.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
