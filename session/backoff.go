package session

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures reconnect delays. Retries are never capped in
// count, only in delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay that is randomised, 0..1.
	// Zero takes the default; use NoJitter for fixed delays.
	Jitter float64
}

// NoJitter disables delay randomisation
const NoJitter = -1

// DefaultBackoffConfig returns the reconnect defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Backoff computes exponential reconnect delays with a cap and jitter.
type Backoff struct {
	config BackoffConfig

	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

// NewBackoff creates a Backoff, filling zero fields from the defaults
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	switch {
	case cfg.Jitter == 0:
		cfg.Jitter = def.Jitter
	case cfg.Jitter < 0:
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}

	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := float64(b.config.Initial)
	for i := 0; i < b.attempt; i++ {
		delay *= b.config.Multiplier
		if delay >= float64(b.config.Max) {
			delay = float64(b.config.Max)
			break
		}
	}
	b.attempt++

	if b.config.Jitter > 0 {
		// spread uniformly over [delay*(1-j), delay*(1+j)]
		spread := delay * b.config.Jitter
		delay = delay - spread + b.rng.Float64()*2*spread
	}
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset restarts the sequence after a successful connect
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
