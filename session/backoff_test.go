package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        1 * time.Second,
		Multiplier: 2,
		Jitter:     NoJitter,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second,
		1 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i+1)
	}

	// retries are unbounded in count
	for i := 0; i < 1000; i++ {
		assert.Equal(t, time.Second, b.Next())
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 3, Jitter: NoJitter})

	b.Next()
	b.Next()
	assert.Equal(t, 2, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1,
		Jitter:     0.25,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 200; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Second, Jitter: 1})
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, b.Next(), time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackoffConfig
		want BackoffConfig
	}{
		{
			name: "zero config",
			cfg:  BackoffConfig{},
			want: DefaultBackoffConfig(),
		},
		{
			name: "zero jitter takes default",
			cfg:  BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2},
			want: BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.2},
		},
		{
			name: "jitter disabled",
			cfg:  BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: NoJitter},
			want: BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0},
		},
		{
			name: "max below initial",
			cfg:  BackoffConfig{Initial: 2 * time.Second, Max: time.Second, Multiplier: 2, Jitter: 0.1},
			want: BackoffConfig{Initial: 2 * time.Second, Max: 2 * time.Second, Multiplier: 2, Jitter: 0.1},
		},
		{
			name: "jitter clamped",
			cfg:  BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 1.5, Jitter: 3},
			want: BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 1.5, Jitter: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(tt.cfg)
			assert.Equal(t, tt.want, b.config)
		})
	}
}
