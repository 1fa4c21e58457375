package main

import (
	"testing"
	"time"

	"oko-live/config"
	"oko-live/session"
)

func TestBackoffConfig(t *testing.T) {
	cfg := config.Default()

	got := backoffConfig(cfg.Reconnect)
	want := session.BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
	if got != want {
		t.Errorf("backoffConfig(defaults) = %+v, want %+v", got, want)
	}

	// a configured zero means fixed delays, not the library default
	cfg.Reconnect.Jitter = 0
	if got := backoffConfig(cfg.Reconnect); got.Jitter != session.NoJitter {
		t.Errorf("Jitter = %v, want %v", got.Jitter, session.NoJitter)
	}

	b := session.NewBackoff(backoffConfig(cfg.Reconnect))
	if d := b.Next(); d != 500*time.Millisecond {
		t.Errorf("first delay = %v, want 500ms", d)
	}
}
