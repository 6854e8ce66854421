package retry

import (
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.Initial != 500*time.Millisecond {
		t.Errorf("Initial = %v, want 500ms", cfg.Initial)
	}
	if cfg.Max != 30*time.Second {
		t.Errorf("Max = %v, want 30s", cfg.Max)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.Jitter != 0.2 {
		t.Errorf("Jitter = %v, want 0.2", cfg.Jitter)
	}
}

func TestBackoffSequenceWithoutJitter(t *testing.T) {
	b := NewBackoff(1, BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Fatalf("Attempts = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        time.Second,
		Multiplier: 2,
		Jitter:     0.4,
	}
	b := NewBackoff(42, cfg)

	low := 800 * time.Millisecond
	high := 1200 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := b.Next()
		if d < low || d > high {
			t.Fatalf("delay %v outside [%v, %v]", d, low, high)
		}
	}
}

func TestBackoffDeterministicPerSeed(t *testing.T) {
	cfg := DefaultBackoffConfig()
	a := NewBackoff(7, cfg)
	b := NewBackoff(7, cfg)

	for i := 0; i < 10; i++ {
		if da, db := a.Next(), b.Next(); da != db {
			t.Fatalf("attempt %d: %v != %v", i, da, db)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(1, BackoffConfig{Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 3})
	b.Next()
	b.Next()
	b.Reset()

	if b.Attempts() != 0 {
		t.Fatalf("Attempts after reset = %d", b.Attempts())
	}
	if got := b.Peek(); got != 10*time.Millisecond {
		t.Fatalf("Peek after reset = %v, want 10ms", got)
	}
}

func TestBackoffConfigDefaultsApplied(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackoffConfig
		want time.Duration
	}{
		{name: "zero config", cfg: BackoffConfig{}, want: 500 * time.Millisecond},
		{name: "max below initial", cfg: BackoffConfig{Initial: time.Second, Max: time.Millisecond, Multiplier: 2}, want: time.Second},
		{name: "multiplier below one", cfg: BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 0.5}, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(1, tt.cfg)
			if got := b.Next(); got != tt.want {
				t.Fatalf("first delay = %v, want %v", got, tt.want)
			}
			if b.Next() < tt.want {
				t.Fatal("second delay shrank")
			}
		})
	}
}

func TestBackoffStaysAtMaxAfterManyAttempts(t *testing.T) {
	b := NewBackoff(1, BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Second, Multiplier: 10})
	for i := 0; i < 2000; i++ {
		b.Next()
	}
	if got := b.Peek(); got != 5*time.Second {
		t.Fatalf("delay after 2000 attempts = %v, want 5s", got)
	}
}
