package engine

import (
	"testing"
	"time"
)

func TestDelayForAttemptDoubles(t *testing.T) {
	cfg := defaultBackoffConfig()
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if got := DelayForAttempt(i+1, cfg, ""); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestDelayForAttemptCapped(t *testing.T) {
	cfg := defaultBackoffConfig()
	if got := DelayForAttempt(20, cfg, ""); got != 30*time.Second {
		t.Fatalf("cap: got %v", got)
	}
}

func TestDelayJitterDeterministic(t *testing.T) {
	cfg := defaultBackoffConfig()
	cfg.Jitter = true
	a := DelayForAttempt(3, cfg, "session:node:3")
	b := DelayForAttempt(3, cfg, "session:node:3")
	if a != b {
		t.Fatalf("same seed must give same delay: %v vs %v", a, b)
	}
	c := DelayForAttempt(3, cfg, "session:node:4")
	if a == c {
		t.Fatalf("different seeds should normally differ: %v", a)
	}
	base := 2 * time.Second
	if a < base/2 || a > base*3/2 {
		t.Fatalf("jitter outside [0.5x, 1.5x]: %v", a)
	}
}

func TestBackoffConfigFromAttributes(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  graph [retry.backoff.initial_delay_ms=100]
  n [shape=box, retry.backoff.max_delay_ms=900]
}
`)
	cfg := backoffConfigFor(g, g.Nodes["n"])
	if cfg.InitialDelayMS != 100 {
		t.Fatalf("graph-level initial delay: %d", cfg.InitialDelayMS)
	}
	if cfg.MaxDelayMS != 900 {
		t.Fatalf("node-level max delay: %d", cfg.MaxDelayMS)
	}
}

func TestParseDurationForms(t *testing.T) {
	cases := map[string]time.Duration{
		"90":    90 * time.Second,
		"250ms": 250 * time.Millisecond,
		"5m":    5 * time.Minute,
		"1h30m": 90 * time.Minute,
		"2d":    48 * time.Hour,
	}
	for in, want := range cases {
		if got := parseDuration(in, 0); got != want {
			t.Fatalf("parseDuration(%q) = %v, want %v", in, got, want)
		}
	}
	if got := parseDuration("garbage", 7*time.Second); got != 7*time.Second {
		t.Fatalf("default: %v", got)
	}
}
