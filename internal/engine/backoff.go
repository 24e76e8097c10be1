package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/attractor/internal/model"
)

// BackoffConfig tunes in-node retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// Defaults: 0.5s initial, doubling, capped at 30s. Jitter is off so runs
// are deterministic; enable via `retry.backoff.jitter=true`.
func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 500,
		BackoffFactor:  2.0,
		MaxDelayMS:     30_000,
		Jitter:         false,
	}
}

// backoffConfigFor reads tuning from node attributes with graph-level
// fallbacks.
func backoffConfigFor(g *model.Graph, n *model.Node) BackoffConfig {
	cfg := defaultBackoffConfig()
	get := func(key string) string {
		if n != nil {
			if v, ok := n.Attrs[key]; ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		if g != nil {
			if v, ok := g.Attrs[key]; ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	}
	if v := get("retry.backoff.initial_delay_ms"); v != "" {
		cfg.InitialDelayMS = parseInt(v, cfg.InitialDelayMS)
	}
	if v := get("retry.backoff.backoff_factor"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := get("retry.backoff.max_delay_ms"); v != "" {
		cfg.MaxDelayMS = parseInt(v, cfg.MaxDelayMS)
	}
	if v := get("retry.backoff.jitter"); v != "" {
		cfg.Jitter = parseBool(v, cfg.Jitter)
	}
	if cfg.InitialDelayMS < 0 {
		cfg.InitialDelayMS = 0
	}
	if cfg.MaxDelayMS < 0 {
		cfg.MaxDelayMS = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.0
	}
	return cfg
}

// DelayForAttempt computes the delay before retry `attempt` (1-indexed):
// initial * factor^(attempt-1), capped, with optional deterministic jitter
// derived from the seed so the same run replays identically.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit hashes the seed to [0, 1).
func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func backoffDelayForNode(sessionID string, g *model.Graph, n *model.Node, attempt int) time.Duration {
	nodeID := ""
	if n != nil {
		nodeID = n.ID
	}
	seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(sessionID), nodeID, attempt)
	return DelayForAttempt(attempt, backoffConfigFor(g, n), seed)
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

// parseDuration accepts Go durations plus bare integers (seconds) and a
// 'd' suffix for days, matching the DOT attribute surface.
func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
