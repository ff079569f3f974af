package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency of the node: the coordinator or a
// configured data source.
type Checker interface {
	Check(ctx context.Context) Result
	Name() string
}

// Config tunes the probe loop.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// Retries is the number of consecutive failures before a dependency
	// is reported unhealthy.
	Retries int
}

// DefaultConfig returns the probe defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status tracks one dependency across probes. A dependency only flips to
// unhealthy after Retries consecutive failures; a single success flips it
// back.
type Status struct {
	ConsecutiveFailures int
	LastResult          Result
	Healthy             bool
}

// NewStatus starts optimistic; the first probe corrects it.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds in a probe result and reports whether the healthy flag
// flipped.
func (s *Status) Update(result Result, cfg Config) bool {
	s.LastResult = result

	was := s.Healthy
	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return s.Healthy != was
}
