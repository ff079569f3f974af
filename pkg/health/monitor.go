package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
)

// Monitor probes a set of dependencies on an interval and reports
// transitions through OnChange.
type Monitor struct {
	cfg      Config
	checkers []Checker
	logger   zerolog.Logger

	// OnChange fires when a dependency flips between healthy and
	// unhealthy, never on steady state.
	OnChange func(name string, healthy bool, message string)

	mu       sync.Mutex
	statuses map[string]*Status
}

func NewMonitor(cfg Config, checkers ...Checker) *Monitor {
	statuses := make(map[string]*Status, len(checkers))
	for _, c := range checkers {
		statuses[c.Name()] = NewStatus()
	}
	return &Monitor{
		cfg:      cfg,
		checkers: checkers,
		logger:   log.WithComponent("health"),
		statuses: statuses,
	}
}

// Run probes until ctx is cancelled. The first round runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.probeAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, checker := range m.checkers {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		result := checker.Check(cctx)
		cancel()

		m.mu.Lock()
		status := m.statuses[checker.Name()]
		flipped := status.Update(result, m.cfg)
		healthy := status.Healthy
		m.mu.Unlock()

		if !flipped {
			continue
		}
		evt := m.logger.Warn()
		if healthy {
			evt = m.logger.Info()
		}
		evt.Str("dependency", checker.Name()).
			Bool("healthy", healthy).
			Str("detail", result.Message).
			Msg("dependency health changed")
		if m.OnChange != nil {
			m.OnChange(checker.Name(), healthy, result.Message)
		}
	}
}

// Snapshot returns the current healthy flag per dependency.
func (m *Monitor) Snapshot() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.statuses))
	for name, s := range m.statuses {
		out[name] = s.Healthy
	}
	return out
}
