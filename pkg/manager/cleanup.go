package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vantage6/vantage6/pkg/types"
)

const (
	// cleanupLockName is the advisory lock serializing cleanup passes
	// across coordinator replicas and offline tooling.
	cleanupLockName = "run-cleanup"

	// cleanupLockTTL reaps the lock of a holder that died mid-pass.
	cleanupLockTTL = 15 * time.Minute
)

// BlobDeleter removes result blobs that the cleanup pass retires. The blob
// adapters implement it.
type BlobDeleter interface {
	Delete(ctx context.Context, id string) error
}

// CleanupPolicy controls the result data-lifecycle pass.
type CleanupPolicy struct {
	// RunsDataCleanupDays retires completed run results older than this
	// many days. Zero disables cleanup.
	RunsDataCleanupDays int
	// CleanupInputs also clears the (encrypted) task input.
	CleanupInputs bool
	// Interval between passes.
	Interval time.Duration
}

// RunCleanupLoop blanks result payloads of completed runs that passed the
// retention window, leader-gated so only one replica does the work. Logs
// are retained. Blobs referenced by cleaned runs are deleted through the
// adapter.
func (m *Manager) RunCleanupLoop(ctx context.Context, policy CleanupPolicy, blobs BlobDeleter) {
	if policy.RunsDataCleanupDays <= 0 {
		m.logger.Info().Msg("run data cleanup disabled")
		return
	}
	interval := policy.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			if err := m.CleanupRuns(ctx, policy, blobs); err != nil {
				m.logger.Error().Err(err).Msg("run cleanup pass failed")
			}
		}
	}
}

// CleanupRuns performs a single cleanup pass under the cleanup lock. Only
// completed runs are touched: failed runs keep their payloads for
// debugging. A pass already running elsewhere makes this one a no-op.
func (m *Manager) CleanupRuns(ctx context.Context, policy CleanupPolicy, blobs BlobDeleter) error {
	pid := fmt.Sprintf("%s:%d", m.serverID, os.Getpid())
	acquired, err := m.store.AcquireLock(cleanupLockName, pid, 0, cleanupLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		m.logger.Debug().Msg("cleanup lock held elsewhere; skipping pass")
		return nil
	}
	defer func() {
		if err := m.store.ReleaseLock(cleanupLockName, pid); err != nil {
			m.logger.Warn().Err(err).Msg("cannot release cleanup lock")
		}
	}()

	cutoff := time.Now().AddDate(0, 0, -policy.RunsDataCleanupDays)

	runs, err := m.store.ListRuns()
	if err != nil {
		return err
	}

	cleaned := 0
	for _, run := range runs {
		if run.Status != types.RunCompleted {
			continue
		}
		if !run.CleanupAt.IsZero() {
			continue // already cleaned
		}
		if run.FinishedAt.IsZero() || run.FinishedAt.After(cutoff) {
			continue
		}

		if run.BlobStorageUsed && blobs != nil {
			if run.Result != "" {
				if err := blobs.Delete(ctx, run.Result); err != nil {
					m.logger.Error().Err(err).Int("run_id", run.ID).Msg("failed to delete result blob")
					continue
				}
			}
			if policy.CleanupInputs && run.Input != "" {
				if err := blobs.Delete(ctx, run.Input); err != nil {
					m.logger.Error().Err(err).Int("run_id", run.ID).Msg("failed to delete input blob")
					continue
				}
			}
		}

		run.Result = ""
		if policy.CleanupInputs {
			run.Input = ""
		}
		run.CleanupAt = time.Now()

		if err := m.apply("update_run", run); err != nil {
			return err
		}
		cleaned++
	}

	if cleaned > 0 {
		m.logger.Info().Int("runs", cleaned).Msg("cleaned run data")
	}
	return nil
}
