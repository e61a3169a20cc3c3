package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RunPruner deletes finished validation runs.
type RunPruner interface {
	PruneRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleRunFailer marks runs left in the running state as failed.
type StaleRunFailer interface {
	FailStaleRuns(ctx context.Context, cutoff time.Time, detail string) (int64, error)
}

// PruneRuns deletes runs, with their outcomes, that started more than
// retention ago. A non-positive retention keeps everything.
func PruneRuns(ctx context.Context, s RunPruner, retention time.Duration, now time.Time, log *slog.Logger) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.PruneRuns(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if n > 0 && log != nil {
		log.Info("old validation runs pruned", slog.Int64("deleted", n), slog.Duration("retention", retention))
	}
	return n, nil
}

// RecoverInterruptedRuns fails every run still marked running at startup.
// Nothing else is running yet, so those runs were cut off by a previous exit.
func RecoverInterruptedRuns(ctx context.Context, s StaleRunFailer, now time.Time, log *slog.Logger) (int64, error) {
	n, err := s.FailStaleRuns(ctx, now, "interrupted by service restart")
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 && log != nil {
		log.Warn("interrupted validation runs marked failed", slog.Int64("runs", n))
	}
	return n, nil
}
