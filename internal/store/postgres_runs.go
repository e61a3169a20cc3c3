package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voyagen/streamwarden/internal/models"
)

// ErrRunActive is returned when an operation needs a finished run.
var ErrRunActive = errors.New("run is still running")

const runColumns = `id, playlist_id, started_at, completed_at, status, total_channels, working_channels,
	failed_channels, removed_channels, duplicates_removed, message, error_details`

func scanRun(row pgx.Row, extra ...any) (*models.ValidationRun, error) {
	var r models.ValidationRun
	var status string
	dest := []any{&r.ID, &r.PlaylistID, &r.StartedAt, &r.CompletedAt, &status, &r.TotalChannels,
		&r.WorkingChannels, &r.FailedChannels, &r.RemovedChannels, &r.DuplicatesRemoved, &r.Message,
		&r.ErrorDetails}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	return &r, nil
}

// CreateRun inserts a running validation run.
func (p *Postgres) CreateRun(ctx context.Context, playlistID *int64, startedAt time.Time) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO validation_runs (playlist_id, started_at, status) VALUES ($1, $2, 'running')
		 RETURNING id`, playlistID, startedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateRun: %w", err)
	}
	return id, nil
}

// SetRunTotal records the channel count of a run.
func (p *Postgres) SetRunTotal(ctx context.Context, runID int64, total int) error {
	_, err := p.pool.Exec(ctx, `UPDATE validation_runs SET total_channels = $2 WHERE id = $1`, runID, total)
	if err != nil {
		return fmt.Errorf("SetRunTotal: %w", err)
	}
	return nil
}

// UpdateRunProgress stores the counters accumulated so far.
func (p *Postgres) UpdateRunProgress(ctx context.Context, runID int64, pr RunProgress) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE validation_runs SET working_channels = $2, failed_channels = $3, removed_channels = $4
		 WHERE id = $1`, runID, pr.Working, pr.Failed, pr.Removed)
	if err != nil {
		return fmt.Errorf("UpdateRunProgress: %w", err)
	}
	return nil
}

// FinishRun moves a running run to completed or failed.
func (p *Postgres) FinishRun(ctx context.Context, runID int64, f RunFinish) error {
	if f.Status != models.RunStatusCompleted && f.Status != models.RunStatusFailed {
		return fmt.Errorf("FinishRun: invalid final status %q", f.Status)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE validation_runs SET status = $2, completed_at = $3, working_channels = $4,
		   failed_channels = $5, removed_channels = $6, message = $7, error_details = $8
		 WHERE id = $1 AND status = 'running'`,
		runID, string(f.Status), f.CompletedAt, f.Progress.Working, f.Progress.Failed,
		f.Progress.Removed, f.Message, f.ErrorDetails)
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("FinishRun %d: %w", runID, ErrNotFound)
	}
	return nil
}

// SetRunsDuplicatesRemoved stores the consolidation dedup count on the given runs.
func (p *Postgres) SetRunsDuplicatesRemoved(ctx context.Context, runIDs []int64, n int) error {
	if len(runIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE validation_runs SET duplicates_removed = $2 WHERE id = ANY($1)`, runIDs, n)
	if err != nil {
		return fmt.Errorf("SetRunsDuplicatesRemoved: %w", err)
	}
	return nil
}

// GetRun returns a single run by id.
func (p *Postgres) GetRun(ctx context.Context, runID int64) (*models.ValidationRun, error) {
	r, err := scanRun(p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("GetRun %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first and the total count before limit/offset.
func (p *Postgres) ListRuns(ctx context.Context, filter RunFilter) ([]models.ValidationRun, int, error) {
	page := filter.Page.Normalize()
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+`, COUNT(*) OVER ()
		 FROM validation_runs
		 WHERE ($1::bigint IS NULL OR playlist_id = $1) AND ($2::text IS NULL OR status = $2)
		 ORDER BY started_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		filter.PlaylistID, status, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ListRuns: %w", err)
	}
	defer rows.Close()

	var out []models.ValidationRun
	total := 0
	for rows.Next() {
		r, err := scanRun(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("ListRuns scan: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListRuns: %w", err)
	}
	if len(out) == 0 && page.Offset > 0 {
		// Past the last page: COUNT(*) OVER () had no row to ride on.
		if err := p.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM validation_runs
			 WHERE ($1::bigint IS NULL OR playlist_id = $1) AND ($2::text IS NULL OR status = $2)`,
			filter.PlaylistID, status).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("ListRuns count: %w", err)
		}
	}
	return out, total, nil
}

// CountRunningRuns returns how many runs are in the running state.
func (p *Postgres) CountRunningRuns(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM validation_runs WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountRunningRuns: %w", err)
	}
	return n, nil
}

// FailStaleRuns marks runs that are still running and started before cutoff as failed.
func (p *Postgres) FailStaleRuns(ctx context.Context, cutoff time.Time, detail string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE validation_runs SET status = 'failed', completed_at = NOW(), error_details = $2
		 WHERE status = 'running' AND started_at < $1`, cutoff, detail)
	if err != nil {
		return 0, fmt.Errorf("FailStaleRuns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRun deletes a finished run; its outcomes go with it.
func (p *Postgres) DeleteRun(ctx context.Context, runID int64) error {
	var status string
	err := p.pool.QueryRow(ctx, `SELECT status FROM validation_runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("DeleteRun %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("DeleteRun: %w", err)
	}
	if models.RunStatus(status) == models.RunStatusRunning {
		return fmt.Errorf("DeleteRun %d: %w", runID, ErrRunActive)
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM validation_runs WHERE id = $1 AND status <> 'running'`, runID); err != nil {
		return fmt.Errorf("DeleteRun: %w", err)
	}
	return nil
}

// PruneRuns deletes finished runs started before cutoff.
func (p *Postgres) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM validation_runs WHERE status <> 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("PruneRuns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendOutcomes bulk-inserts one batch of outcomes with COPY.
func (p *Postgres) AppendOutcomes(ctx context.Context, outcomes []models.ValidationOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"validation_outcomes"},
		[]string{"run_id", "channel_id", "is_working", "response_time_ms", "status_code", "error_message", "checked_at"},
		pgx.CopyFromSlice(len(outcomes), func(i int) ([]any, error) {
			o := outcomes[i]
			return []any{o.RunID, o.ChannelID, o.Working, millis(o.ResponseTime), o.StatusCode, o.Error, o.CheckedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("AppendOutcomes: %w", err)
	}
	return nil
}

// ListOutcomes returns outcomes of a run in insertion order.
func (p *Postgres) ListOutcomes(ctx context.Context, runID int64, filter OutcomeFilter) ([]models.ValidationOutcome, int, error) {
	page := filter.Page.Normalize()
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM validation_outcomes
		 WHERE run_id = $1 AND ($2::boolean IS NULL OR is_working = $2)`,
		runID, filter.Working).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListOutcomes count: %w", err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, channel_id, is_working, response_time_ms, status_code, error_message, checked_at
		 FROM validation_outcomes
		 WHERE run_id = $1 AND ($2::boolean IS NULL OR is_working = $2)
		 ORDER BY id LIMIT $3 OFFSET $4`, runID, filter.Working, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ListOutcomes: %w", err)
	}
	defer rows.Close()

	var out []models.ValidationOutcome
	for rows.Next() {
		var o models.ValidationOutcome
		var ms float64
		if err := rows.Scan(&o.ID, &o.RunID, &o.ChannelID, &o.Working, &ms, &o.StatusCode, &o.Error, &o.CheckedAt); err != nil {
			return nil, 0, fmt.Errorf("ListOutcomes scan: %w", err)
		}
		o.ResponseTime = fromMillis(ms)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListOutcomes: %w", err)
	}
	return out, total, nil
}
