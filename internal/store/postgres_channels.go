package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voyagen/streamwarden/internal/models"
)

const channelColumns = `c.id, c.playlist_id, c.name, c.group_title, c.tvg_id, c.tvg_name, c.tvg_logo,
	c.tvg_epg, c.logo, c.stream_url, c.alternative_urls, c.is_active, c.is_working, c.check_count,
	c.failure_count, c.response_time_ms, c.last_checked, c.created_at, c.updated_at`

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var ch models.Channel
	var responseMS *float64
	var created, updated time.Time
	err := row.Scan(&ch.ID, &ch.PlaylistID, &ch.Name, &ch.GroupTitle, &ch.TvgID, &ch.TvgName,
		&ch.TvgLogo, &ch.TvgEPG, &ch.Logo, &ch.StreamURL, &ch.AlternativeURLs, &ch.Active,
		&ch.Working, &ch.CheckCount, &ch.FailureCount, &responseMS, &ch.LastChecked, &created, &updated)
	if err != nil {
		return nil, err
	}
	if responseMS != nil {
		d := fromMillis(*responseMS)
		ch.LastResponseTime = &d
	}
	ch.CreatedAt, ch.UpdatedAt = &created, &updated
	return &ch, nil
}

func collectChannels(op string, rows pgx.Rows) ([]models.Channel, error) {
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// UpsertChannel inserts or updates a channel of the playlist. An existing
// channel matches when the draft's address is its primary or one of its
// alternates, so a channel whose alternate was promoted keeps its id and
// history. Only playlist-sourced metadata is overwritten; stored alternates
// are kept when the draft carries none.
func (p *Postgres) UpsertChannel(ctx context.Context, playlistID int64, d models.ChannelDraft) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("UpsertChannel begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id         int64
		storedURL  string
		storedAlts []string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, stream_url, alternative_urls FROM channels
		 WHERE playlist_id = $1 AND (stream_url = $2 OR $2 = ANY(alternative_urls))
		 ORDER BY (stream_url = $2) DESC, id
		 LIMIT 1
		 FOR UPDATE`,
		playlistID, d.StreamURL,
	).Scan(&id, &storedURL, &storedAlts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		alts := d.AlternativeURLs
		if alts == nil {
			alts = []string{}
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO channels (playlist_id, name, group_title, tvg_id, tvg_name, tvg_logo, tvg_epg,
			   stream_url, alternative_urls)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (playlist_id, stream_url) DO UPDATE SET
			   name = EXCLUDED.name, group_title = EXCLUDED.group_title, tvg_id = EXCLUDED.tvg_id,
			   tvg_name = EXCLUDED.tvg_name, tvg_logo = EXCLUDED.tvg_logo, tvg_epg = EXCLUDED.tvg_epg,
			   alternative_urls = CASE WHEN cardinality(EXCLUDED.alternative_urls) > 0
			     THEN EXCLUDED.alternative_urls ELSE channels.alternative_urls END,
			   updated_at = NOW()
			 RETURNING id`,
			playlistID, d.Name, d.GroupTitle, d.TvgID, d.TvgName, d.TvgLogo, d.TvgEPG, d.StreamURL, alts,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("UpsertChannel insert: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("UpsertChannel lookup: %w", err)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE channels SET
			   name = $2, group_title = $3, tvg_id = $4, tvg_name = $5, tvg_logo = $6, tvg_epg = $7,
			   alternative_urls = $8, updated_at = NOW()
			 WHERE id = $1`,
			id, d.Name, d.GroupTitle, d.TvgID, d.TvgName, d.TvgLogo, d.TvgEPG,
			mergeAlternates(storedURL, storedAlts, d),
		)
		if err != nil {
			return 0, fmt.Errorf("UpsertChannel update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("UpsertChannel commit: %w", err)
	}
	return id, nil
}

// mergeAlternates returns the alternates to store for an existing channel
// whose primary is storedURL. A draft without alternates keeps the stored
// ones. Otherwise the draft's addresses, minus the current primary, become
// the alternates, so a promoted channel keeps its old primary as a fallback.
func mergeAlternates(storedURL string, storedAlts []string, d models.ChannelDraft) []string {
	if len(d.AlternativeURLs) == 0 {
		if storedAlts == nil {
			return []string{}
		}
		return storedAlts
	}
	out := make([]string, 0, len(d.AlternativeURLs)+1)
	seen := map[string]bool{storedURL: true}
	for _, u := range append([]string{d.StreamURL}, d.AlternativeURLs...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// RemoveStaleChannels deletes channels of the playlist whose id is not in keepIDs.
func (p *Postgres) RemoveStaleChannels(ctx context.Context, playlistID int64, keepIDs []int64) (int64, error) {
	if keepIDs == nil {
		keepIDs = []int64{}
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM channels WHERE playlist_id = $1 AND NOT (id = ANY($2))`, playlistID, keepIDs)
	if err != nil {
		return 0, fmt.Errorf("RemoveStaleChannels: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListChannels returns channels of a playlist ordered by id.
func (p *Postgres) ListChannels(ctx context.Context, playlistID int64, activeOnly bool) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels c
		 WHERE c.playlist_id = $1 AND (NOT $2 OR c.is_active)
		 ORDER BY c.id`, playlistID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	return collectChannels("ListChannels", rows)
}

// GetChannel returns a single channel by id.
func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	ch, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("GetChannel %d: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return ch, nil
}

// UpdateChannel applies an administrative edit. Reactivating a deactivated
// channel resets its failure count so one more failure does not deactivate it
// again. Moving the primary onto an address another channel of the playlist
// uses returns ErrConflict.
func (p *Postgres) UpdateChannel(ctx context.Context, channelID int64, patch ChannelPatch) (*models.Channel, error) {
	ch, err := scanChannel(p.pool.QueryRow(ctx,
		`UPDATE channels c SET
		   name = COALESCE($2, name),
		   group_title = COALESCE($3, group_title),
		   logo = COALESCE($4, logo),
		   tvg_id = COALESCE($5, tvg_id),
		   tvg_name = COALESCE($6, tvg_name),
		   tvg_logo = COALESCE($7, tvg_logo),
		   tvg_epg = COALESCE($8, tvg_epg),
		   stream_url = COALESCE($9, stream_url),
		   alternative_urls = COALESCE($10::text[], alternative_urls),
		   failure_count = CASE WHEN $11::boolean AND NOT is_active THEN 0 ELSE failure_count END,
		   is_active = COALESCE($11::boolean, is_active),
		   updated_at = NOW()
		 WHERE c.id = $1
		 RETURNING `+channelColumns,
		channelID, patch.Name, patch.GroupTitle, patch.Logo, patch.TvgID, patch.TvgName,
		patch.TvgLogo, patch.TvgEPG, patch.StreamURL, patch.AlternativeURLs, patch.Active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("UpdateChannel %d: %w", channelID, ErrNotFound)
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("UpdateChannel %d: %w", channelID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateChannel: %w", err)
	}
	return ch, nil
}

// DeleteChannel deletes a channel; its outcomes cascade.
func (p *Postgres) DeleteChannel(ctx context.Context, channelID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("DeleteChannel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeleteChannel %d: %w", channelID, ErrNotFound)
	}
	return nil
}

// ListPublishableChannels returns active, working channels of active playlists,
// ordered by playlist then channel id so the generated file is stable.
func (p *Postgres) ListPublishableChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels c
		 JOIN playlists p ON p.id = c.playlist_id
		 WHERE c.is_active AND c.is_working AND p.is_active
		 ORDER BY c.playlist_id, c.id`)
	if err != nil {
		return nil, fmt.Errorf("ListPublishableChannels: %w", err)
	}
	return collectChannels("ListPublishableChannels", rows)
}

// UpdateChannelStatus applies one validation result and reports whether a
// requested promotion took effect. A promotion is blocked when another channel
// of the same playlist already uses the address; the channel is then stored as
// failing with the update's fallback counters and keeps its primary.
func (p *Postgres) UpdateChannelStatus(ctx context.Context, u ChannelStatusUpdate) (bool, error) {
	alts := u.AlternativeURLs
	if alts == nil {
		alts = []string{}
	}
	var promoted bool
	err := p.pool.QueryRow(ctx,
		`WITH target AS (
		   SELECT c.id, ($7::boolean AND EXISTS (
		       SELECT 1 FROM channels o
		       WHERE o.playlist_id = c.playlist_id AND o.stream_url = $8::text AND o.id <> c.id)) AS blocked
		   FROM channels c WHERE c.id = $1
		 )
		 UPDATE channels SET
		   is_working = CASE WHEN t.blocked THEN FALSE ELSE $2::boolean END,
		   failure_count = CASE WHEN t.blocked THEN $10::integer ELSE $3::integer END,
		   is_active = CASE WHEN (CASE WHEN t.blocked THEN $11::boolean ELSE $4::boolean END)
		     THEN FALSE ELSE is_active END,
		   check_count = check_count + 1,
		   response_time_ms = $5,
		   last_checked = $6,
		   stream_url = CASE WHEN $7::boolean AND NOT t.blocked THEN $8::text ELSE stream_url END,
		   alternative_urls = CASE WHEN $7::boolean AND NOT t.blocked THEN $9::text[] ELSE alternative_urls END,
		   updated_at = NOW()
		 FROM target t
		 WHERE channels.id = t.id
		 RETURNING $7::boolean AND NOT t.blocked`,
		u.ChannelID, u.Working, u.FailureCount, u.Deactivate, millis(u.ResponseTime), u.CheckedAt,
		u.Promoted, u.StreamURL, alts, u.FallbackFailureCount, u.FallbackDeactivate,
	).Scan(&promoted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("UpdateChannelStatus %d: %w", u.ChannelID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("UpdateChannelStatus: %w", err)
	}
	return promoted, nil
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMillis(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }
