package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/streamwarden/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const playlistColumns = `p.id, p.name, p.description, p.source_url, p.source_file, p.is_active,
	p.last_validated, p.created_at, p.updated_at`

func scanPlaylist(row pgx.Row, extra ...any) (*models.Playlist, error) {
	var pl models.Playlist
	var created, updated time.Time
	dest := []any{&pl.ID, &pl.Name, &pl.Description, &pl.SourceURL, &pl.SourceFile, &pl.Active,
		&pl.LastValidated, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	pl.CreatedAt, pl.UpdatedAt = &created, &updated
	return &pl, nil
}

// UpsertPlaylist creates a playlist by name, or updates its source and description.
func (p *Postgres) UpsertPlaylist(ctx context.Context, in PlaylistInput) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO playlists (name, description, source_url, source_file)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description, source_url = EXCLUDED.source_url,
		   source_file = EXCLUDED.source_file, updated_at = NOW()
		 RETURNING id`,
		in.Name, in.Description, in.SourceURL, in.SourceFile,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("UpsertPlaylist: %w", err)
	}
	return id, nil
}

// GetPlaylist returns a single playlist by id.
func (p *Postgres) GetPlaylist(ctx context.Context, playlistID int64) (*models.Playlist, error) {
	var count int64
	pl, err := scanPlaylist(p.pool.QueryRow(ctx,
		`SELECT `+playlistColumns+`, (SELECT COUNT(*) FROM channels c WHERE c.playlist_id = p.id)
		 FROM playlists p WHERE p.id = $1`, playlistID), &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("GetPlaylist %d: %w", playlistID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPlaylist: %w", err)
	}
	pl.ChannelCount = &count
	return pl, nil
}

// ListPlaylists returns all playlists with their channel counts.
func (p *Postgres) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	return p.listPlaylists(ctx, "ListPlaylists", `TRUE`)
}

// ListActivePlaylists returns active playlists ordered by id.
func (p *Postgres) ListActivePlaylists(ctx context.Context) ([]models.Playlist, error) {
	return p.listPlaylists(ctx, "ListActivePlaylists", `p.is_active`)
}

func (p *Postgres) listPlaylists(ctx context.Context, op, where string) ([]models.Playlist, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+playlistColumns+`, COALESCE(c.n, 0)
		 FROM playlists p
		 LEFT JOIN (SELECT playlist_id, COUNT(*) AS n FROM channels GROUP BY playlist_id) c
		   ON c.playlist_id = p.id
		 WHERE `+where+`
		 ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Playlist
	for rows.Next() {
		var count int64
		pl, err := scanPlaylist(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		pl.ChannelCount = &count
		out = append(out, *pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SetPlaylistValidated sets last_validated for the playlist.
func (p *Postgres) SetPlaylistValidated(ctx context.Context, playlistID int64, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE playlists SET last_validated = $2, updated_at = NOW() WHERE id = $1`, playlistID, at)
	if err != nil {
		return fmt.Errorf("SetPlaylistValidated: %w", err)
	}
	return nil
}

// UpdatePlaylist applies the set fields of patch. Renaming onto an existing
// name returns ErrConflict.
func (p *Postgres) UpdatePlaylist(ctx context.Context, playlistID int64, patch PlaylistPatch) (*models.Playlist, error) {
	var count int64
	pl, err := scanPlaylist(p.pool.QueryRow(ctx,
		`UPDATE playlists p SET
		   name = COALESCE($2, name),
		   description = COALESCE($3, description),
		   source_url = COALESCE($4, source_url),
		   is_active = COALESCE($5, is_active),
		   updated_at = NOW()
		 WHERE p.id = $1
		 RETURNING `+playlistColumns+`, (SELECT COUNT(*) FROM channels c WHERE c.playlist_id = p.id)`,
		playlistID, patch.Name, patch.Description, patch.SourceURL, patch.Active), &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("UpdatePlaylist %d: %w", playlistID, ErrNotFound)
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("UpdatePlaylist %d: %w", playlistID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("UpdatePlaylist: %w", err)
	}
	pl.ChannelCount = &count
	return pl, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// DeletePlaylist deletes a playlist and cascades to its channels.
func (p *Postgres) DeletePlaylist(ctx context.Context, playlistID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM playlists WHERE id = $1`, playlistID)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeletePlaylist %d: %w", playlistID, ErrNotFound)
	}
	return nil
}
