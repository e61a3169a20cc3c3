// Package consolidate turns the current channel state into the single
// generated playlist file.
package consolidate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voyagen/streamwarden/internal/config"
	"github.com/voyagen/streamwarden/internal/m3u"
	"github.com/voyagen/streamwarden/internal/metrics"
	"github.com/voyagen/streamwarden/internal/models"
)

// DefaultGroup is written for channels without a group title.
const DefaultGroup = "General"

// ChannelSource lists the channels eligible for publication:
// active, working, in an active playlist.
type ChannelSource interface {
	ListPublishableChannels(ctx context.Context) ([]models.Channel, error)
}

// Result describes one generated file.
type Result struct {
	Path              string    `json:"path"`
	Channels          int       `json:"channels"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	Bytes             int       `json:"bytes"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Consolidator writes the generated playlist. It only reads channel state.
type Consolidator struct {
	src  ChannelSource
	path string
	log  *slog.Logger
	rec  metrics.Recorder
	mu   sync.Mutex
}

// New creates a Consolidator writing to out.Path().
func New(src ChannelSource, out config.Output, log *slog.Logger, rec metrics.Recorder) *Consolidator {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Consolidator{src: src, path: out.Path(), log: log, rec: rec}
}

// Path is where the generated playlist lives.
func (c *Consolidator) Path() string { return c.path }

// Generate rebuilds the playlist file. On any error the previous file is left as it was.
func (c *Consolidator) Generate(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels, err := c.src.ListPublishableChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("consolidate: list channels: %w", err)
	}
	drafts := make([]models.ChannelDraft, 0, len(channels))
	for _, ch := range channels {
		drafts = append(drafts, ToDraft(ch))
	}
	drafts, removed := m3u.Deduplicate(drafts)

	var buf bytes.Buffer
	if err := m3u.Encode(&buf, drafts); err != nil {
		return nil, fmt.Errorf("consolidate: encode: %w", err)
	}
	if err := WriteFileAtomic(c.path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}

	res := &Result{
		Path:              c.path,
		Channels:          len(drafts),
		DuplicatesRemoved: removed,
		Bytes:             buf.Len(),
		GeneratedAt:       time.Now().UTC(),
	}
	c.rec.RecordArtifact(res.Channels, res.DuplicatesRemoved)
	c.log.Info("playlist generated",
		slog.String("path", res.Path),
		slog.Int("channels", res.Channels),
		slog.Int("duplicates_removed", res.DuplicatesRemoved),
	)
	return res, nil
}

// ToDraft maps a stored channel to the record written to the playlist file.
// Alternate addresses are not published.
func ToDraft(ch models.Channel) models.ChannelDraft {
	d := models.ChannelDraft{
		Name:       ch.Name,
		GroupTitle: ch.GroupTitle,
		TvgID:      ch.TvgID,
		TvgName:    ch.TvgName,
		TvgLogo:    ch.TvgLogo,
		TvgEPG:     ch.TvgEPG,
		StreamURL:  ch.StreamURL,
	}
	if d.GroupTitle == "" {
		d.GroupTitle = DefaultGroup
	}
	if d.TvgName == "" {
		d.TvgName = ch.Name
	}
	if d.TvgLogo == "" {
		d.TvgLogo = ch.Logo
	}
	return d
}

// WriteFileAtomic replaces path with data via a synced temp file in the same
// directory and a rename, so readers see either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
