package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voyagen/streamwarden/internal/fetcher"
	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/store"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type channelKey struct {
	playlistID int64
	url        string
}

// memStore keys channels by (playlist, stream URL) like the channels table.
type memStore struct {
	playlists map[string]*models.Playlist
	channels  map[channelKey]int64
	drafts    map[int64]models.ChannelDraft
	nextID    int64
	upsertErr error
	pruned    []time.Time
	pruneN    int64
	staleN    int64
}

func newMemStore() *memStore {
	return &memStore{
		playlists: map[string]*models.Playlist{},
		channels:  map[channelKey]int64{},
		drafts:    map[int64]models.ChannelDraft{},
	}
}

func (m *memStore) UpsertPlaylist(_ context.Context, in store.PlaylistInput) (int64, error) {
	if pl, ok := m.playlists[in.Name]; ok {
		pl.Description, pl.SourceURL, pl.SourceFile = in.Description, in.SourceURL, in.SourceFile
		return pl.ID, nil
	}
	m.nextID++
	m.playlists[in.Name] = &models.Playlist{
		ID: m.nextID, Name: in.Name, Description: in.Description,
		SourceURL: in.SourceURL, SourceFile: in.SourceFile, Active: true,
	}
	return m.nextID, nil
}

func (m *memStore) GetPlaylist(_ context.Context, id int64) (*models.Playlist, error) {
	for _, pl := range m.playlists {
		if pl.ID == id {
			cp := *pl
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("GetPlaylist %d: %w", id, store.ErrNotFound)
}

func (m *memStore) UpsertChannel(_ context.Context, playlistID int64, d models.ChannelDraft) (int64, error) {
	if m.upsertErr != nil {
		return 0, m.upsertErr
	}
	k := channelKey{playlistID, d.StreamURL}
	id, ok := m.channels[k]
	if !ok {
		m.nextID++
		id = m.nextID
		m.channels[k] = id
	}
	m.drafts[id] = d
	return id, nil
}

func (m *memStore) RemoveStaleChannels(_ context.Context, playlistID int64, keepIDs []int64) (int64, error) {
	keep := map[int64]bool{}
	for _, id := range keepIDs {
		keep[id] = true
	}
	var n int64
	for k, id := range m.channels {
		if k.playlistID == playlistID && !keep[id] {
			delete(m.channels, k)
			delete(m.drafts, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) PruneRuns(_ context.Context, cutoff time.Time) (int64, error) {
	m.pruned = append(m.pruned, cutoff)
	return m.pruneN, nil
}

func (m *memStore) FailStaleRuns(_ context.Context, _ time.Time, _ string) (int64, error) {
	return m.staleN, nil
}

func (m *memStore) urls(playlistID int64) map[string]bool {
	out := map[string]bool{}
	for k := range m.channels {
		if k.playlistID == playlistID {
			out[k.url] = true
		}
	}
	return out
}

type fakeSource struct {
	byURL  map[string]string
	byFile map[string]string
	err    error
	calls  []string
}

func (f *fakeSource) FetchURL(_ context.Context, url string) ([]models.ChannelDraft, error) {
	f.calls = append(f.calls, "url:"+url)
	if f.err != nil {
		return nil, f.err
	}
	return drafts(f.byURL[url]), nil
}

func (f *fakeSource) ReadFile(path string) ([]models.ChannelDraft, error) {
	f.calls = append(f.calls, "file:"+path)
	if f.err != nil {
		return nil, f.err
	}
	return drafts(f.byFile[path]), nil
}

// drafts turns "name=url,name=url" into channel drafts.
func drafts(spec string) []models.ChannelDraft {
	var out []models.ChannelDraft
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		name, url, _ := strings.Cut(part, "=")
		out = append(out, models.ChannelDraft{Name: name, StreamURL: url})
	}
	return out
}

func strPtr(s string) *string { return &s }

func TestIngest_CreatesPlaylistAndChannels(t *testing.T) {
	s := newMemStore()
	src := &fakeSource{byURL: map[string]string{
		"http://src/list.m3u": "One=http://a/1,Two=http://a/2,Blank=",
	}}
	var logs bytes.Buffer

	res, err := Ingest(context.Background(), s, src, IngestRequest{
		Name: "sports", SourceURL: strPtr("http://src/list.m3u"),
	}, newTestLogger(&logs))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Channels != 2 || res.Removed != 0 {
		t.Errorf("result = %+v, want 2 channels", res)
	}
	if got := s.urls(res.PlaylistID); !got["http://a/1"] || !got["http://a/2"] || len(got) != 2 {
		t.Errorf("stored urls = %v", got)
	}
	if !strings.Contains(logs.String(), `"msg":"playlist ingested"`) {
		t.Errorf("missing ingest log: %s", logs.String())
	}
}

func TestIngest_ReingestRemovesStale(t *testing.T) {
	s := newMemStore()
	src := &fakeSource{byURL: map[string]string{"http://src/a": "One=http://a/1,Two=http://a/2"}}
	req := IngestRequest{Name: "main", SourceURL: strPtr("http://src/a")}
	first, err := Ingest(context.Background(), s, src, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	keptID := s.channels[channelKey{first.PlaylistID, "http://a/1"}]

	src.byURL["http://src/a"] = "One renamed=http://a/1,Three=http://a/3"
	second, err := Ingest(context.Background(), s, src, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.PlaylistID != first.PlaylistID {
		t.Errorf("playlist id changed: %d -> %d", first.PlaylistID, second.PlaylistID)
	}
	if second.Removed != 1 {
		t.Errorf("Removed = %d, want 1", second.Removed)
	}
	if id := s.channels[channelKey{first.PlaylistID, "http://a/1"}]; id != keptID {
		t.Errorf("existing channel re-created: %d -> %d", keptID, id)
	}
	if s.drafts[keptID].Name != "One renamed" {
		t.Errorf("name not updated: %q", s.drafts[keptID].Name)
	}
	if got := s.urls(first.PlaylistID); got["http://a/2"] || !got["http://a/3"] {
		t.Errorf("stored urls = %v", got)
	}
}

func TestIngest_ReingestWithLongLineKeepsChannels(t *testing.T) {
	s := newMemStore()
	src := fetcher.New(fetcher.Options{})
	path := filepath.Join(t.TempDir(), "news.m3u")
	base := "#EXTM3U\n#EXTINF:-1,One\nhttp://a/1\n#EXTINF:-1,Two\nhttp://a/2\n"
	if err := os.WriteFile(path, []byte(base), 0o644); err != nil {
		t.Fatal(err)
	}
	req := IngestRequest{Name: "news", SourceFile: strPtr(path)}
	first, err := Ingest(context.Background(), s, src, req, nil)
	if err != nil || first.Channels != 2 {
		t.Fatalf("first ingest = %+v, %v", first, err)
	}

	long := "#EXTINF:-1 tvg-logo=\"data:image/png;base64," + strings.Repeat("C", 2<<20) + "\",Three\nhttp://a/3\n"
	if err := os.WriteFile(path, []byte(base+long), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := Ingest(context.Background(), s, src, req, nil)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Channels != 3 || second.Removed != 0 {
		t.Errorf("second ingest = %+v, want 3 channels and nothing removed", second)
	}
	if got := s.urls(first.PlaylistID); len(got) != 3 || !got["http://a/1"] || !got["http://a/3"] {
		t.Errorf("stored urls = %v", got)
	}
}

func TestIngest_SameURLInTwoPlaylistsKeptSeparately(t *testing.T) {
	s := newMemStore()
	src := &fakeSource{byURL: map[string]string{
		"http://src/a": "One=http://shared/1",
		"http://src/b": "Uno=http://shared/1",
	}}
	a, err := Ingest(context.Background(), s, src, IngestRequest{Name: "a", SourceURL: strPtr("http://src/a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Ingest(context.Background(), s, src, IngestRequest{Name: "b", SourceURL: strPtr("http://src/b")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.urls(a.PlaylistID)) != 1 || len(s.urls(b.PlaylistID)) != 1 {
		t.Error("channel shared between playlists was deduplicated at ingest")
	}
}

func TestIngest_SourceSelection(t *testing.T) {
	tests := []struct {
		name    string
		req     IngestRequest
		wantErr error
		call    string
		wantPl  string
	}{
		{"neither", IngestRequest{Name: "x"}, ErrNoSource, "", ""},
		{"both", IngestRequest{SourceURL: strPtr("http://s/x"), SourceFile: strPtr("/tmp/x.m3u")}, ErrNoSource, "", ""},
		{"blank url", IngestRequest{SourceURL: strPtr("  ")}, ErrNoSource, "", ""},
		{"file", IngestRequest{SourceFile: strPtr("/data/kids.m3u")}, nil, "file:/data/kids.m3u", "kids"},
		{"url name derived", IngestRequest{SourceURL: strPtr("http://s/lists/news.m3u8")}, nil, "url:http://s/lists/news.m3u8", "news"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemStore()
			src := &fakeSource{}
			_, err := Ingest(context.Background(), s, src, tt.req, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(src.calls) != 0 {
					t.Errorf("source called: %v", src.calls)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(src.calls) != 1 || src.calls[0] != tt.call {
				t.Errorf("calls = %v, want %s", src.calls, tt.call)
			}
			if _, ok := s.playlists[tt.wantPl]; !ok {
				t.Errorf("playlist %q not created; have %v", tt.wantPl, s.playlists)
			}
		})
	}
}

func TestIngest_FetchFailureLeavesStoreUntouched(t *testing.T) {
	s := newMemStore()
	src := &fakeSource{err: errors.New("HTTP 503")}
	_, err := Ingest(context.Background(), s, src, IngestRequest{Name: "x", SourceURL: strPtr("http://s/x")}, nil)
	if !errors.Is(err, ErrSourceLoad) || !strings.Contains(err.Error(), "HTTP 503") {
		t.Fatalf("err = %v", err)
	}
	if len(s.playlists) != 0 {
		t.Error("playlist created despite fetch failure")
	}
}

func TestIngest_UpsertFailure(t *testing.T) {
	s := newMemStore()
	s.upsertErr = errors.New("unique violation")
	src := &fakeSource{byURL: map[string]string{"http://s/x": "One=http://a/1"}}
	_, err := Ingest(context.Background(), s, src, IngestRequest{Name: "x", SourceURL: strPtr("http://s/x")}, nil)
	if err == nil || !strings.Contains(err.Error(), "UpsertChannel") {
		t.Fatalf("err = %v", err)
	}
}

func TestRefresh(t *testing.T) {
	s := newMemStore()
	src := &fakeSource{byFile: map[string]string{"/data/a.m3u": "One=http://a/1"}}
	res, err := Ingest(context.Background(), s, src, IngestRequest{Name: "a", Description: "desc", SourceFile: strPtr("/data/a.m3u")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	src.byFile["/data/a.m3u"] = "One=http://a/1,Two=http://a/2"
	again, err := Refresh(context.Background(), s, src, res.PlaylistID, nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if again.PlaylistID != res.PlaylistID || again.Channels != 2 {
		t.Errorf("refresh = %+v", again)
	}
	if s.playlists["a"].Description != "desc" {
		t.Error("description lost on refresh")
	}

	if _, err := Refresh(context.Background(), s, src, 999, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown playlist err = %v", err)
	}

	s.playlists["bare"] = &models.Playlist{ID: 500, Name: "bare"}
	if _, err := Refresh(context.Background(), s, src, 500, nil); !errors.Is(err, ErrNoStoredSource) {
		t.Errorf("sourceless playlist err = %v", err)
	}
}
