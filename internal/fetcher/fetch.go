// Package fetcher loads playlist source text from remote URLs and local files.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/voyagen/streamwarden/internal/m3u"
	"github.com/voyagen/streamwarden/internal/models"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMaxSize = 10 * 1024 * 1024
)

// ErrTooLarge is returned when a playlist source exceeds the configured size limit.
var ErrTooLarge = errors.New("playlist exceeds maximum size")

// Options configures a Fetcher.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	MaxSize   int64
	// BlockPrivate refuses sources that resolve to private, loopback or link-local addresses.
	BlockPrivate bool
}

// Fetcher retrieves playlist sources and parses them into channel drafts.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxSize   int64
}

// New creates a Fetcher. Zero option values fall back to a 30s timeout and a 10 MiB size cap.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	var client *http.Client
	if opts.BlockPrivate {
		cfg := safeurl.GetConfigBuilder().
			SetTimeout(opts.Timeout).
			SetAllowedSchemes("http", "https").
			Build()
		client = safeurl.Client(cfg).Client
	} else {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{client: client, userAgent: opts.UserAgent, maxSize: opts.MaxSize}
}

// FetchURL downloads the playlist at url and parses it.
func (f *Fetcher) FetchURL(ctx context.Context, url string) ([]models.ChannelDraft, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("ReadAll: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, ErrTooLarge
	}
	return parse(body)
}

// ReadFile reads and parses a playlist from the local filesystem. Bytes that are
// not valid UTF-8 are decoded as ISO-8859-1.
func (f *Fetcher) ReadFile(path string) ([]models.ChannelDraft, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > f.maxSize {
		return nil, ErrTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) ([]models.ChannelDraft, error) {
	text, err := m3u.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	drafts, err := m3u.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return drafts, nil
}
