// Package probe checks whether a single stream address is reachable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one probe (lightweight check plus fallback) when none is configured.
	DefaultTimeout = 30 * time.Second

	// rangeBytes is how much of the body the fallback GET asks for.
	rangeBytes = 1024
)

var (
	// ErrEmptyURL is reported for blank addresses; no request is made.
	ErrEmptyURL = errors.New("empty URL")
	// ErrTimeout is reported when a probe exceeds its deadline.
	ErrTimeout = errors.New("request timeout")
)

// Outcome is the structured result of one probe.
type Outcome struct {
	Working    bool
	Elapsed    time.Duration
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

// TimedOut reports whether the probe was cut off by its deadline.
func (o Outcome) TimedOut() bool { return errors.Is(o.Err, ErrTimeout) }

// ErrorMessage returns the error text, or "" for a clean outcome.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Prober issues HEAD-then-ranged-GET liveness checks.
type Prober struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// New creates a Prober. client may be nil, in which case one tuned for many
// concurrent short-lived requests is created. Redirects are never followed:
// a 301/302 already proves the origin is answering.
func New(client *http.Client, userAgent string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          200,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Prober{client: &c, userAgent: userAgent, timeout: timeout}
}

// Timeout returns the per-probe deadline.
func (p *Prober) Timeout() time.Duration { return p.timeout }

// Probe checks address and never fails: every transport or protocol problem
// ends up in Outcome.Err.
func (p *Prober) Probe(ctx context.Context, address string) Outcome {
	address = strings.TrimSpace(address)
	if address == "" {
		return Outcome{Err: ErrEmptyURL}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()

	status, err := p.do(ctx, http.MethodHead, address, false)
	if err == nil {
		return Outcome{
			Working:    headAccepted(status),
			Elapsed:    time.Since(start),
			StatusCode: status,
			Err:        statusErr(status, headAccepted),
		}
	}
	if isTimeout(ctx, err) {
		return Outcome{Elapsed: time.Since(start), Err: ErrTimeout}
	}

	// Some origins reject or reset HEAD; ask for the first KiB instead.
	status, err = p.do(ctx, http.MethodGet, address, true)
	if err != nil {
		if isTimeout(ctx, err) {
			return Outcome{Elapsed: time.Since(start), Err: ErrTimeout}
		}
		return Outcome{Elapsed: time.Since(start), Err: err}
	}
	return Outcome{
		Working:    getAccepted(status),
		Elapsed:    time.Since(start),
		StatusCode: status,
		Err:        statusErr(status, getAccepted),
	}
}

func (p *Prober) do(ctx context.Context, method, address string, ranged bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, address, nil)
	if err != nil {
		return 0, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", rangeBytes-1))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if ranged {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, rangeBytes))
	}
	return resp.StatusCode, nil
}

func headAccepted(status int) bool {
	switch status {
	case http.StatusOK, http.StatusMovedPermanently, http.StatusFound:
		return true
	}
	return false
}

func getAccepted(status int) bool {
	return headAccepted(status) || status == http.StatusPartialContent
}

func statusErr(status int, accepted func(int) bool) error {
	if accepted(status) {
		return nil
	}
	return fmt.Errorf("HTTP %d", status)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
