package validation

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/probe"
)

func TestApplyFailure(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		name         string
		prior        int
		attempts     int
		wantFailures int
		wantDeact    bool
	}{
		{"first failure", 0, 3, 1, false},
		{"below threshold", 1, 3, 2, false},
		{"reaches threshold", 2, 3, 3, true},
		{"single attempt", 0, 1, 1, true},
		{"already past threshold", 5, 3, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := models.Channel{ID: 7, FailureCount: tt.prior, Active: true, Working: true}
			u := ApplyFailure(ch, probe.Outcome{Err: errors.New("HTTP 500"), Elapsed: time.Second}, at, tt.attempts)
			if u.FailureCount != tt.wantFailures || u.Deactivate != tt.wantDeact {
				t.Errorf("got failures=%d deactivate=%v, want %d %v", u.FailureCount, u.Deactivate, tt.wantFailures, tt.wantDeact)
			}
			if u.Working || u.ChannelID != 7 || !u.CheckedAt.Equal(at) || u.ResponseTime != time.Second {
				t.Errorf("update = %+v", u)
			}
		})
	}
}

func TestApplySuccess(t *testing.T) {
	at := time.Now()
	ch := models.Channel{ID: 3, FailureCount: 2, Working: false}
	u := ApplySuccess(ch, probe.Outcome{Working: true, Elapsed: 120 * time.Millisecond}, at)
	if !u.Working || u.FailureCount != 0 || u.Deactivate || u.Promoted {
		t.Errorf("update = %+v", u)
	}
	if u.ResponseTime != 120*time.Millisecond {
		t.Errorf("ResponseTime = %v", u.ResponseTime)
	}
}

func TestApplyPromotion(t *testing.T) {
	ch := models.Channel{ID: 1, ChannelDraft: models.ChannelDraft{
		StreamURL:       "http://a/primary",
		AlternativeURLs: []string{"http://b/one", "http://c/two"},
	}}
	u := ApplySuccess(ch, probe.Outcome{Working: true}, time.Now())
	ApplyPromotion(&u, ch, 1, 3)

	if !u.Promoted || u.StreamURL != "http://c/two" {
		t.Errorf("promotion = %+v", u)
	}
	if want := []string{"http://b/one", "http://a/primary"}; !slices.Equal(u.AlternativeURLs, want) {
		t.Errorf("alternates = %v, want %v", u.AlternativeURLs, want)
	}
	if ch.AlternativeURLs[1] != "http://c/two" {
		t.Error("channel's alternates were modified in place")
	}
	if u.FallbackFailureCount != 1 || u.FallbackDeactivate {
		t.Errorf("fallback = %d/%v, want 1/false", u.FallbackFailureCount, u.FallbackDeactivate)
	}
}

func TestApplyBlockedPromotion(t *testing.T) {
	ch := models.Channel{ID: 4, FailureCount: 2, ChannelDraft: models.ChannelDraft{
		StreamURL:       "http://a/primary",
		AlternativeURLs: []string{"http://b/taken"},
	}}
	u := ApplySuccess(ch, probe.Outcome{Working: true}, time.Now())
	ApplyPromotion(&u, ch, 0, 3)

	got := ApplyBlockedPromotion(u)
	if got.Working || got.Promoted || got.FailureCount != 3 || !got.Deactivate {
		t.Errorf("blocked = %+v, want failing and deactivated", got)
	}
	if got.StreamURL != "" || got.AlternativeURLs != nil {
		t.Errorf("blocked update still carries addresses: %+v", got)
	}
	if !u.Promoted {
		t.Error("original update modified")
	}
}

func TestToOutcome(t *testing.T) {
	at := time.Now()
	o := toOutcome(9, 4, probe.Outcome{StatusCode: 404, Err: errors.New("HTTP 404")}, at)
	if o.RunID != 9 || o.ChannelID != 4 || o.Working {
		t.Errorf("outcome = %+v", o)
	}
	if o.StatusCode == nil || *o.StatusCode != 404 || o.Error == nil || *o.Error != "HTTP 404" {
		t.Errorf("status/error = %v %v", o.StatusCode, o.Error)
	}

	o = toOutcome(9, 4, probe.Outcome{Err: probe.ErrTimeout}, at)
	if o.StatusCode != nil {
		t.Errorf("timeout has status code %d", *o.StatusCode)
	}

	o = toOutcome(9, 4, probe.Outcome{Working: true, StatusCode: 200}, at)
	if o.Error != nil {
		t.Errorf("working outcome has error %q", *o.Error)
	}
}
