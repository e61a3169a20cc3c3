package validation

import (
	"slices"
	"time"

	"github.com/voyagen/streamwarden/internal/models"
	"github.com/voyagen/streamwarden/internal/probe"
	"github.com/voyagen/streamwarden/internal/store"
)

// ApplySuccess returns the status update for a channel whose stream answered.
func ApplySuccess(ch models.Channel, out probe.Outcome, checkedAt time.Time) store.ChannelStatusUpdate {
	return store.ChannelStatusUpdate{
		ChannelID:    ch.ID,
		Working:      true,
		FailureCount: 0,
		ResponseTime: out.Elapsed,
		CheckedAt:    checkedAt,
	}
}

// ApplyFailure returns the status update for a channel whose streams all failed.
// Reaching retryAttempts consecutive failures deactivates the channel; nothing
// here ever reactivates one.
func ApplyFailure(ch models.Channel, out probe.Outcome, checkedAt time.Time, retryAttempts int) store.ChannelStatusUpdate {
	failures := ch.FailureCount + 1
	return store.ChannelStatusUpdate{
		ChannelID:    ch.ID,
		Working:      false,
		FailureCount: failures,
		Deactivate:   failures >= retryAttempts,
		ResponseTime: out.Elapsed,
		CheckedAt:    checkedAt,
	}
}

// ApplyPromotion makes alternates[idx] the primary address. The old primary
// takes the alternate's slot so it is retried on later runs. The fallback
// counters are what a failure would have recorded; they apply when the store
// cannot promote because another channel already uses the address.
func ApplyPromotion(u *store.ChannelStatusUpdate, ch models.Channel, idx, retryAttempts int) {
	alts := slices.Clone(ch.AlternativeURLs)
	u.Promoted = true
	u.StreamURL = alts[idx]
	alts[idx] = ch.StreamURL
	u.AlternativeURLs = alts

	failed := ApplyFailure(ch, probe.Outcome{}, u.CheckedAt, retryAttempts)
	u.FallbackFailureCount = failed.FailureCount
	u.FallbackDeactivate = failed.Deactivate
}

// ApplyBlockedPromotion returns the update as the store applied it when a
// promotion was blocked: the primary stays, and the channel counts as failing.
func ApplyBlockedPromotion(u store.ChannelStatusUpdate) store.ChannelStatusUpdate {
	u.Working = false
	u.FailureCount = u.FallbackFailureCount
	u.Deactivate = u.FallbackDeactivate
	u.Promoted = false
	u.StreamURL = ""
	u.AlternativeURLs = nil
	return u
}

// toOutcome converts a probe result into the row recorded for the run.
func toOutcome(runID, channelID int64, out probe.Outcome, checkedAt time.Time) models.ValidationOutcome {
	o := models.ValidationOutcome{
		RunID:        runID,
		ChannelID:    channelID,
		Working:      out.Working,
		ResponseTime: out.Elapsed,
		CheckedAt:    checkedAt,
	}
	if out.StatusCode != 0 {
		code := out.StatusCode
		o.StatusCode = &code
	}
	if msg := out.ErrorMessage(); msg != "" {
		o.Error = &msg
	}
	return o
}
