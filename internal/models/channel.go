package models

import "time"

// ChannelDraft is a channel as it appears in playlist text: display metadata plus stream addresses.
// It is what the M3U codec produces and consumes.
type ChannelDraft struct {
	Name            string   `json:"name"`
	GroupTitle      string   `json:"group_title,omitempty"`
	TvgID           string   `json:"tvg_id,omitempty"`
	TvgName         string   `json:"tvg_name,omitempty"`
	TvgLogo         string   `json:"tvg_logo,omitempty"`
	TvgEPG          string   `json:"tvg_epg,omitempty"`
	StreamURL       string   `json:"stream_url"`
	AlternativeURLs []string `json:"alternative_urls,omitempty"`
}

// Channel represents a stream reference owned by one playlist, with its validation state.
type Channel struct {
	ID         int64 `json:"id,omitempty"`
	PlaylistID int64 `json:"playlist_id"`
	ChannelDraft
	Logo string `json:"logo,omitempty"` // legacy logo field, set through the channel update API

	Active           bool           `json:"active"`
	Working          bool           `json:"working"`
	CheckCount       int            `json:"check_count"`
	FailureCount     int            `json:"failure_count"`
	LastResponseTime *time.Duration `json:"last_response_time,omitempty"`
	LastChecked      *time.Time     `json:"last_checked,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
}
