package models

import "time"

// Playlist is the ingestion unit: one M3U source (URL or local file) owning its channels.
type Playlist struct {
	ID            int64      `json:"id,omitempty"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	SourceURL     *string    `json:"source_url,omitempty"`
	SourceFile    *string    `json:"source_file,omitempty"`
	Active        bool       `json:"active"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	ChannelCount  *int64     `json:"channel_count,omitempty"` // populated by list queries
}
