package m3u

import (
	"strings"

	"github.com/voyagen/streamwarden/internal/models"
)

// DedupKey is the case-insensitive name:group key used to spot duplicate channels
// independent of their stream address.
func DedupKey(d models.ChannelDraft) string {
	return strings.ToLower(d.Name) + ":" + strings.ToLower(d.GroupTitle)
}

// Deduplicate keeps the first occurrence of every stream address and of every
// name:group key in a single left-to-right pass. Surviving drafts keep their
// input order. It returns the survivors and how many drafts were dropped.
func Deduplicate(drafts []models.ChannelDraft) ([]models.ChannelDraft, int) {
	seenURLs := make(map[string]struct{}, len(drafts))
	seenKeys := make(map[string]struct{}, len(drafts))
	kept := make([]models.ChannelDraft, 0, len(drafts))

	for _, d := range drafts {
		if _, ok := seenURLs[d.StreamURL]; ok {
			continue
		}
		key := DedupKey(d)
		if _, ok := seenKeys[key]; ok {
			continue
		}
		seenURLs[d.StreamURL] = struct{}{}
		seenKeys[key] = struct{}{}
		kept = append(kept, d)
	}
	return kept, len(drafts) - len(kept)
}
