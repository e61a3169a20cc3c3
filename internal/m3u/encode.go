package m3u

import (
	"bufio"
	"io"
	"strings"

	"github.com/voyagen/streamwarden/internal/models"
)

// Header is the first line of every generated playlist.
const Header = "#EXTM3U"

// Encode writes drafts as M3U text. Only non-empty recognised attributes are
// emitted, always in the order tvg-id, tvg-name, tvg-logo, tvg-epg, group-title.
func Encode(w io.Writer, drafts []models.ChannelDraft) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Header + "\n"); err != nil {
		return err
	}
	for i := range drafts {
		if _, err := bw.WriteString(extinfLine(&drafts[i]) + "\n"); err != nil {
			return err
		}
		if _, err := bw.WriteString(cleanLine(drafts[i].StreamURL) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Generate returns drafts encoded as M3U text.
func Generate(drafts []models.ChannelDraft) string {
	var sb strings.Builder
	_ = Encode(&sb, drafts)
	return sb.String()
}

func extinfLine(d *models.ChannelDraft) string {
	var sb strings.Builder
	sb.WriteString("#EXTINF:-1")
	attrs := [...]struct{ key, value string }{
		{"tvg-id", d.TvgID},
		{"tvg-name", d.TvgName},
		{"tvg-logo", d.TvgLogo},
		{"tvg-epg", d.TvgEPG},
		{"group-title", d.GroupTitle},
	}
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(a.key)
		sb.WriteString(`="`)
		sb.WriteString(strings.ReplaceAll(cleanLine(a.value), `"`, "'"))
		sb.WriteString(`"`)
	}
	sb.WriteString(",")
	sb.WriteString(cleanLine(d.Name))
	return sb.String()
}

// cleanLine keeps a value on a single line.
func cleanLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}
