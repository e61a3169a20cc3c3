// Package m3u reads and writes extended M3U playlist text and implements the
// canonical channel deduplication rule.
package m3u

import (
	"bufio"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/voyagen/streamwarden/internal/models"
)

const (
	// UnknownChannelName is used for bare addresses whose URL yields no usable name.
	UnknownChannelName = "Unknown Channel"
	// UnknownGroup is the group assigned to bare addresses.
	UnknownGroup = "Unknown"
)

// reAttr matches key="value", key='value' and key=value pairs on an EXTINF line.
var reAttr = regexp.MustCompile(`(\w+(?:-\w+)*)=(?:"([^"]*)"|'([^']*)'|(\S+))`)

// Parse reads M3U text from r and returns one draft per well-formed entry.
// Structurally invalid entries (an EXTINF with no address) are dropped; only
// read errors are returned. Lines have no length limit, so inline data such as
// base64 logos is kept; callers bound the total input size.
func Parse(r io.Reader) ([]models.ChannelDraft, error) {
	var drafts []models.ChannelDraft
	br := bufio.NewReader(r)

	var pending *models.ChannelDraft

	for eof := false; !eof; {
		raw, err := br.ReadString('\n')
		if err == io.EOF {
			eof = true
		} else if err != nil {
			return nil, err
		}
		line := strings.TrimSpace(raw)
		lineUpper := strings.ToUpper(line)

		switch {
		case line == "":
			continue
		case strings.HasPrefix(lineUpper, "#EXTINF"):
			// A previous EXTINF without an address is malformed and replaced.
			d := parseEXTINF(line)
			pending = &d
		case strings.HasPrefix(line, "#"):
			// #EXTM3U, #EXTVLCOPT, #EXTGRP and plain comments.
			continue
		default:
			if pending != nil {
				pending.StreamURL = line
				drafts = append(drafts, *pending)
				pending = nil
				continue
			}
			drafts = append(drafts, models.ChannelDraft{
				Name:       NameFromURL(line),
				GroupTitle: UnknownGroup,
				StreamURL:  line,
			})
		}
	}
	return drafts, nil
}

// ParseString is Parse over an in-memory string. A strings.Reader never
// returns a read error, so neither does ParseString.
func ParseString(s string) []models.ChannelDraft {
	drafts, err := Parse(strings.NewReader(s))
	if err != nil {
		panic("m3u: reading from strings.Reader: " + err.Error())
	}
	return drafts
}

// parseEXTINF extracts recognised attributes and the display name from one EXTINF line.
func parseEXTINF(line string) models.ChannelDraft {
	meta, name := splitName(line)
	d := models.ChannelDraft{Name: name}

	for _, m := range reAttr.FindAllStringSubmatch(meta, -1) {
		key := strings.ReplaceAll(strings.ToLower(m[1]), "-", "_")
		value := m[2]
		if value == "" {
			value = m[3]
		}
		if value == "" {
			value = m[4]
		}
		switch key {
		case "tvg_id":
			d.TvgID = value
		case "tvg_name":
			d.TvgName = value
		case "tvg_logo":
			d.TvgLogo = value
		case "tvg_epg":
			d.TvgEPG = value
		case "group_title":
			d.GroupTitle = value
		}
	}
	return d
}

// splitName splits an EXTINF line at the last comma outside double quotes.
// The text after it is the display name; without such a comma the name is empty.
func splitName(line string) (meta, name string) {
	idx := -1
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				idx = i
			}
		}
	}
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// NameFromURL derives a display name from the last path segment of a stream
// address, without its extension.
func NameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return UnknownChannelName
	}
	segment := u.Path[strings.LastIndex(u.Path, "/")+1:]
	if i := strings.Index(segment, "."); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		return UnknownChannelName
	}
	return segment
}
