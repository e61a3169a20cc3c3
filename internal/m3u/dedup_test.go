package m3u

import (
	"testing"

	"github.com/voyagen/streamwarden/internal/models"
)

func TestDeduplicate_FirstWins(t *testing.T) {
	in := []models.ChannelDraft{
		{Name: "CNN", GroupTitle: "News", StreamURL: "http://a"},
		{Name: "CNN", GroupTitle: "News", StreamURL: "http://b"},
		{Name: "BBC", GroupTitle: "UK", StreamURL: "http://a"},
	}

	got, removed := Deduplicate(in)
	if len(got) != 1 || removed != 2 {
		t.Fatalf("got %d kept, %d removed; want 1 kept, 2 removed", len(got), removed)
	}
	if got[0].Name != "CNN" || got[0].StreamURL != "http://a" {
		t.Errorf("kept %+v, want CNN/http://a", got[0])
	}
}

func TestDeduplicate_CaseInsensitiveKey(t *testing.T) {
	in := []models.ChannelDraft{
		{Name: "Sky News", GroupTitle: "NEWS", StreamURL: "http://1"},
		{Name: "sky news", GroupTitle: "news", StreamURL: "http://2"},
		{Name: "Sky News", GroupTitle: "UK", StreamURL: "http://3"},
	}

	got, removed := Deduplicate(in)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got[0].StreamURL != "http://1" || got[1].StreamURL != "http://3" {
		t.Errorf("unexpected survivors %+v", got)
	}
}

func TestDeduplicate_Properties(t *testing.T) {
	in := []models.ChannelDraft{
		{Name: "A", GroupTitle: "g", StreamURL: "u1"},
		{Name: "B", GroupTitle: "g", StreamURL: "u2"},
		{Name: "a", GroupTitle: "G", StreamURL: "u3"},
		{Name: "C", GroupTitle: "g", StreamURL: "u2"},
		{Name: "D", GroupTitle: "", StreamURL: "u4"},
		{Name: "E", GroupTitle: "", StreamURL: "u5"},
		{Name: "d", GroupTitle: "", StreamURL: "u6"},
	}

	got, removed := Deduplicate(in)
	if len(got)+removed != len(in) || len(got) > len(in) {
		t.Fatalf("length accounting broken: kept %d removed %d input %d", len(got), removed, len(in))
	}

	urls := map[string]bool{}
	keys := map[string]bool{}
	lastIdx := -1
	for _, d := range got {
		if urls[d.StreamURL] {
			t.Errorf("duplicate url %q survived", d.StreamURL)
		}
		if keys[DedupKey(d)] {
			t.Errorf("duplicate key %q survived", DedupKey(d))
		}
		urls[d.StreamURL] = true
		keys[DedupKey(d)] = true

		idx := indexOf(in, d)
		if idx <= lastIdx {
			t.Errorf("order not preserved at %+v", d)
		}
		lastIdx = idx
	}
}

func TestDeduplicate_Empty(t *testing.T) {
	got, removed := Deduplicate(nil)
	if len(got) != 0 || removed != 0 {
		t.Errorf("got %v, %d", got, removed)
	}
}

func indexOf(in []models.ChannelDraft, d models.ChannelDraft) int {
	for i := range in {
		if in[i].StreamURL == d.StreamURL && in[i].Name == d.Name {
			return i
		}
	}
	return -1
}
