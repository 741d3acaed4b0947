package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/matzehuels/depdb/pkg/checkpoint"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/observability"
)

func TestProgressModelStopCancelsOnce(t *testing.T) {
	calls := 0
	m := NewProgressModel(index.Sdist, observability.NewCounters(), func() { calls++ })

	var model tea.Model = m
	for _, key := range []tea.KeyMsg{{Type: tea.KeyRunes, Runes: []rune("q")}, {Type: tea.KeyEsc}} {
		model, _ = model.Update(key)
	}
	pm := model.(ProgressModel)
	if !pm.Stopping {
		t.Error("Stopping = false after q")
	}
	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}
	if !strings.Contains(pm.View(), "stopping") {
		t.Errorf("View() missing stopping footer:\n%s", pm.View())
	}
}

func TestProgressModelTickAndDone(t *testing.T) {
	counters := observability.NewCounters()
	ctx := context.Background()
	ref := index.ArtifactRef{Package: "demo", Version: "1.0", Kind: index.Sdist, Filename: "demo-1.0.tar.gz"}
	counters.OnSessionStart(ctx, index.Sdist, "s1")
	counters.OnDispatch(ctx, ref)
	counters.OnRecord(ctx, ref, "3.11", errors.ErrCodeTimeout, time.Second)
	counters.OnRecord(ctx, ref, "2.7", "", time.Second)

	m := NewProgressModel(index.Sdist, counters, nil)
	model, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	pm := model.(ProgressModel)
	if pm.Snapshot.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", pm.Snapshot.Dispatched)
	}
	view := pm.View()
	for _, want := range []string{"Crawling sdists", "session s1", "TIMEOUT", "q stop"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q:\n%s", want, view)
		}
	}

	model, cmd = pm.Update(crawlDoneMsg{})
	if cmd == nil {
		t.Error("done should quit")
	}
	if !model.(ProgressModel).Done {
		t.Error("Done = false")
	}
}

func TestSortedCodes(t *testing.T) {
	got := sortedCodes(map[errors.Code]int64{
		errors.ErrCodeTimeout:           2,
		errors.ErrCodeBuildScriptError:  5,
		errors.ErrCodeMalformedArtifact: 2,
	})
	want := []errors.Code{errors.ErrCodeBuildScriptError, errors.ErrCodeMalformedArtifact, errors.ErrCodeTimeout}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedCodes() = %v, want %v", got, want)
		}
	}
}

func TestFormatters(t *testing.T) {
	counts := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-45000, "-45,000"},
	}
	for _, tt := range counts {
		if got := formatCount(tt.in); got != tt.want {
			t.Errorf("formatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}

	sizes := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range sizes {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}

	revs := map[string]string{
		"":                 "-",
		"abc":              "abc",
		"0123456789abcdef": "0123456789ab",
	}
	for in, want := range revs {
		if got := shortRevision(in); got != want {
			t.Errorf("shortRevision(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCursorState(t *testing.T) {
	tests := []struct {
		name string
		cur  *checkpoint.Cursor
		rev  string
		want string
	}{
		{"none", nil, "r1", "never crawled"},
		{"changed", &checkpoint.Cursor{Revision: "r0", Complete: true}, "r1", "snapshot changed"},
		{"complete", &checkpoint.Cursor{Revision: "r1", Complete: true}, "r1", "complete"},
		{"running", &checkpoint.Cursor{Revision: "r1", Position: 4}, "r1", "in progress"},
		{"unknown snapshot", &checkpoint.Cursor{Revision: "r1", Position: 4}, "", "in progress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cursorState(tt.cur, tt.rev); got != tt.want {
				t.Errorf("cursorState() = %q, want %q", got, tt.want)
			}
		})
	}
}
