package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/syncengine"
)

func TestEntries(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	p.Entries(nil)
	if !strings.Contains(buf.String(), "No entries.") {
		t.Errorf("empty listing = %q", buf.String())
	}

	buf.Reset()
	e := journal.NewEntry("", "Walked along the river.\nIt rained.", []string{"walk", "weather"}, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	e.AddComment("nice", e.CreatedAt)
	p.Entries(journal.Collection{e})

	out := buf.String()
	for _, want := range []string{shortID(e.ID), "Walked along the river. It rained.", "#walk", "#weather", "(1 comments)"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("colour escape codes in plain output")
	}
}

func TestHeadline(t *testing.T) {
	long := strings.Repeat("word ", 30)
	tests := []struct {
		name  string
		entry journal.Entry
		want  string
	}{
		{"title wins", journal.Entry{Title: "Title", Content: "body"}, "Title"},
		{"content collapsed", journal.Entry{Content: "a\n\n b\tc"}, "a b c"},
		{"truncated", journal.Entry{Content: long}, strings.TrimSpace(long)[:59] + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headline(tt.entry); got != tt.want {
				t.Errorf("headline() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	p.Status(StatusView{
		Backend: "dropbox",
		Auth:    "authorized",
		Now:     now,
		Sync: syncengine.Snapshot{
			State: syncengine.State{
				Enabled:        true,
				Interval:       30 * time.Second,
				LastSyncTime:   now.Add(-90 * time.Second),
				ChangeDetected: true,
				RetryCount:     2,
				MaxRetries:     3,
			},
			PendingAuth: true,
		},
		Stats: journal.Stats{TotalCount: 1600, TotalBytes: 2048, NeedsBackup: true, RemainingCount: 400},
	})

	out := buf.String()
	for _, want := range []string{"every 30s", "(1m30s ago)", "local changes not yet synced", "2/3", "diary auth", "1600 (2.0 KB)", "400 entries until the limit"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KB", 3 << 20: "3.0 MB"}
	for n, want := range tests {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
