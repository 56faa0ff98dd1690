package exchange

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/diary/internal/journal"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func sample() journal.Collection {
	e := journal.NewEntry("Title", "Body with ünïcode", []string{"a", "b"}, now.Add(-48*time.Hour))
	e.AddComment("a comment", now.Add(-time.Hour))
	return journal.Collection{e, journal.NewEntry("", "second", nil, now)}
}

func TestExportImport(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatJSONL, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			in := sample()
			var buf bytes.Buffer
			if err := Export(&buf, in, f); err != nil {
				t.Fatalf("Export() failed: %v", err)
			}
			out, err := Import(&buf, f, now)
			if err != nil {
				t.Fatalf("Import() failed: %v", err)
			}

			want, _ := journal.Fingerprint(in)
			got, _ := journal.Fingerprint(out)
			if got != want {
				t.Errorf("round trip changed the collection:\n in: %+v\nout: %+v", in, out)
			}
		})
	}
}

func TestExport_Text(t *testing.T) {
	if err := Export(&bytes.Buffer{}, sample(), FormatText); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestImport_FillsMissingFields(t *testing.T) {
	c, err := Import(strings.NewReader(`[{"content":"legacy entry","createdAt":"2023-01-02T03:04:05Z"}]`), FormatJSON, now)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if len(c) != 1 || c[0].ID == "" || !c[0].LastModified.Equal(c[0].CreatedAt) {
		t.Errorf("imported = %+v", c)
	}
}

func TestImport_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		f     Format
	}{
		{"empty content", `[{"id":"x","content":"  "}]`, FormatJSON},
		{"bad json", `{`, FormatJSON},
		{"bad yaml", "- id: [", FormatYAML},
		{"bad second record", "{\"id\":\"a\",\"content\":\"x\",\"createdAt\":\"2024-01-01T00:00:00Z\"}\n{", FormatJSONL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Import(strings.NewReader(tt.input), tt.f, now); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseAndDetectFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"json", FormatJSON},
		{"YML", FormatYAML},
		{"ndjson", FormatJSONL},
		{"txt", FormatText},
		{"md", FormatText},
	}
	for _, tt := range tests {
		if got, err := ParseFormat(tt.in); err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ParseFormat(xml) error = %v", err)
	}

	if DetectFormat("notes.yaml") != FormatYAML || DetectFormat("backup.json") != FormatJSON || DetectFormat("README") != FormatJSON {
		t.Error("DetectFormat() misclassified")
	}
}

func TestTextParser(t *testing.T) {
	text := "# 2024-05-01\nWalked by the #river.\nIt was #cold.\n" +
		"---\n" +
		"2024-05-02 18:30:\nDinner with friends #food\n" +
		"---\n" +
		"Today I stayed in.\n" +
		"---\n" +
		"\n\n" +
		"---\n" +
		"yesterday\nRemembered late.\n"

	c := NewTextParser(time.UTC).Parse(text, now)
	if len(c) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(c), c)
	}

	tests := []struct {
		content string
		date    time.Time
		tags    []string
	}{
		{"Walked by the #river.\nIt was #cold.", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), []string{"river", "cold"}},
		{"Dinner with friends #food", time.Date(2024, 5, 2, 18, 30, 0, 0, time.UTC), []string{"food"}},
		{"Today I stayed in.", now, []string{}},
	}
	for i, tt := range tests {
		e := c[i]
		if e.Content != tt.content {
			t.Errorf("entry %d content = %q, want %q", i, e.Content, tt.content)
		}
		if !e.CreatedAt.Equal(tt.date) {
			t.Errorf("entry %d date = %v, want %v", i, e.CreatedAt, tt.date)
		}
		if strings.Join(e.Tags, ",") != strings.Join(tt.tags, ",") {
			t.Errorf("entry %d tags = %v, want %v", i, e.Tags, tt.tags)
		}
	}

	last := c[3]
	if last.Content != "Remembered late." {
		t.Errorf("last content = %q", last.Content)
	}
	if y, m, d := last.CreatedAt.Date(); y != 2024 || m != time.May || d != 31 {
		t.Errorf("yesterday parsed as %v", last.CreatedAt)
	}
}

func TestHashtags(t *testing.T) {
	got := Hashtags("#a b#c #a #déjà-vu end")
	if strings.Join(got, ",") != "a,déjà-vu" {
		t.Errorf("Hashtags() = %v", got)
	}
}
