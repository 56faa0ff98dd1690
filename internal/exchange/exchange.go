// Package exchange converts entry collections to and from files: JSON (the
// snapshot format), JSON Lines, YAML, and plain text for importing notes
// written outside the diary.
package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/diary/internal/journal"
)

// Format is a file format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatText  Format = "text"
)

// ErrUnknownFormat is returned for unsupported format names.
var ErrUnknownFormat = errors.New("unknown format")

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "text", "txt", "md":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// DetectFormat guesses the format from a file name, defaulting to JSON.
func DetectFormat(name string) Format {
	if f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(name), ".")); err == nil {
		return f
	}
	return FormatJSON
}

// yamlEntry mirrors journal.Entry with YAML field names.
type yamlEntry struct {
	ID           string        `yaml:"id"`
	Title        string        `yaml:"title,omitempty"`
	Content      string        `yaml:"content"`
	Tags         []string      `yaml:"tags,omitempty"`
	Comments     []yamlComment `yaml:"comments,omitempty"`
	CreatedAt    time.Time     `yaml:"createdAt"`
	LastModified time.Time     `yaml:"lastModified"`
}

type yamlComment struct {
	ID        string    `yaml:"id"`
	Content   string    `yaml:"content"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// Export writes c to w in format f. Text is not an export format.
func Export(w io.Writer, c journal.Collection, f Format) error {
	if c == nil {
		c = journal.Collection{}
	}
	switch f {
	case FormatJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode entries: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err

	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, e := range c {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
			}
		}
		return nil

	case FormatYAML:
		out := make([]yamlEntry, len(c))
		for i, e := range c {
			out[i] = toYAML(e)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode entries: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("%w: cannot export as %q", ErrUnknownFormat, f)
	}
}

// Import reads entries from r in format f. Text imports are dated with
// the TextParser, relative to now. Imported entries are validated; entries
// missing an id get a fresh one.
func Import(r io.Reader, f Format, now time.Time) (journal.Collection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var c journal.Collection
	switch f {
	case FormatJSON:
		c, err = journal.Unmarshal(bytes.TrimSpace(data))
		if err != nil {
			return nil, err
		}

	case FormatJSONL:
		c, err = decodeLines(data)
		if err != nil {
			return nil, err
		}

	case FormatYAML:
		var in []yamlEntry
		if err := yaml.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		c = make(journal.Collection, len(in))
		for i, y := range in {
			c[i] = fromYAML(y)
		}

	case FormatText:
		return NewTextParser(now.Location()).Parse(string(data), now), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}

	for i := range c {
		if c[i].ID == "" {
			c[i].ID = journal.NewID()
		}
		if c[i].CreatedAt.IsZero() {
			c[i].CreatedAt = now.UTC()
		}
		if c[i].LastModified.IsZero() {
			c[i].LastModified = c[i].CreatedAt
		}
		c[i].SetDefaults()
		if err := c[i].Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
	}
	return c, nil
}

// decodeLines reads one JSON entry per line. Blank lines are skipped.
func decodeLines(data []byte) (journal.Collection, error) {
	c := journal.Collection{}
	dec := json.NewDecoder(bytes.NewReader(data))
	for n := 1; ; n++ {
		var e journal.Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return c, nil
			}
			return nil, fmt.Errorf("invalid JSON in record %d: %w", n, err)
		}
		c = append(c, e)
	}
}

func toYAML(e journal.Entry) yamlEntry {
	y := yamlEntry{
		ID:           e.ID,
		Title:        e.Title,
		Content:      e.Content,
		Tags:         e.Tags,
		CreatedAt:    e.CreatedAt.UTC(),
		LastModified: e.LastModified.UTC(),
	}
	for _, c := range e.Comments {
		y.Comments = append(y.Comments, yamlComment{ID: c.ID, Content: c.Content, CreatedAt: c.CreatedAt.UTC()})
	}
	return y
}

func fromYAML(y yamlEntry) journal.Entry {
	e := journal.Entry{
		ID:           y.ID,
		Title:        y.Title,
		Content:      y.Content,
		Tags:         journal.NormalizeTags(y.Tags),
		Comments:     []journal.Comment{},
		CreatedAt:    y.CreatedAt.UTC(),
		LastModified: y.LastModified.UTC(),
	}
	for _, c := range y.Comments {
		e.Comments = append(e.Comments, journal.Comment{ID: c.ID, Content: c.Content, CreatedAt: c.CreatedAt.UTC()})
	}
	return e
}
