package exchange

import (
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/diary/internal/journal"
)

// separator splits a text file into entries.
const separator = "---"

var (
	hashtag = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_-]+)`)

	isoLayouts = []string{
		"2006-01-02 15:04",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006/01/02",
	}
)

// TextParser turns free-form notes into entries.
//
// Entries are separated by lines containing only "---". If the first line
// of a block starts with a date ("2024-05-01", "May 3 2024", "yesterday
// evening", ...) that line dates the entry and is not part of the content;
// otherwise the entry is dated at the import time. #hashtags in the content
// become tags.
type TextParser struct {
	w   *when.Parser
	loc *time.Location
}

// NewTextParser creates a parser that interprets dates in loc.
func NewTextParser(loc *time.Location) *TextParser {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &TextParser{w: w, loc: loc}
}

// Parse splits text into entries. Blocks without content are skipped.
func (p *TextParser) Parse(text string, now time.Time) journal.Collection {
	c := journal.Collection{}
	for _, block := range splitBlocks(text) {
		lines := strings.Split(block, "\n")

		date := now
		if d, ok := p.leadingDate(lines[0], now); ok {
			date = d
			lines = lines[1:]
		}

		content := strings.TrimSpace(strings.Join(lines, "\n"))
		if content == "" {
			continue
		}
		c = append(c, journal.NewEntry("", content, Hashtags(content), date))
	}
	return c
}

// leadingDate reports the date a header line holds. The line must consist
// of the date alone, optionally followed by punctuation, so prose that
// merely starts with "Today" stays content.
func (p *TextParser) leadingDate(line string, now time.Time) (time.Time, bool) {
	line = strings.TrimSpace(strings.TrimLeft(line, "#* "))
	if line == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if len(line) < len(layout) || !onlyPunct(line[len(layout):]) {
			continue
		}
		if t, err := time.ParseInLocation(layout, line[:len(layout)], p.loc); err == nil {
			return t, true
		}
	}

	r, err := p.w.Parse(line, now.In(p.loc))
	if err != nil || r == nil || r.Index > 0 || !onlyPunct(line[r.Index+len(r.Text):]) {
		return time.Time{}, false
	}
	return r.Time, true
}

func onlyPunct(s string) bool {
	return strings.TrimSpace(strings.Trim(s, " :.-")) == ""
}

// Hashtags returns the #tags in s, normalized.
func Hashtags(s string) []string {
	var tags []string
	for _, m := range hashtag.FindAllStringSubmatch(s, -1) {
		tags = append(tags, m[1])
	}
	return journal.NormalizeTags(tags)
}

func splitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks []string
	var cur []string
	flush := func() {
		if b := strings.TrimSpace(strings.Join(cur, "\n")); b != "" {
			blocks = append(blocks, b)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == separator {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}
