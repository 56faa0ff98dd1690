// Package ui renders CLI output with lipgloss. Colour is chosen from the
// terminal's termenv profile and disabled for non-terminals and NO_COLOR.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/syncengine"
)

const dateLayout = "2006-01-02 15:04"

// Printer writes styled output to one writer.
type Printer struct {
	w io.Writer

	title   lipgloss.Style
	muted   lipgloss.Style
	tag     lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
	comment lipgloss.Style
}

// New creates a Printer for w. When color is false, or w is not a colour
// capable terminal, output is plain text.
func New(w io.Writer, color bool) *Printer {
	r := lipgloss.NewRenderer(w)
	if !color || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:       w,
		title:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("241")),
		tag:     r.NewStyle().Foreground(lipgloss.Color("39")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		err:     r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		label:   r.NewStyle().Width(14).Foreground(lipgloss.Color("245")),
		comment: r.NewStyle().PaddingLeft(4).Foreground(lipgloss.Color("250")),
	}
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.err.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Info prints an unstyled line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Entries prints a compact one-entry-per-line listing.
func (p *Printer) Entries(c journal.Collection) {
	if len(c) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("No entries."))
		return
	}
	for _, e := range c {
		line := p.muted.Render(e.CreatedAt.Local().Format(dateLayout)) + "  " + p.title.Render(shortID(e.ID)) + "  " + headline(e)
		if tags := p.tags(e.Tags); tags != "" {
			line += "  " + tags
		}
		if n := len(e.Comments); n > 0 {
			line += p.muted.Render(fmt.Sprintf("  (%d comments)", n))
		}
		fmt.Fprintln(p.w, line)
	}
}

// Entry prints one entry in full.
func (p *Printer) Entry(e journal.Entry) {
	if e.Title != "" {
		fmt.Fprintln(p.w, p.title.Render(e.Title))
	}
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("%s  created %s  modified %s",
		e.ID, e.CreatedAt.Local().Format(dateLayout), e.LastModified.Local().Format(dateLayout))))
	if tags := p.tags(e.Tags); tags != "" {
		fmt.Fprintln(p.w, tags)
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, e.Content)
	for _, c := range e.Comments {
		fmt.Fprintln(p.w, p.comment.Render(fmt.Sprintf("%s  %s", c.CreatedAt.Local().Format(dateLayout), c.Content)))
	}
}

func (p *Printer) tags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = p.tag.Render("#" + t)
	}
	return strings.Join(parts, " ")
}

// StatusView is what `diary status` reports.
type StatusView struct {
	Backend string
	Auth    string
	Sync    syncengine.Snapshot
	Stats   journal.Stats
	Now     time.Time
}

// Status prints the sync and storage summary.
func (p *Printer) Status(v StatusView) {
	row := func(label, value string) {
		fmt.Fprintln(p.w, p.label.Render(label)+value)
	}

	fmt.Fprintln(p.w, p.title.Render("Sync"))
	row("Backend", v.Backend)
	row("Auth", v.Auth)
	auto := "off"
	if v.Sync.Enabled {
		auto = "every " + v.Sync.Interval.String()
	}
	row("Auto-sync", auto)
	if v.Sync.LastSyncTime.IsZero() {
		row("Last sync", p.muted.Render("never"))
	} else {
		row("Last sync", fmt.Sprintf("%s (%s ago)", v.Sync.LastSyncTime.Local().Format(dateLayout), v.Now.Sub(v.Sync.LastSyncTime).Round(time.Second)))
	}
	if v.Sync.ChangeDetected {
		row("Pending", p.warn.Render("local changes not yet synced"))
	}
	if v.Sync.RetryCount > 0 {
		row("Retries", p.warn.Render(fmt.Sprintf("%d/%d", v.Sync.RetryCount, v.Sync.MaxRetries)))
	}
	if v.Sync.PendingAuth {
		row("Authorization", p.warn.Render("required, run `diary auth`"))
	}

	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.title.Render("Storage"))
	row("Entries", fmt.Sprintf("%d (%s)", v.Stats.TotalCount, humanBytes(v.Stats.TotalBytes)))
	for _, y := range v.Stats.Years {
		row(fmt.Sprintf("  %d", y.Year), fmt.Sprintf("%d entries, %s", y.Count, humanBytes(y.TotalBytes)))
	}
	switch {
	case v.Stats.NearLimit:
		fmt.Fprintln(p.w, p.err.Render(fmt.Sprintf("Storage is at %d entries; export and archive old entries now.", v.Stats.TotalCount)))
	case v.Stats.NeedsBackup:
		fmt.Fprintln(p.w, p.warn.Render(fmt.Sprintf("Storage is getting large; %d entries until the limit. Consider `diary export`.", v.Stats.RemainingCount)))
	}
}

func headline(e journal.Entry) string {
	s := e.Title
	if s == "" {
		s = e.Content
	}
	s = strings.Join(strings.Fields(s), " ")
	const max = 60
	if r := []rune(s); len(r) > max {
		s = string(r[:max-1]) + "…"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
