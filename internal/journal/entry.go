// Package journal provides the journal entry data model shared by the local
// stores, the reconciler and the sync engine.
package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Comment is a note attached to an entry.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is one journal record.
//
// LastModified is the only field consulted when two copies of the same entry
// are reconciled; it must be bumped on every mutation.
type Entry struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Content =====
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`

	Comments []Comment `json:"comments"`

	// ===== Timestamps =====
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// NewID returns a fresh time-ordered identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewEntry creates an entry stamped with now. Tags are normalized.
func NewEntry(title, content string, tags []string, now time.Time) Entry {
	now = now.UTC()
	return Entry{
		ID:           NewID(),
		Title:        strings.TrimSpace(title),
		Content:      content,
		Tags:         NormalizeTags(tags),
		Comments:     []Comment{},
		CreatedAt:    now,
		LastModified: now,
	}
}

// Validate checks if the Entry has valid field values.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if e.LastModified.IsZero() {
		return fmt.Errorf("lastModified is required")
	}
	for i, c := range e.Comments {
		if c.ID == "" {
			return fmt.Errorf("comment %d: id is required", i)
		}
	}
	return nil
}

// SetDefaults fills fields that older snapshots may omit.
// Entries written before lastModified existed inherit createdAt.
func (e *Entry) SetDefaults() {
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.Comments == nil {
		e.Comments = []Comment{}
	}
	if e.LastModified.IsZero() {
		e.LastModified = e.CreatedAt
	}
}

// Touch marks the entry as modified at now.
func (e *Entry) Touch(now time.Time) {
	e.LastModified = now.UTC()
}

// Update replaces the editable fields and bumps LastModified.
func (e *Entry) Update(title, content string, tags []string, now time.Time) {
	e.Title = strings.TrimSpace(title)
	e.Content = content
	e.Tags = NormalizeTags(tags)
	e.Touch(now)
}

// AddComment appends a comment and bumps LastModified.
func (e *Entry) AddComment(content string, now time.Time) Comment {
	c := Comment{
		ID:        NewID(),
		Content:   content,
		CreatedAt: now.UTC(),
	}
	e.Comments = append(e.Comments, c)
	e.Touch(now)
	return c
}

// RemoveComment drops the comment with the given id.
// Returns false if no such comment exists.
func (e *Entry) RemoveComment(id string, now time.Time) bool {
	for i, c := range e.Comments {
		if c.ID == id {
			e.Comments = append(e.Comments[:i], e.Comments[i+1:]...)
			e.Touch(now)
			return true
		}
	}
	return false
}

// HasTag reports whether the entry carries tag (case-insensitive).
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// NormalizeTags trims tags, drops empty ones and collapses duplicates,
// keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	if e.Tags != nil {
		c.Tags = make([]string, len(e.Tags))
		copy(c.Tags, e.Tags)
	}
	if e.Comments != nil {
		c.Comments = make([]Comment, len(e.Comments))
		copy(c.Comments, e.Comments)
	}
	return c
}

// Collection is the full set of entries as persisted. Order carries no
// identity; use SortNewestFirst for presentation.
type Collection []Entry

// SortNewestFirst orders entries by CreatedAt descending, breaking ties by ID
// so the result is deterministic.
func (c Collection) SortNewestFirst() {
	sort.SliceStable(c, func(i, j int) bool {
		if !c[i].CreatedAt.Equal(c[j].CreatedAt) {
			return c[i].CreatedAt.After(c[j].CreatedAt)
		}
		return c[i].ID < c[j].ID
	})
}

// Find returns the index of the entry with id, or -1.
func (c Collection) Find(id string) int {
	for i := range c {
		if c[i].ID == id {
			return i
		}
	}
	return -1
}

// ByID indexes the collection by entry id.
func (c Collection) ByID() map[string]Entry {
	m := make(map[string]Entry, len(c))
	for _, e := range c {
		m[e.ID] = e
	}
	return m
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	if c == nil {
		return nil
	}
	out := make(Collection, len(c))
	for i, e := range c {
		out[i] = e.Clone()
	}
	return out
}

// FilterTag returns the entries carrying tag.
func (c Collection) FilterTag(tag string) Collection {
	var out Collection
	for _, e := range c {
		if e.HasTag(tag) {
			out = append(out, e)
		}
	}
	return out
}

// Search returns entries whose title or content contains query
// (case-insensitive).
func (c Collection) Search(query string) Collection {
	q := strings.ToLower(query)
	var out Collection
	for _, e := range c {
		if strings.Contains(strings.ToLower(e.Content), q) ||
			strings.Contains(strings.ToLower(e.Title), q) {
			out = append(out, e)
		}
	}
	return out
}
