// Package dualstore keeps the entry collection in two local backends: the
// structured SQLite database (primary) and the JSON document store
// (mirror, also read by older tooling and used for recovery).
//
// Write order is fixed: the structured transaction commits first, then the
// document mirror is written. A structured failure leaves both backends as
// they were.
package dualstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/kv"
)

// ErrStorageUnavailable wraps any failure of the local backends.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// Structured is the primary entry backend (internal/db).
type Structured interface {
	ReplaceAll(ctx context.Context, c journal.Collection) error
	All(ctx context.Context) (journal.Collection, error)
}

// Documents is the document backend (internal/kv).
type Documents interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Config holds optional collaborators.
type Config struct {
	// Bus receives a LocalChanged event after every successful write.
	Bus *events.Bus
	// Logger for diagnostics. Defaults to stderr with a [dualstore] prefix.
	Logger *log.Logger
}

// Store coordinates the two backends.
type Store struct {
	db     Structured
	docs   Documents
	bus    *events.Bus
	logger *log.Logger

	mu sync.Mutex
}

// New creates a Store over the given backends.
func New(db Structured, docs Documents, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dualstore] ", log.LstdFlags)
	}
	return &Store{
		db:     db,
		docs:   docs,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// ReadAll returns the collection from the structured backend.
func (s *Store) ReadAll(ctx context.Context) (journal.Collection, error) {
	c, err := s.db.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return c, nil
}

// ReadDocument returns the collection mirrored in the document backend.
func (s *Store) ReadDocument() (journal.Collection, error) {
	return s.readDocumentKey(kv.KeyEntries)
}

// WriteAll replaces the collection in both backends and publishes
// LocalChanged with origin.
func (s *Store) WriteAll(ctx context.Context, origin events.Origin, c journal.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, origin, c)
}

// Update applies fn to the current collection and writes the result, all
// under the store lock so concurrent editors in this process do not lose
// each other's changes.
func (s *Store) Update(ctx context.Context, origin events.Origin, fn func(journal.Collection) (journal.Collection, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.ReadAll(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.writeLocked(ctx, origin, next)
}

func (s *Store) writeLocked(ctx context.Context, origin events.Origin, c journal.Collection) error {
	out := c.Clone()
	if out == nil {
		out = journal.Collection{}
	}
	out.SortNewestFirst()

	if err := s.db.ReplaceAll(ctx, out); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	data, err := journal.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := s.docs.Set(kv.KeyEntries, string(data)); err != nil {
		return fmt.Errorf("%w: structured write committed but document mirror failed: %w", ErrStorageUnavailable, err)
	}

	s.bus.Publish(events.Event{
		Type:   events.LocalChanged,
		Origin: origin,
		Count:  len(out),
	})
	return nil
}

// Mirror repopulates the structured backend from the document backend.
// Used when another process changed the document. It returns the number
// of entries mirrored and publishes nothing.
func (s *Store) Mirror(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ReadDocument()
	if err != nil {
		return 0, err
	}
	if err := s.db.ReplaceAll(ctx, c); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return len(c), nil
}

// RecoverResult describes what Recover did.
type RecoverResult struct {
	// Restored is true when the collection was restored from the backup.
	Restored bool
	// BackedUp is true when the backup was refreshed from current data.
	BackedUp bool
	// Count is the number of entries restored or backed up.
	Count int
}

// Recover restores the collection from the local backup when the document
// mirror is empty, and otherwise refreshes the backup from it.
func (s *Store) Recover(ctx context.Context) (RecoverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.ReadDocument()
	if err != nil {
		return RecoverResult{}, err
	}

	if len(current) == 0 {
		backup, err := s.readDocumentKey(kv.KeyBackup)
		if err != nil {
			return RecoverResult{}, err
		}
		if len(backup) == 0 {
			return RecoverResult{}, nil
		}
		if err := s.writeLocked(ctx, events.OriginMirror, backup); err != nil {
			return RecoverResult{}, err
		}
		s.logger.Printf("Restored %d entries from local backup", len(backup))
		return RecoverResult{Restored: true, Count: len(backup)}, nil
	}

	data, err := journal.Marshal(current)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if err := s.docs.Set(kv.KeyBackup, string(data)); err != nil {
		return RecoverResult{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return RecoverResult{BackedUp: true, Count: len(current)}, nil
}

func (s *Store) readDocumentKey(key string) (journal.Collection, error) {
	raw, ok, err := s.docs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return journal.Collection{}, nil
	}
	c, err := journal.Unmarshal([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, key, err)
	}
	return c, nil
}
