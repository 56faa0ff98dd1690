package dualstore

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/diary/internal/db"
	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/kv"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	store *Store
	db    *db.DB
	docs  *kv.Store
	bus   *events.Bus
}

func setupStore(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(filepath.Join(dir, "diary.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	docs, err := kv.Open(filepath.Join(dir, "documents.json"))
	if err != nil {
		t.Fatalf("kv.Open() failed: %v", err)
	}

	bus := events.NewBus()
	return fixture{
		store: New(database, docs, Config{Bus: bus, Logger: quiet}),
		db:    database,
		docs:  docs,
		bus:   bus,
	}
}

func sample(n int) journal.Collection {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := journal.Collection{}
	for i := 0; i < n; i++ {
		c = append(c, journal.NewEntry("", "entry", []string{"t"}, base.Add(time.Duration(i)*time.Hour)))
	}
	return c
}

type failingDB struct{}

func (failingDB) ReplaceAll(context.Context, journal.Collection) error {
	return errors.New("disk full")
}

func (failingDB) All(context.Context) (journal.Collection, error) {
	return nil, errors.New("disk full")
}

func TestWriteAll_WritesBothBackends(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	ch, cancel := f.bus.Subscribe(4)
	defer cancel()

	if err := f.store.WriteAll(ctx, events.OriginEditor, sample(3)); err != nil {
		t.Fatalf("WriteAll() failed: %v", err)
	}

	structured, err := f.store.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	document, err := f.store.ReadDocument()
	if err != nil {
		t.Fatalf("ReadDocument() failed: %v", err)
	}

	fs, _ := journal.Fingerprint(structured)
	fd, _ := journal.Fingerprint(document)
	if len(structured) != 3 || fs != fd {
		t.Errorf("backends diverged: %d structured, %d document", len(structured), len(document))
	}

	select {
	case ev := <-ch:
		if ev.Type != events.LocalChanged || ev.Origin != events.OriginEditor || ev.Count != 3 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no LocalChanged event")
	}
}

func TestWriteAll_StructuredFailureLeavesDocument(t *testing.T) {
	f := setupStore(t)
	if err := f.docs.Set(kv.KeyEntries, "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	s := New(failingDB{}, f.docs, Config{Bus: f.bus, Logger: quiet})
	ch, cancel := f.bus.Subscribe(1)
	defer cancel()

	err := s.WriteAll(context.Background(), events.OriginEditor, sample(2))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	if v, _, _ := f.docs.Get(kv.KeyEntries); v != "[]" {
		t.Errorf("document was modified after structured failure: %q", v)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event after failure: %+v", ev)
	default:
	}
}

func TestReadAll_WrapsFailure(t *testing.T) {
	f := setupStore(t)
	s := New(failingDB{}, f.docs, Config{Logger: quiet})
	if _, err := s.ReadAll(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()
	if err := f.store.WriteAll(ctx, events.OriginEditor, sample(1)); err != nil {
		t.Fatalf("WriteAll() failed: %v", err)
	}

	err := f.store.Update(ctx, events.OriginEditor, func(c journal.Collection) (journal.Collection, error) {
		return append(c, sample(1)...), nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, _ := f.store.ReadAll(ctx)
	if len(got) != 2 {
		t.Errorf("expected 2 entries, got %d", len(got))
	}

	boom := errors.New("boom")
	err = f.store.Update(ctx, events.OriginEditor, func(journal.Collection) (journal.Collection, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestMirror(t *testing.T) {
	f := setupStore(t)
	ctx := context.Background()

	data, _ := journal.Marshal(sample(4))
	if err := f.docs.Set(kv.KeyEntries, string(data)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	n, err := f.store.Mirror(ctx)
	if err != nil {
		t.Fatalf("Mirror() failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Mirror() = %d, want 4", n)
	}
	if count, _ := f.db.Count(ctx); count != 4 {
		t.Errorf("structured backend has %d entries, want 4", count)
	}
}

func TestRecover(t *testing.T) {
	tests := []struct {
		name         string
		current      int
		backup       int
		wantRestored bool
		wantBackedUp bool
		wantCount    int
	}{
		{"empty with backup restores", 0, 3, true, false, 3},
		{"data refreshes backup", 2, 5, false, true, 2},
		{"nothing to do", 0, 0, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupStore(t)
			ctx := context.Background()

			if tt.current > 0 {
				if err := f.store.WriteAll(ctx, events.OriginEditor, sample(tt.current)); err != nil {
					t.Fatalf("WriteAll() failed: %v", err)
				}
			}
			if tt.backup > 0 {
				data, _ := journal.Marshal(sample(tt.backup))
				if err := f.docs.Set(kv.KeyBackup, string(data)); err != nil {
					t.Fatalf("Set() failed: %v", err)
				}
			}

			res, err := f.store.Recover(ctx)
			if err != nil {
				t.Fatalf("Recover() failed: %v", err)
			}
			if res.Restored != tt.wantRestored || res.BackedUp != tt.wantBackedUp || res.Count != tt.wantCount {
				t.Errorf("Recover() = %+v", res)
			}

			got, _ := f.store.ReadAll(ctx)
			if len(got) != tt.wantCount {
				t.Errorf("structured backend has %d entries, want %d", len(got), tt.wantCount)
			}
			if tt.wantBackedUp {
				raw, _, _ := f.docs.Get(kv.KeyBackup)
				backup, _ := journal.Unmarshal([]byte(raw))
				if len(backup) != tt.current {
					t.Errorf("backup has %d entries, want %d", len(backup), tt.current)
				}
			}
		})
	}
}
