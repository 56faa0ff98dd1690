// Package kv provides the document backend: a small string-keyed store
// persisted as one JSON file.
//
// Every value is a string, mirroring the browser key/value storage the
// data format was designed around. Larger values (the entry collection,
// the sync state) are JSON documents serialized by their owners.
//
// Writes are atomic (temp file + rename). Several processes may share the
// file: Set and Delete re-read the file before writing so another
// process's keys are not lost, and Reload reports keys changed by someone
// else so a long-running process can react.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// Well-known document keys.
const (
	KeyEntries      = "diaries"
	KeyBackup       = "diary_backup_data"
	KeyAccessToken  = "access_token"
	KeyTokenExpires = "token_expires"
	KeyEncryption   = "encryption_key"
	KeySyncConfig   = "autoSyncConfig"
	KeyLastSync     = "last_sync_time"
	KeyPendingSync  = "pending_sync"
	KeyAppKey       = "dropbox_app_key"
)

// Store is a JSON-file backed string map safe for concurrent use.
type Store struct {
	path string

	mu    sync.Mutex
	cache map[string]string
	// foreign holds keys changed on disk by another writer that a Set or
	// Delete absorbed before Reload could report them.
	foreign map[string]bool
}

// Open loads the store at path, creating the parent directory. A missing
// file is an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}

	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	return &Store{
		path:    path,
		cache:   data,
		foreign: make(map[string]bool),
	}, nil
}

// Path returns the document file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value for key. The boolean is false if the key is absent.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok, nil
}

// Set stores value under key and persists the file.
func (s *Store) Set(key, value string) error {
	return s.update(func(m map[string]string) {
		m[key] = value
	})
}

// SetMany stores several keys in one write.
func (s *Store) SetMany(values map[string]string) error {
	return s.update(func(m map[string]string) {
		for k, v := range values {
			m[k] = v
		}
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.update(func(m map[string]string) {
		delete(m, key)
	})
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload re-reads the file and returns the keys whose values differ from
// what this Store last wrote or loaded, sorted. Changes made through this
// Store are never reported.
func (s *Store) Reload() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := readFile(s.path)
	if err != nil {
		return nil, err
	}

	changed := diffKeys(s.cache, disk)
	for k := range s.foreign {
		changed[k] = true
	}
	s.foreign = make(map[string]bool)
	s.cache = disk

	return sortedKeys(changed), nil
}

func (s *Store) update(fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := readFile(s.path)
	if err != nil {
		return err
	}
	for k := range diffKeys(s.cache, disk) {
		s.foreign[k] = true
	}

	fn(disk)

	if err := writeFile(s.path, disk); err != nil {
		return err
	}
	s.cache = disk
	return nil
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document file: %w", err)
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse document file %s: %w", path, err)
	}
	return m, nil
}

func writeFile(path string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal documents: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".documents-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace document file: %w", err)
	}
	return nil
}

func diffKeys(a, b map[string]string) map[string]bool {
	changed := make(map[string]bool)
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			changed[k] = true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed[k] = true
		}
	}
	return changed
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
