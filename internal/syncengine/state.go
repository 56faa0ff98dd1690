package syncengine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mschirtzinger/diary/internal/kv"
)

// State is the engine's sync bookkeeping. Only the engine mutates it.
type State struct {
	Enabled        bool
	Interval       time.Duration
	LastSyncTime   time.Time
	InProgress     bool
	ChangeDetected bool
	RetryCount     int
	MaxRetries     int
}

// persistedState is the autoSyncConfig document: durations and instants
// in milliseconds, lastSyncTime null before the first sync.
type persistedState struct {
	Enabled        bool   `json:"enabled"`
	Interval       int64  `json:"interval"`
	LastSyncTime   *int64 `json:"lastSyncTime"`
	SyncInProgress bool   `json:"syncInProgress"`
	ChangeDetected bool   `json:"changeDetected"`
	RetryCount     int    `json:"retryCount"`
	MaxRetries     int    `json:"maxRetries"`
}

func (s State) toPersisted() persistedState {
	p := persistedState{
		Enabled:        s.Enabled,
		Interval:       s.Interval.Milliseconds(),
		ChangeDetected: s.ChangeDetected,
		RetryCount:     s.RetryCount,
		MaxRetries:     s.MaxRetries,
	}
	if !s.LastSyncTime.IsZero() {
		ms := s.LastSyncTime.UnixMilli()
		p.LastSyncTime = &ms
	}
	return p
}

// loadState restores the auto-sync switch, last sync, pending change and
// retry count from docs. The configured Enabled value only applies until
// the switch is first persisted. Interval and MaxRetries always come from
// the configuration, and InProgress is never trusted from disk.
func loadState(docs Documents, base State) (State, error) {
	raw, ok, err := docs.Get(kv.KeySyncConfig)
	if err != nil {
		return base, fmt.Errorf("failed to read sync state: %w", err)
	}
	if !ok || raw == "" {
		return base, nil
	}

	var p persistedState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return base, fmt.Errorf("failed to parse sync state: %w", err)
	}

	s := base
	s.Enabled = p.Enabled
	if p.LastSyncTime != nil {
		s.LastSyncTime = time.UnixMilli(*p.LastSyncTime).UTC()
	}
	s.ChangeDetected = p.ChangeDetected
	s.RetryCount = p.RetryCount
	return s, nil
}

func saveState(docs Documents, s State) error {
	data, err := json.Marshal(s.toPersisted())
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	values := map[string]string{kv.KeySyncConfig: string(data)}
	if !s.LastSyncTime.IsZero() {
		values[kv.KeyLastSync] = strconv.FormatInt(s.LastSyncTime.UnixMilli(), 10)
	}
	if err := docs.SetMany(values); err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	return nil
}
