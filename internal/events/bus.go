// Package events is the in-process notification bus between the stores,
// the sync engine and whatever presents state to the user (the CLI, the
// websocket server).
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Subscribers that need every event must drain promptly.
package events

import (
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	SyncStarted   Type = "sync_started"
	SyncProgress  Type = "sync_progress"
	SyncSucceeded Type = "sync_succeeded"
	SyncFailed    Type = "sync_failed"
	DataRefreshed Type = "data_refreshed"
	AuthRequired  Type = "auth_required"
	LocalChanged  Type = "local_changed"
)

// Origin names the writer behind a LocalChanged event.
type Origin string

const (
	OriginEditor Origin = "editor"
	OriginSync   Origin = "sync"
	OriginImport Origin = "import"
	OriginMirror Origin = "mirror"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// LocalChanged
	Origin Origin `json:"origin,omitempty"`
	Count  int    `json:"count,omitempty"`

	// SyncProgress / SyncFailed / AuthRequired
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Final   bool   `json:"final,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
// A zero Timestamp is set to now.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
