// Package syncengine reconciles the local journal with the encrypted
// snapshot held by the remote store.
//
// One cycle runs at a time. A cycle verifies the credential, reads the
// local collection, downloads and decrypts the remote snapshot, merges it
// into the collection as stored at that point, writes the result locally and
// then remotely, and finally uploads a timestamped backup. Triggers that arrive while a cycle is running are
// dropped; the next change or tick re-requests.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/diary/internal/auth"
	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/kv"
	"github.com/mschirtzinger/diary/internal/reconcile"
	"github.com/mschirtzinger/diary/internal/remote"
)

const backupStampLayout = "2006-01-02T15-04-05.000Z"

// Local is the local dual store (internal/dualstore).
type Local interface {
	ReadAll(ctx context.Context) (journal.Collection, error)
	Update(ctx context.Context, origin events.Origin, fn func(journal.Collection) (journal.Collection, error)) error
	Mirror(ctx context.Context) (int, error)
}

// Cipher encrypts snapshots (internal/codec).
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Tokens is the credential manager (internal/auth).
type Tokens interface {
	Verify(ctx context.Context) auth.Verification
	ClearCredential() error
	BeginAuthorization() (string, error)
	SetCredential(c auth.Credential) error
}

// Documents is the document store slice the engine persists its state in.
type Documents interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	SetMany(values map[string]string) error
	Delete(key string) error
}

// Deps are the engine's collaborators. All but Bus are required.
type Deps struct {
	Local     Local
	Remote    remote.Store
	Cipher    Cipher
	Tokens    Tokens
	Documents Documents
	Bus       *events.Bus
}

// Config holds engine settings.
type Config struct {
	// SyncPath is the remote path of the current snapshot.
	SyncPath string
	// BackupsDir receives a timestamped copy after every successful upload.
	BackupsDir string

	// Enabled gates automatic triggers. Explicit syncs always run.
	Enabled bool
	// Interval between scheduler ticks.
	Interval time.Duration
	// StaleAfter forces a cycle on a tick when the last successful sync is
	// older than this, even without a pending change.
	StaleAfter time.Duration

	// RetryDelay is the fixed delay before a failed cycle is retried.
	RetryDelay time.Duration
	// MaxRetries bounds the retries scheduled after consecutive failures.
	MaxRetries int

	// ShutdownTimeout bounds the final cycle run when Run stops with a
	// change still pending.
	ShutdownTimeout time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
	// Logger defaults to stderr with a [sync] prefix.
	Logger *log.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SyncPath:        "/diary-data.enc",
		BackupsDir:      "/backups",
		Enabled:         true,
		Interval:        30 * time.Second,
		StaleAfter:      5 * time.Minute,
		RetryDelay:      30 * time.Second,
		MaxRetries:      3,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Trigger names what asked for a cycle.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerStartup
	TriggerLocalChange
	TriggerStorageChange
	TriggerPeriodic
	TriggerNetwork
	TriggerVisibility
	TriggerRetry
	TriggerAuthorized
	TriggerShutdown
)

// String returns a human-readable representation of the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerStartup:
		return "startup"
	case TriggerLocalChange:
		return "local change"
	case TriggerStorageChange:
		return "storage change"
	case TriggerPeriodic:
		return "periodic"
	case TriggerNetwork:
		return "network restored"
	case TriggerVisibility:
		return "visible"
	case TriggerRetry:
		return "retry"
	case TriggerAuthorized:
		return "authorized"
	case TriggerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// automatic triggers are suppressed while auto-sync is disabled.
func (t Trigger) automatic() bool {
	switch t {
	case TriggerManual, TriggerRetry, TriggerAuthorized:
		return false
	default:
		return true
	}
}

// Result describes one RunCycle call.
type Result struct {
	// Skipped is set when no cycle ran (one was already in progress, or
	// auto-sync is disabled for an automatic trigger).
	Skipped bool

	FirstSync bool
	Count     int
	Diff      reconcile.Diff
	Uploaded  bool
	BackedUp  bool

	Err            error
	Kind           FailureKind
	Attempt        int
	RetryScheduled bool
	Canceled       bool
	// AuthURL is set when the cycle stopped for re-authorization.
	AuthURL string
}

// Snapshot is a point-in-time view of the engine for status displays.
type Snapshot struct {
	State
	Online      bool
	Visible     bool
	PendingAuth bool
	LastError   string
	LastKind    FailureKind
}

// Engine is the sync engine. Create one per process with New.
type Engine struct {
	cfg    Config
	local  Local
	remote remote.Store
	cipher Cipher
	tokens Tokens
	docs   Documents
	bus    *events.Bus
	logger *log.Logger

	inProgress atomic.Bool

	mu         sync.Mutex
	state      State
	online     bool
	visible    bool
	lastErr    string
	lastKind   FailureKind
	baseCtx    context.Context
	retryTimer *time.Timer
	closed     bool
	wg         sync.WaitGroup
}

// New creates an engine and restores its persisted state.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Local == nil:
		return nil, errors.New("syncengine: local store is required")
	case deps.Remote == nil:
		return nil, errors.New("syncengine: remote store is required")
	case deps.Cipher == nil:
		return nil, errors.New("syncengine: cipher is required")
	case deps.Tokens == nil:
		return nil, errors.New("syncengine: token manager is required")
	case deps.Documents == nil:
		return nil, errors.New("syncengine: document store is required")
	}

	def := DefaultConfig()
	if cfg.SyncPath == "" {
		cfg.SyncPath = def.SyncPath
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = def.BackupsDir
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	base := State{
		Enabled:    cfg.Enabled,
		Interval:   cfg.Interval,
		MaxRetries: cfg.MaxRetries,
	}
	state, err := loadState(deps.Documents, base)
	if err != nil {
		logger.Printf("Warning: %v, starting with fresh sync state", err)
		state = base
	}

	return &Engine{
		cfg:     cfg,
		local:   deps.Local,
		remote:  deps.Remote,
		cipher:  deps.Cipher,
		tokens:  deps.Tokens,
		docs:    deps.Documents,
		bus:     deps.Bus,
		logger:  logger,
		state:   state,
		online:  true,
		visible: true,
		baseCtx: context.Background(),
	}, nil
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		State:     e.state,
		Online:    e.online,
		Visible:   e.visible,
		LastError: e.lastErr,
		LastKind:  e.lastKind,
	}
	e.mu.Unlock()
	s.InProgress = e.inProgress.Load()
	s.PendingAuth = e.pendingSync()
	return s
}

// SetEnabled turns automatic syncing on or off and persists the choice.
func (e *Engine) SetEnabled(enabled bool) error {
	e.mu.Lock()
	e.state.Enabled = enabled
	s := e.state
	e.mu.Unlock()
	return saveState(e.docs, s)
}

// Reload picks up state another process persisted: the auto-sync switch
// and a newer last sync time.
func (e *Engine) Reload() error {
	e.mu.Lock()
	base := e.state
	e.mu.Unlock()

	s, err := loadState(e.docs, base)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Enabled != s.Enabled {
		e.logger.Printf("Auto-sync enabled: %v", s.Enabled)
	}
	e.state.Enabled = s.Enabled
	if s.LastSyncTime.After(e.state.LastSyncTime) {
		e.state.LastSyncTime = s.LastSyncTime
	}
	return nil
}

// RequestSync runs a cycle for trig, subject to the single-flight guard.
// Automatic triggers are ignored while auto-sync is disabled.
func (e *Engine) RequestSync(ctx context.Context, trig Trigger) Result {
	if trig.automatic() {
		e.mu.Lock()
		enabled := e.state.Enabled
		e.mu.Unlock()
		if !enabled {
			return Result{Skipped: true}
		}
	}
	e.logger.Printf("Sync requested (%s)", trig)
	return e.RunCycle(ctx)
}

// RunCycle performs one sync cycle. If another cycle is running it returns
// immediately with Skipped set. RunCycle never panics and never leaves the
// in-progress flag set.
func (e *Engine) RunCycle(ctx context.Context) Result {
	if !e.inProgress.CompareAndSwap(false, true) {
		e.logger.Printf("Sync already in progress, skipping")
		return Result{Skipped: true}
	}

	res := e.guardedCycle(ctx)
	if res.RetryScheduled {
		e.scheduleRetry()
	}
	return res
}

func (e *Engine) guardedCycle(ctx context.Context) (res Result) {
	defer e.inProgress.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("Sync panicked: %v", r)
			res = e.settle(ctx, res, fmt.Errorf("sync panicked: %v", r))
		}
	}()

	r, err := e.cycle(ctx)
	return e.settle(ctx, r, err)
}

func (e *Engine) cycle(ctx context.Context) (Result, error) {
	var res Result
	e.bus.Publish(events.Event{Type: events.SyncStarted})

	if v := e.tokens.Verify(ctx); !v.Valid {
		return res, fmt.Errorf("%w: %s", auth.ErrAuth, v.Reason)
	}

	local, err := e.local.ReadAll(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read local entries: %w", err)
	}

	var remoteEntries journal.Collection
	raw, err := e.remote.Download(ctx, e.cfg.SyncPath)
	switch {
	case remote.IsNotFound(err):
		res.FirstSync = true
		e.logger.Printf("No remote snapshot at %s, uploading %d local entries", e.cfg.SyncPath, len(local))
	case err != nil:
		return res, fmt.Errorf("failed to download snapshot: %w", err)
	default:
		remoteEntries, err = e.decode(raw)
		if err != nil {
			return res, err
		}
	}

	// Entries saved while the download was in flight are in the store but
	// not in local, so the merge runs against the stored collection.
	var merged journal.Collection
	err = e.local.Update(ctx, events.OriginSync, func(current journal.Collection) (journal.Collection, error) {
		if res.FirstSync {
			merged = current
			return current, nil
		}
		merged = reconcile.Merge(current, remoteEntries)
		res.Diff = reconcile.Compare(current, remoteEntries, merged)
		return merged, nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to write merged entries: %w", err)
	}
	res.Count = len(merged)
	if !res.FirstSync {
		e.bus.Publish(events.Event{
			Type:    events.SyncProgress,
			Count:   len(merged),
			Message: fmt.Sprintf("merged %d entries (%d updated locally, %d remotely)", len(merged), res.Diff.LocalUpdated, res.Diff.RemoteUpdated),
		})
	}

	payload, err := e.encode(merged)
	if err != nil {
		return res, err
	}
	if err := e.remote.Upload(ctx, e.cfg.SyncPath, payload, remote.ModeOverwrite); err != nil {
		return res, fmt.Errorf("failed to upload snapshot: %w", err)
	}
	res.Uploaded = true

	res.BackedUp = e.backup(ctx, payload)
	return res, nil
}

// backup uploads a timestamped copy of payload. Failures are logged only.
func (e *Engine) backup(ctx context.Context, payload []byte) bool {
	if err := e.remote.CreateFolder(ctx, e.cfg.BackupsDir); err != nil {
		e.logger.Printf("Warning: failed to create backups folder: %v", err)
		return false
	}
	name := "diary-data-" + e.cfg.Now().UTC().Format(backupStampLayout) + ".enc"
	p := path.Join(e.cfg.BackupsDir, name)
	if err := e.remote.Upload(ctx, p, payload, remote.ModeAdd); err != nil {
		e.logger.Printf("Warning: failed to upload backup %s: %v", p, err)
		return false
	}
	return true
}

func (e *Engine) decode(raw []byte) (journal.Collection, error) {
	plain, err := e.cipher.Decrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt snapshot: %w", err)
	}
	c, err := journal.Unmarshal([]byte(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return c, nil
}

func (e *Engine) encode(c journal.Collection) ([]byte, error) {
	data, err := journal.Marshal(c)
	if err != nil {
		return nil, err
	}
	sealed, err := e.cipher.Encrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt snapshot: %w", err)
	}
	return []byte(sealed), nil
}

// settle records the outcome of a cycle in the engine state and publishes
// the matching events. It decides whether a retry is due but does not
// schedule it; RunCycle does that after the guard is released.
func (e *Engine) settle(ctx context.Context, res Result, err error) Result {
	if err == nil {
		e.mu.Lock()
		e.state.LastSyncTime = e.cfg.Now().UTC()
		e.state.RetryCount = 0
		e.state.ChangeDetected = false
		e.lastErr = ""
		e.lastKind = FailureNone
		s := e.state
		e.mu.Unlock()

		e.persist(s)
		if err := e.docs.Delete(kv.KeyPendingSync); err != nil {
			e.logger.Printf("Warning: failed to clear pending sync: %v", err)
		}

		e.logger.Printf("Sync complete: %d entries", res.Count)
		e.bus.Publish(events.Event{Type: events.SyncSucceeded, Count: res.Count})
		e.bus.Publish(events.Event{Type: events.DataRefreshed, Count: res.Count})
		return res
	}

	res.Err = err
	res.Kind = Classify(err)

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		res.Canceled = true
		e.logger.Printf("Sync canceled: %v", err)
		e.bus.Publish(events.Event{Type: events.SyncFailed, Error: err.Error(), Kind: res.Kind.String(), Message: "sync canceled"})
		return res
	}

	e.mu.Lock()
	e.lastErr = err.Error()
	e.lastKind = res.Kind
	e.mu.Unlock()

	switch res.Kind {
	case FailureAuth:
		e.logger.Printf("Sync needs authorization: %v", err)
		res.AuthURL = e.requireAuthorization(err)
		e.bus.Publish(events.Event{Type: events.SyncFailed, Error: err.Error(), Kind: res.Kind.String(), Final: true, Message: UserMessage(res.Kind)})

	case FailureStorage, FailureDecryption:
		e.logger.Printf("Sync failed (%s): %v", res.Kind, err)
		e.bus.Publish(events.Event{Type: events.SyncFailed, Error: err.Error(), Kind: res.Kind.String(), Final: true, Message: UserMessage(res.Kind)})

	default:
		e.mu.Lock()
		e.state.RetryCount++
		res.Attempt = e.state.RetryCount
		res.RetryScheduled = e.state.RetryCount <= e.state.MaxRetries
		s := e.state
		e.mu.Unlock()
		e.persist(s)

		if res.RetryScheduled {
			e.logger.Printf("Sync failed, retrying in %v (%d/%d): %v", e.cfg.RetryDelay, res.Attempt, s.MaxRetries, err)
		} else {
			e.logger.Printf("Sync failed after %d retries: %v", s.MaxRetries, err)
		}
		e.bus.Publish(events.Event{
			Type:    events.SyncFailed,
			Error:   err.Error(),
			Kind:    res.Kind.String(),
			Attempt: res.Attempt,
			Final:   !res.RetryScheduled,
			Message: UserMessage(res.Kind),
		})
	}
	return res
}

// requireAuthorization drops the rejected credential, marks the sync as
// pending and starts a new authorization. It returns the authorization URL,
// or "" when none could be built.
func (e *Engine) requireAuthorization(cause error) string {
	if err := e.tokens.ClearCredential(); err != nil {
		e.logger.Printf("Warning: failed to clear credential: %v", err)
	}
	if err := e.docs.Set(kv.KeyPendingSync, "true"); err != nil {
		e.logger.Printf("Warning: failed to mark pending sync: %v", err)
	}

	authURL, err := e.tokens.BeginAuthorization()
	if err != nil {
		e.logger.Printf("Cannot start authorization: %v", err)
	}
	e.bus.Publish(events.Event{
		Type:    events.AuthRequired,
		URL:     authURL,
		Error:   cause.Error(),
		Message: UserMessage(FailureAuth),
	})
	return authURL
}

// CompleteAuthorization stores cred and, if a sync was interrupted by the
// authorization, runs it now.
func (e *Engine) CompleteAuthorization(ctx context.Context, cred auth.Credential) (Result, error) {
	if err := e.tokens.SetCredential(cred); err != nil {
		return Result{}, err
	}
	if !e.pendingSync() {
		return Result{Skipped: true}, nil
	}
	e.logger.Printf("Resuming sync interrupted by authorization")
	return e.RequestSync(ctx, TriggerAuthorized), nil
}

func (e *Engine) pendingSync() bool {
	v, ok, err := e.docs.Get(kv.KeyPendingSync)
	return err == nil && ok && v == "true"
}

func (e *Engine) persist(s State) {
	if err := saveState(e.docs, s); err != nil {
		e.logger.Printf("Warning: %v", err)
	}
}

func (e *Engine) scheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(e.cfg.RetryDelay, func() {
		e.spawn(TriggerRetry, nil)
	})
}

// spawn runs a cycle in the background unless the engine is closed.
// before, if set, runs first in the same goroutine.
func (e *Engine) spawn(trig Trigger, before func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	ctx := e.baseCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if before != nil {
			before(ctx)
		}
		e.RequestSync(ctx, trig)
	}()
	return true
}

func (e *Engine) markChanged() {
	e.mu.Lock()
	e.state.ChangeDetected = true
	s := e.state
	e.mu.Unlock()
	e.persist(s)
}

// NotifyLocalChange records a local mutation and requests a sync.
func (e *Engine) NotifyLocalChange() {
	e.markChanged()
	e.spawn(TriggerLocalChange, nil)
}

// NotifyStorageChange handles a document store change made by another
// process: the structured backend is refreshed from the document first,
// then a sync is requested.
func (e *Engine) NotifyStorageChange() {
	e.markChanged()
	e.spawn(TriggerStorageChange, func(ctx context.Context) {
		n, err := e.local.Mirror(ctx)
		if err != nil {
			e.logger.Printf("Warning: failed to mirror document store: %v", err)
			return
		}
		e.logger.Printf("Mirrored %d entries from document store", n)
	})
}

// NotifyNetwork records connectivity. Coming back online syncs a pending
// change.
func (e *Engine) NotifyNetwork(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	pending := e.state.ChangeDetected
	e.mu.Unlock()

	if online && !was {
		e.logger.Printf("Network restored")
	}
	if online && pending {
		e.spawn(TriggerNetwork, nil)
	}
}

// NotifyVisibility records whether a client is looking at the journal.
// Becoming visible syncs a pending change.
func (e *Engine) NotifyVisibility(visible bool) {
	e.mu.Lock()
	e.visible = visible
	pending := e.state.ChangeDetected
	e.mu.Unlock()

	if visible && pending {
		e.spawn(TriggerVisibility, nil)
	}
}

// Run is the auto-sync scheduler. It runs an initial cycle, then ticks
// every Interval and reacts to LocalChanged events from other writers. When
// ctx is canceled it waits for running cycles, then makes one final
// best-effort cycle if a change is still pending.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("syncengine: engine is closed")
	}
	e.baseCtx = ctx
	e.mu.Unlock()

	var evCh <-chan events.Event
	if e.bus != nil {
		ch, cancel := e.bus.Subscribe(64)
		defer cancel()
		evCh = ch
	}

	e.spawn(TriggerStartup, nil)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case <-ticker.C:
			e.tick()

		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			if ev.Type == events.LocalChanged && ev.Origin != events.OriginSync {
				e.NotifyLocalChange()
			}
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	s := e.state
	online, visible := e.online, e.visible
	e.mu.Unlock()

	if !s.Enabled || !online || !visible || e.inProgress.Load() {
		return
	}
	switch {
	case s.ChangeDetected:
		e.spawn(TriggerPeriodic, nil)
	case s.LastSyncTime.IsZero(), e.cfg.Now().Sub(s.LastSyncTime) >= e.cfg.StaleAfter:
		e.spawn(TriggerPeriodic, nil)
	}
}

func (e *Engine) shutdown() {
	e.Close()

	e.mu.Lock()
	pending := e.state.ChangeDetected && e.state.Enabled
	e.mu.Unlock()
	if !pending {
		return
	}

	e.logger.Printf("Running final sync before shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if res := e.RunCycle(ctx); res.Err != nil {
		e.logger.Printf("Final sync did not complete: %v", res.Err)
	}
}

// Close stops scheduling new cycles, cancels a pending retry and waits for
// background cycles to finish. Explicit RunCycle calls still work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}
