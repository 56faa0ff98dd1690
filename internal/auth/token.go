// Package auth owns the remote-store credential and its lifecycle.
//
// State machine:
//
//	Unauthorized --BeginAuthorization--> Authorizing
//	Authorizing  --SetCredential-------> Authorized
//	Authorized   --Verify: expired/401-> Expired
//	Expired      --BeginAuthorization--> Authorizing
//
// The credential is persisted in the document store under access_token and
// token_expires (unix milliseconds) and is mutated only through Manager.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/diary/internal/kv"
	"github.com/mschirtzinger/diary/internal/remote"
)

// DefaultAuthorizeURL is the Dropbox OAuth2 authorization endpoint.
const DefaultAuthorizeURL = "https://www.dropbox.com/oauth2/authorize"

var (
	// ErrAuth is returned when an operation needs a valid credential.
	ErrAuth = errors.New("authorization required")

	// ErrNoAppKey is returned by BeginAuthorization when no app key is set.
	ErrNoAppKey = errors.New("no app key configured")

	// ErrInvalidCredential is returned for empty or malformed credentials.
	ErrInvalidCredential = errors.New("invalid credential")
)

// State is the authorization state.
type State int

const (
	Unauthorized State = iota
	Authorizing
	Authorized
	Expired
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Unauthorized:
		return "unauthorized"
	case Authorizing:
		return "authorizing"
	case Authorized:
		return "authorized"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Credential is a bearer token with an optional expiry.
type Credential struct {
	Token string
	// ExpiresAt is zero when the provider gave no expiry.
	ExpiresAt time.Time
}

// Expired reports whether the credential's expiry has passed at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Verification is the outcome of Verify.
type Verification struct {
	Valid  bool
	Reason string
}

// Verifier checks a credential against the remote store.
type Verifier interface {
	VerifyIdentity(ctx context.Context) error
}

// Store is the document store slice the manager persists into.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Config configures a Manager.
type Config struct {
	// AppKey identifies the application to the provider. If empty the
	// value persisted under dropbox_app_key is used.
	AppKey string
	// RedirectURI receives the token after authorization. Optional; without
	// it the provider shows the token for manual paste.
	RedirectURI string
	// AuthorizeURL overrides DefaultAuthorizeURL.
	AuthorizeURL string
	// Now overrides the clock (tests).
	Now func() time.Time
	// Logger defaults to stderr with an [auth] prefix.
	Logger *log.Logger
}

// Manager is the TokenManager.
type Manager struct {
	store  Store
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	state    State
	cred     *Credential
	verifier Verifier
}

// New loads any persisted credential and derives the initial state.
func New(store Store, cfg Config) (*Manager, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}

	m := &Manager{store: store, cfg: cfg, logger: logger, state: Unauthorized}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the persisted credential, picking up one stored by
// another process.
func (m *Manager) Reload() error {
	token, ok, err := m.store.Get(kv.KeyAccessToken)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok || token == "" {
		m.cred = nil
		if m.state == Authorized {
			m.state = Unauthorized
		}
		return nil
	}

	cred := Credential{Token: token}
	if raw, ok, _ := m.store.Get(kv.KeyTokenExpires); ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cred.ExpiresAt = time.UnixMilli(ms).UTC()
		}
	}
	m.cred = &cred
	m.state = Authorized
	if cred.Expired(m.cfg.Now()) {
		m.state = Expired
	}
	return nil
}

// SetVerifier attaches the remote store used by Verify.
func (m *Manager) SetVerifier(v Verifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifier = v
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credential returns a copy of the current credential, or nil.
func (m *Manager) Credential() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil
	}
	c := *m.cred
	return &c
}

// Token returns the current bearer token, or "".
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.Token
}

// SetCredential persists c and moves to Authorized.
func (m *Manager) SetCredential(c Credential) error {
	c.Token = strings.TrimSpace(c.Token)
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Set(kv.KeyAccessToken, c.Token); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	if c.ExpiresAt.IsZero() {
		if err := m.store.Delete(kv.KeyTokenExpires); err != nil {
			return fmt.Errorf("failed to persist credential expiry: %w", err)
		}
	} else {
		if err := m.store.Set(kv.KeyTokenExpires, strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10)); err != nil {
			return fmt.Errorf("failed to persist credential expiry: %w", err)
		}
	}

	m.cred = &c
	m.state = Authorized
	m.logger.Printf("Credential stored")
	return nil
}

// ClearCredential removes the credential. An expired manager stays Expired
// so callers can tell "never authorized" from "needs re-authorization".
func (m *Manager) ClearCredential() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(kv.KeyAccessToken); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	if err := m.store.Delete(kv.KeyTokenExpires); err != nil {
		return fmt.Errorf("failed to remove credential expiry: %w", err)
	}

	m.cred = nil
	if m.state != Expired {
		m.state = Unauthorized
	}
	return nil
}

// AppKey returns the configured or persisted app key.
func (m *Manager) AppKey() string {
	if m.cfg.AppKey != "" {
		return m.cfg.AppKey
	}
	key, _, _ := m.store.Get(kv.KeyAppKey)
	return key
}

// SetAppKey persists the app key used when no key is configured.
func (m *Manager) SetAppKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoAppKey
	}
	if err := m.store.Set(kv.KeyAppKey, key); err != nil {
		return fmt.Errorf("failed to persist app key: %w", err)
	}
	return nil
}

// BeginAuthorization moves to Authorizing and returns the URL the user
// must visit. The provider returns the token in the redirect fragment
// (implicit grant).
func (m *Manager) BeginAuthorization() (string, error) {
	appKey := m.AppKey()
	if appKey == "" {
		return "", ErrNoAppKey
	}

	q := url.Values{}
	q.Set("client_id", appKey)
	q.Set("response_type", "token")
	if m.cfg.RedirectURI != "" {
		q.Set("redirect_uri", m.cfg.RedirectURI)
	}
	authURL := m.cfg.AuthorizeURL + "?" + q.Encode()

	m.mu.Lock()
	m.state = Authorizing
	m.mu.Unlock()

	return authURL, nil
}

// CredentialFromRedirect extracts the credential from the redirect URL the
// provider sent the user to. Parameters are read from the fragment, then
// the query string.
func (m *Manager) CredentialFromRedirect(rawURL string) (Credential, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	params, err := url.ParseQuery(u.Fragment)
	if err != nil || (params.Get("access_token") == "" && params.Get("error") == "") {
		params = u.Query()
	}

	if e := params.Get("error"); e != "" {
		desc := params.Get("error_description")
		if desc == "" {
			desc = e
		}
		return Credential{}, fmt.Errorf("%w: provider returned %s", ErrInvalidCredential, desc)
	}

	token := params.Get("access_token")
	if token == "" {
		return Credential{}, fmt.Errorf("%w: no access_token in redirect", ErrInvalidCredential)
	}

	cred := Credential{Token: token}
	if raw := params.Get("expires_in"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return Credential{}, fmt.Errorf("%w: bad expires_in %q", ErrInvalidCredential, raw)
		}
		cred.ExpiresAt = m.cfg.Now().Add(time.Duration(secs) * time.Second).UTC()
	}
	return cred, nil
}

// CredentialFromPaste builds a credential from a manually pasted token.
func CredentialFromPaste(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return Credential{}, fmt.Errorf("%w: token contains whitespace", ErrInvalidCredential)
	}
	return Credential{Token: token}, nil
}

// Verify reports whether the current credential is usable. It never
// returns an error: every failure is a Verification with Valid false.
// An expired or rejected credential moves the manager to Expired.
func (m *Manager) Verify(ctx context.Context) Verification {
	m.mu.Lock()
	cred := m.cred
	verifier := m.verifier
	m.mu.Unlock()

	if cred == nil {
		return Verification{Valid: false, Reason: "not authorized"}
	}
	if cred.Expired(m.cfg.Now()) {
		m.markExpired()
		return Verification{Valid: false, Reason: "token expired"}
	}
	if verifier == nil {
		return Verification{Valid: true}
	}

	err := verifier.VerifyIdentity(ctx)
	switch {
	case err == nil:
		return Verification{Valid: true}
	case remote.IsUnauthorized(err):
		m.markExpired()
		return Verification{Valid: false, Reason: "token invalid or expired"}
	default:
		m.logger.Printf("Verification failed: %v", err)
		return Verification{Valid: false, Reason: "verification failed: " + err.Error()}
	}
}

func (m *Manager) markExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Expired
}
