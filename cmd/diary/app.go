package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/diary/internal/auth"
	"github.com/mschirtzinger/diary/internal/codec"
	"github.com/mschirtzinger/diary/internal/config"
	"github.com/mschirtzinger/diary/internal/db"
	"github.com/mschirtzinger/diary/internal/dualstore"
	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/kv"
	"github.com/mschirtzinger/diary/internal/remote"
	"github.com/mschirtzinger/diary/internal/remote/dropbox"
	"github.com/mschirtzinger/diary/internal/remote/folder"
	"github.com/mschirtzinger/diary/internal/syncengine"
	"github.com/mschirtzinger/diary/internal/ui"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	docs   *kv.Store
	db     *db.DB
	bus    *events.Bus
	store  *dualstore.Store
	tokens *auth.Manager
	remote remote.Store
	engine *syncengine.Engine

	// logs receives component diagnostics; nil means "stderr if verbose".
	logs io.Writer
}

func printer() *ui.Printer {
	return ui.New(os.Stdout, !noColor && isTerminal(os.Stdout))
}

// openApp loads the configuration and opens the local stores.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return openAppWith(ctx, cfg, nil)
}

func openAppWith(ctx context.Context, cfg *config.Config, logs io.Writer) (*app, error) {
	a := &app{cfg: cfg, bus: events.NewBus(), logs: logs}

	docs, err := kv.Open(cfg.DocumentsPath())
	if err != nil {
		return nil, err
	}
	a.docs = docs

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}
	a.db = database

	a.store = dualstore.New(database, docs, dualstore.Config{
		Bus:    a.bus,
		Logger: componentLogger(logs, "dualstore"),
	})
	return a, nil
}

// Close releases the engine and the database.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// openSync wires the credential manager, the remote store and the engine.
func (a *app) openSync() error {
	if a.engine != nil {
		return nil
	}

	tokens, err := auth.New(a.docs, auth.Config{
		AppKey:      a.cfg.Dropbox.AppKey,
		RedirectURI: a.cfg.Dropbox.RedirectURI,
		Logger:      componentLogger(a.logs, "auth"),
	})
	if err != nil {
		return err
	}
	a.tokens = tokens

	var access syncengine.Tokens = tokens
	switch a.cfg.Remote.Backend {
	case config.BackendFolder:
		a.remote = mountedFolder{folder.New(afero.NewOsFs(), a.cfg.Remote.Folder)}
		access = folderAccess{}
	default:
		client := dropbox.New(dropbox.Config{
			Token:   tokens.Token,
			Timeout: a.cfg.Remote.Timeout,
			Logger:  componentLogger(a.logs, "dropbox"),
		})
		tokens.SetVerifier(client)
		a.remote = client
	}

	cipher, err := codec.LoadOrCreate(a.docs)
	if err != nil {
		return err
	}

	engCfg := syncengine.Config{
		SyncPath:        a.cfg.Remote.SyncPath,
		BackupsDir:      a.cfg.Remote.BackupsDir,
		Enabled:         a.cfg.Sync.Enabled,
		Interval:        a.cfg.Sync.Interval,
		StaleAfter:      a.cfg.Sync.StaleAfter,
		RetryDelay:      a.cfg.Sync.RetryDelay,
		MaxRetries:      a.cfg.Sync.MaxRetries,
		ShutdownTimeout: a.cfg.Sync.ShutdownTimeout,
		Logger:          componentLogger(a.logs, "sync"),
	}
	eng, err := syncengine.New(syncengine.Deps{
		Local:     a.store,
		Remote:    a.remote,
		Cipher:    cipher,
		Tokens:    access,
		Documents: a.docs,
		Bus:       a.bus,
	}, engCfg)
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

// folderAccess stands in for the credential manager when syncing to a
// local folder: there is nothing to authorize.
type folderAccess struct{}

func (folderAccess) Verify(context.Context) auth.Verification {
	return auth.Verification{Valid: true}
}

func (folderAccess) ClearCredential() error { return nil }

func (folderAccess) BeginAuthorization() (string, error) {
	return "", errors.New("the folder backend needs no authorization")
}

func (folderAccess) SetCredential(auth.Credential) error { return nil }

// mountedFolder refuses to download from a folder that is not there, so an
// unmounted cloud folder fails the cycle instead of looking like a first
// sync.
type mountedFolder struct {
	*folder.Store
}

func (m mountedFolder) Download(ctx context.Context, p string) ([]byte, error) {
	if err := m.VerifyIdentity(ctx); err != nil {
		return nil, err
	}
	return m.Store.Download(ctx, p)
}

// authState describes the remote's authorization for status output.
func (a *app) authState() string {
	if a.cfg.Remote.Backend == config.BackendFolder {
		return "not required (" + a.cfg.Remote.Folder + ")"
	}
	if a.tokens == nil {
		return "unknown"
	}
	s := a.tokens.State().String()
	if c := a.tokens.Credential(); c != nil && !c.ExpiresAt.IsZero() {
		s += fmt.Sprintf(", expires %s", c.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return s
}

var (
	errNoMatch   = errors.New("no entry matches")
	errAmbiguous = errors.New("ambiguous entry id")
)

// resolveID finds the entry whose id equals ref or ends with it.
func resolveID(c journal.Collection, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1, fmt.Errorf("%w: empty id", errNoMatch)
	}
	if i := c.Find(ref); i >= 0 {
		return i, nil
	}

	found := -1
	for i, e := range c {
		if strings.HasSuffix(e.ID, ref) {
			if found >= 0 {
				return -1, fmt.Errorf("%w: %q matches %s and %s", errAmbiguous, ref, c[found].ID, e.ID)
			}
			found = i
		}
	}
	if found < 0 {
		return -1, fmt.Errorf("%w %q", errNoMatch, ref)
	}
	return found, nil
}
