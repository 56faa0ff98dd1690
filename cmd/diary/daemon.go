package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/diary/internal/config"
	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/eventsrv"
	"github.com/mschirtzinger/diary/internal/kv"
	"github.com/mschirtzinger/diary/internal/netmon"
	"github.com/mschirtzinger/diary/internal/syncengine"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the journal synced in the background",
	Long: `Run the auto-sync scheduler in the foreground until interrupted.

The daemon:
  - syncs at startup and whenever a pending change or a stale snapshot
    is found on its periodic tick
  - notices entries written by other diary commands and syncs them
  - pauses while the network is unreachable and catches up when it returns
  - retries failed syncs a bounded number of times
  - serves a WebSocket event stream and the Dropbox authorization callback

WebSocket endpoint: ws://127.0.0.1:8765/ws (see events.addr)

On Ctrl+C a final sync runs if changes are still pending.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fatalf("%v", err)
		}

		var logs io.Writer = os.Stderr
		if cfg.Log.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: 3,
				MaxAge:     28,
			}
			defer rotator.Close()
			logs = rotator
		}
		logger := log.New(logs, "[daemon] ", log.LstdFlags)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openAppWith(ctx, cfg, logs)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		if err := a.openSync(); err != nil {
			fatalf("%v", err)
		}

		watcher, err := kv.NewWatcher()
		if err != nil {
			fatalf("%v", err)
		}
		if err := watcher.Start(a.docs.Path()); err != nil {
			fatalf("%v", err)
		}
		defer watcher.Stop()
		go watchDocuments(ctx, a, watcher, logger)

		go logEvents(a.bus, logger)

		if cfg.Remote.Backend == config.BackendDropbox {
			mon := netmon.New(netmon.Config{
				ProbeAddr: cfg.Netmon.ProbeAddr,
				Interval:  cfg.Netmon.Interval,
				Logger:    log.New(logs, "[netmon] ", log.LstdFlags),
			})
			go mon.Run(ctx, a.engine.NotifyNetwork)
		}

		srv := eventsrv.NewServer(eventsrv.Config{
			Addr:       cfg.Events.Addr,
			Bus:        a.bus,
			Controller: a.engine,
			OnRedirect: redirectHandler(ctx, a, logger),
			Status: func() any { return a.engine.Status() },
			Logger: log.New(logs, "[events] ", log.LstdFlags),
		})
		if err := srv.Start(); err != nil {
			logger.Printf("Warning: event server disabled: %v", err)
		} else {
			defer srv.Stop()
			logger.Printf("Event stream on ws://%s/ws", srv.Addr())
		}

		logger.Printf("Syncing %s with %s backend every %v", cfg.DataDir, cfg.Remote.Backend, cfg.Sync.Interval)
		if err := a.engine.Run(ctx); err != nil {
			fatalf("%v", err)
		}
		logger.Printf("Stopped")
	},
}

// watchDocuments forwards document file changes made by other processes
// to the engine and the credential manager.
func watchDocuments(ctx context.Context, a *app, w *kv.Watcher, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Printf("Watcher error: %v", err)

		case _, ok := <-w.Events():
			if !ok {
				return
			}
			changed, err := a.docs.Reload()
			if err != nil {
				logger.Printf("Warning: failed to reload documents: %v", err)
				continue
			}
			handleDocumentChange(ctx, a, changed, logger)
		}
	}
}

func handleDocumentChange(ctx context.Context, a *app, changed []string, logger *log.Logger) {
	if slices.Contains(changed, kv.KeyEntries) {
		a.engine.NotifyStorageChange()
	}
	if slices.Contains(changed, kv.KeySyncConfig) {
		if err := a.engine.Reload(); err != nil {
			logger.Printf("Warning: %v", err)
		}
	}
	if a.cfg.Remote.Backend == config.BackendDropbox && slices.Contains(changed, kv.KeyAccessToken) {
		if err := a.tokens.Reload(); err != nil {
			logger.Printf("Warning: %v", err)
			return
		}
		if cred := a.tokens.Credential(); cred != nil {
			logger.Printf("Picked up a new credential")
			go func() {
				if _, err := a.engine.CompleteAuthorization(ctx, *cred); err != nil {
					logger.Printf("Warning: %v", err)
				}
			}()
		}
	}
}

// redirectHandler stores the credential carried by a provider redirect and
// resumes an interrupted sync on ctx, so the browser gets its reply without
// waiting for the cycle.
func redirectHandler(ctx context.Context, a *app, logger *log.Logger) eventsrv.RedirectFunc {
	return func(_ context.Context, rawURL string) error {
		cred, err := a.tokens.CredentialFromRedirect(rawURL)
		if err != nil {
			return err
		}
		if err := a.tokens.SetCredential(cred); err != nil {
			return err
		}
		go func() {
			if _, err := a.engine.CompleteAuthorization(ctx, cred); err != nil {
				logger.Printf("Warning: %v", err)
			}
		}()
		return nil
	}
}

// logEvents writes sync outcomes to the daemon log.
func logEvents(bus *events.Bus, logger *log.Logger) {
	ch, _ := bus.Subscribe(16)
	for ev := range ch {
		switch ev.Type {
		case events.SyncSucceeded:
			logger.Printf("Sync succeeded (%d entries)", ev.Count)
		case events.SyncFailed:
			if ev.Final {
				logger.Printf("Sync failed: %s", ev.Error)
			}
		case events.AuthRequired:
			logger.Printf("%s", syncengine.UserMessage(syncengine.FailureAuth))
			if ev.URL != "" {
				logger.Printf("Authorize at %s", ev.URL)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
