package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/syncengine"
	"github.com/mschirtzinger/diary/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the remote snapshot now",
	Long: `Run one sync cycle: download the encrypted remote snapshot, merge it with
the local entries (most recently modified copy wins), save the result
locally, upload it, and keep a timestamped backup copy remotely.

A manual sync runs even when auto-sync is off.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		if err := a.openSync(); err != nil {
			fatalf("%v", err)
		}

		res := a.engine.RequestSync(ctx, syncengine.TriggerManual)
		a.engine.Close()

		p := printer()
		if !reportResult(p, res) {
			a.db.Close()
			os.Exit(1)
		}
	},
}

// reportResult prints a cycle result and reports whether it succeeded.
func reportResult(p *ui.Printer, res syncengine.Result) bool {
	switch {
	case res.Skipped:
		p.Warn("A sync is already running")
		return true
	case res.Err == nil:
		if res.FirstSync {
			p.Success("First sync: uploaded %d entries", res.Count)
		} else {
			p.Success("Synced %d entries (%d updated here, %d updated remotely)",
				res.Count, res.Diff.LocalUpdated, res.Diff.RemoteUpdated)
		}
		if !res.BackedUp {
			p.Warn("Remote backup copy could not be written")
		}
		return true
	case res.Canceled:
		p.Warn("Sync canceled")
		return false
	}

	p.Error("%s", syncengine.UserMessage(res.Kind))
	p.Info("  %v", res.Err)
	if res.AuthURL != "" {
		p.Info("Authorize again with `diary auth`, or open:\n  %s", res.AuthURL)
	}
	if res.RetryScheduled {
		p.Info("The daemon retries automatically; run `diary sync` to try again now.")
	}
	return false
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state and storage usage",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		if err := a.openSync(); err != nil {
			fatalf("%v", err)
		}

		c, err := a.store.ReadAll(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		printer().Status(ui.StatusView{
			Backend: a.cfg.Remote.Backend,
			Auth:    a.authState(),
			Sync:    a.engine.Status(),
			Stats:   journal.ComputeStats(c),
			Now:     time.Now(),
		})
	},
}

var autoCmd = &cobra.Command{
	Use:       "auto <on|off>",
	GroupID:   "sync",
	Short:     "Turn automatic syncing on or off",
	Long:      `Turn automatic syncing by the daemon on or off. Manual syncs always run.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	Run: func(cmd *cobra.Command, args []string) {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
		default:
			fatalf("expected on or off, got %q", args[0])
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		if err := a.openSync(); err != nil {
			fatalf("%v", err)
		}
		if err := a.engine.SetEnabled(enabled); err != nil {
			fatalf("%v", err)
		}
		printer().Success("Auto-sync %s", args[0])
	},
}

var recoverCmd = &cobra.Command{
	Use:     "recover",
	GroupID: "sync",
	Short:   "Restore entries from the local backup copy",
	Long: `Restore the journal from the local backup copy kept in the document store
when the journal is empty. If the journal has entries, the backup copy is
refreshed from them instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		res, err := a.store.Recover(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		p := printer()
		switch {
		case res.Restored:
			p.Success("Restored %d entries from the local backup", res.Count)
		case res.BackedUp:
			p.Success("Backup refreshed with %d entries", res.Count)
		default:
			p.Info("Nothing to recover: the journal and the backup are both empty")
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, autoCmd, recoverCmd)
}
