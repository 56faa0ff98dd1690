// Command diary is an encrypted, cloud-synced journal for the terminal.
package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	cfgFile string
	noColor bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "diary",
	Short: "Encrypted journal with cloud sync",
	Long: `diary keeps a personal journal on this machine and syncs an encrypted
snapshot of it to Dropbox (or a local folder).

Entries live in a local SQLite database mirrored to a JSON document file.
Every sync downloads the remote snapshot, merges it entry by entry (the most
recently modified copy wins), and uploads the result.

Run 'diary auth' once to connect Dropbox, then 'diary daemon' to keep the
journal synced in the background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $DIARY_HOME/diary.toml or ~/.config/diary/diary.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log component diagnostics to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "entries", Title: "Entries:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	printer().Error(format, args...)
	os.Exit(1)
}

// componentLogger returns a logger for a library component. Outside the
// daemon, diagnostics are only shown with --verbose.
func componentLogger(w io.Writer, name string) *log.Logger {
	if w == nil {
		w = io.Discard
		if verbose {
			w = os.Stderr
		}
	}
	return log.New(w, "["+name+"] ", log.LstdFlags)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
