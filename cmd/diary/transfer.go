package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/exchange"
	"github.com/mschirtzinger/diary/internal/journal"
	"github.com/mschirtzinger/diary/internal/reconcile"
)

var importCmd = &cobra.Command{
	Use:     "import [file]",
	GroupID: "entries",
	Short:   "Import entries from JSON, JSON Lines, YAML or text",
	Long: `Import entries and merge them into the journal.

Imported entries are merged the same way a sync merges snapshots: an entry
that already exists is replaced only if the imported copy was modified more
recently.

Text files hold one entry per block, blocks separated by a line containing
only "---". A first line holding just a date ("2024-05-01", "May 3 2024",
"yesterday") dates the entry; #hashtags become tags.

The format is taken from --format, else from the file extension. Without a
file, stdin is read.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, err := formatFlag(cmd, args)
		if err != nil {
			fatalf("%v", err)
		}

		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			r = f
		}

		imported, err := exchange.Import(r, format, time.Now())
		if err != nil {
			fatalf("import failed: %v", err)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		var diff reconcile.Diff
		err = a.store.Update(ctx, events.OriginImport, func(current journal.Collection) (journal.Collection, error) {
			merged := reconcile.Merge(imported, current)
			diff = reconcile.Compare(current, imported, merged)
			return merged, nil
		})
		if err != nil {
			fatalf("failed to save entries: %v", err)
		}
		printer().Success("Imported %d entries (%d added or updated)", len(imported), diff.LocalUpdated)
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "entries",
	Short:   "Export all entries as JSON, JSON Lines or YAML",
	Long: `Export the journal in plain (unencrypted) JSON, JSON Lines or YAML.
Without a file the export is written to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, err := formatFlag(cmd, args)
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		c, err := a.store.ReadAll(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		c.SortNewestFirst()

		var w io.Writer = os.Stdout
		if len(args) == 1 && args[0] != "-" {
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			w = f
		}
		if err := exchange.Export(w, c, format); err != nil {
			fatalf("export failed: %v", err)
		}
		if w != os.Stdout {
			printer().Success("Exported %d entries to %s", len(c), args[0])
		}
	},
}

func formatFlag(cmd *cobra.Command, args []string) (exchange.Format, error) {
	if s, _ := cmd.Flags().GetString("format"); s != "" {
		return exchange.ParseFormat(s)
	}
	if len(args) == 1 {
		return exchange.DetectFormat(args[0]), nil
	}
	return exchange.FormatJSON, nil
}

func init() {
	importCmd.Flags().StringP("format", "f", "", "json, jsonl, yaml or text")
	exportCmd.Flags().StringP("format", "f", "", "json, jsonl or yaml")

	rootCmd.AddCommand(importCmd, exportCmd)
}
