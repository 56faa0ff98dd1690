package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/journal"
)

var addCmd = &cobra.Command{
	Use:     "add [text...]",
	GroupID: "entries",
	Short:   "Write a new entry",
	Long: `Write a new journal entry.

The entry text is taken from the arguments, from stdin when it is piped, or
from an interactive form.

Examples:
  diary add "Walked along the river" -t walk
  echo "Long day." | diary add --title Monday
  diary add                      # opens a form`,
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		content, err := readContent(args)
		if err != nil {
			fatalf("%v", err)
		}
		if content == "" {
			if !isTerminal(os.Stdin) {
				fatalf("entry text is empty")
			}
			var tagLine string
			if err := entryForm(&title, &content, &tagLine).Run(); err != nil {
				fatalf("%v", err)
			}
			tags = append(tags, splitTags(tagLine)...)
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		e := journal.NewEntry(title, content, tags, time.Now())
		if err := e.Validate(); err != nil {
			fatalf("%v", err)
		}
		err = a.store.Update(ctx, events.OriginEditor, func(c journal.Collection) (journal.Collection, error) {
			return append(c, e), nil
		})
		if err != nil {
			fatalf("failed to save entry: %v", err)
		}
		printer().Success("Saved entry %s", e.ID)
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "entries",
	Short:   "Change an entry's title, text or tags",
	Long: `Change an entry. Without flags an interactive form opens with the current
values. The id may be given as any unique suffix.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		flags := cmd.Flags()
		err = mutateEntry(ctx, a, args[0], func(e *journal.Entry) error {
			title, content, tags := e.Title, e.Content, e.Tags
			if flags.Changed("title") {
				title, _ = flags.GetString("title")
			}
			if flags.Changed("content") {
				content, _ = flags.GetString("content")
			}
			if flags.Changed("tag") {
				tags, _ = flags.GetStringSlice("tag")
			}

			if !flags.Changed("title") && !flags.Changed("content") && !flags.Changed("tag") {
				if !isTerminal(os.Stdin) {
					return errors.New("nothing to change; pass --title, --content or --tag")
				}
				tagLine := strings.Join(tags, ", ")
				if err := entryForm(&title, &content, &tagLine).Run(); err != nil {
					return err
				}
				tags = splitTags(tagLine)
			}
			e.Update(title, content, tags, time.Now())
			return e.Validate()
		})
		if err != nil {
			fatalf("%v", err)
		}
		printer().Success("Updated entry")
	},
}

var commentCmd = &cobra.Command{
	Use:     "comment <id> <text...>",
	GroupID: "entries",
	Short:   "Add a comment to an entry",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" {
			fatalf("comment is empty")
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		err = mutateEntry(ctx, a, args[0], func(e *journal.Entry) error {
			e.AddComment(text, time.Now())
			return nil
		})
		if err != nil {
			fatalf("%v", err)
		}
		printer().Success("Comment added")
	},
}

var tagCmd = &cobra.Command{
	Use:     "tag <id> [tag...]",
	GroupID: "entries",
	Short:   "Add or remove tags",
	Long: `Add tags to an entry, or remove them with --remove. With neither, the
current tags are printed.

Examples:
  diary tag 3f2a walk river
  diary tag 3f2a --remove river`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		remove, _ := cmd.Flags().GetStringSlice("remove")

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if len(args) == 1 && len(remove) == 0 {
			c, err := a.store.ReadAll(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			i, err := resolveID(c, args[0])
			if err != nil {
				fatalf("%v", err)
			}
			printer().Info("%s", strings.Join(c[i].Tags, " "))
			return
		}

		err = mutateEntry(ctx, a, args[0], func(e *journal.Entry) error {
			e.Update(e.Title, e.Content, editTags(e.Tags, args[1:], remove), time.Now())
			return nil
		})
		if err != nil {
			fatalf("%v", err)
		}
		printer().Success("Tags updated")
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	GroupID: "entries",
	Short:   "Delete an entry",
	Long: `Delete an entry from this machine.

Sync merges snapshots by union, so an entry that is still in the remote
snapshot comes back on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

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
		i, err := resolveID(c, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		removed := c[i]
		if !yes {
			ok, err := confirm(fmt.Sprintf("Delete %q?", headlineOf(removed)))
			if err != nil {
				fatalf("%v", err)
			}
			if !ok {
				printer().Info("Canceled")
				return
			}
		}

		err = a.store.Update(ctx, events.OriginEditor, func(c journal.Collection) (journal.Collection, error) {
			i := c.Find(removed.ID)
			if i < 0 {
				return nil, fmt.Errorf("%w %q", errNoMatch, removed.ID)
			}
			return append(c[:i:i], c[i+1:]...), nil
		})
		if err != nil {
			fatalf("%v", err)
		}
		printer().Success("Deleted entry %s", removed.ID)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "entries",
	Short:   "List entries, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		tag, _ := cmd.Flags().GetString("tag")
		query, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

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
		if tag != "" {
			c = c.FilterTag(tag)
		}
		if query != "" {
			c = c.Search(query)
		}
		c.SortNewestFirst()
		if limit > 0 && len(c) > limit {
			c = c[:limit]
		}
		printer().Entries(c)
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "entries",
	Short:   "Print one entry with its comments",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
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
		i, err := resolveID(c, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		printer().Entry(c[i])
	},
}

// mutateEntry applies fn to the entry ref resolves to and saves the
// collection.
func mutateEntry(ctx context.Context, a *app, ref string, fn func(e *journal.Entry) error) error {
	return a.store.Update(ctx, events.OriginEditor, func(c journal.Collection) (journal.Collection, error) {
		i, err := resolveID(c, ref)
		if err != nil {
			return nil, err
		}
		e := c[i].Clone()
		if err := fn(&e); err != nil {
			return nil, err
		}
		c[i] = e
		return c, nil
	})
}

// readContent returns the entry text from args, or from piped stdin.
func readContent(args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	if isTerminal(os.Stdin) {
		return "", nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func entryForm(title, content, tags *string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Title").Placeholder("optional").Value(title),
			huh.NewText().Title("Entry").Lines(10).Value(content).Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("entry text is required")
				}
				return nil
			}),
			huh.NewInput().Title("Tags").Placeholder("comma separated").Value(tags),
		),
	)
}

func confirm(question string) (bool, error) {
	if !isTerminal(os.Stdin) {
		return false, errors.New("refusing to delete without a terminal; pass --yes")
	}
	var ok bool
	err := huh.NewConfirm().Title(question).Affirmative("Delete").Negative("Keep").Value(&ok).Run()
	return ok, err
}

func splitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '#'
	})
}

// editTags adds and removes tags, ignoring case and a leading '#'.
func editTags(tags, add, remove []string) []string {
	out := make([]string, 0, len(tags)+len(add))
	for _, t := range append(append([]string(nil), tags...), add...) {
		t = strings.TrimPrefix(t, "#")
		drop := false
		for _, r := range remove {
			if strings.EqualFold(t, strings.TrimPrefix(r, "#")) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, t)
		}
	}
	return journal.NormalizeTags(out)
}

func headlineOf(e journal.Entry) string {
	s := e.Title
	if s == "" {
		s = strings.Join(strings.Fields(e.Content), " ")
	}
	if r := []rune(s); len(r) > 40 {
		s = string(r[:39]) + "…"
	}
	return s
}

func init() {
	addCmd.Flags().String("title", "", "entry title")
	addCmd.Flags().StringSliceP("tag", "t", nil, "tag (repeatable)")

	editCmd.Flags().String("title", "", "new title")
	editCmd.Flags().String("content", "", "new text")
	editCmd.Flags().StringSliceP("tag", "t", nil, "replace tags (repeatable)")

	tagCmd.Flags().StringSliceP("remove", "r", nil, "tag to remove (repeatable)")

	deleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	listCmd.Flags().String("tag", "", "only entries with this tag")
	listCmd.Flags().StringP("search", "s", "", "only entries containing this text")
	listCmd.Flags().IntP("limit", "n", 0, "show at most n entries")

	rootCmd.AddCommand(addCmd, editCmd, commentCmd, tagCmd, deleteCmd, listCmd, showCmd)
}
