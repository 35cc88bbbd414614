package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list [query]",
	GroupID: "view",
	Short:   "List bookmarks",
	Long: `List bookmarks matching an optional text query, ordered by folder
position and then most recently edited.

Examples:
  lh list
  lh list golang --folder Reading
  lh list --tag go --favorites --limit 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		folder, _ := f.GetString("folder")
		tag, _ := f.GetString("tag")
		kind, _ := f.GetString("kind")
		favorites, _ := f.GetBool("favorites")
		limit, _ := f.GetInt("limit")

		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			filter := db.SearchFilter{
				Kind:          schema.BookmarkKind(kind),
				FavoritesOnly: favorites,
				Limit:         limit,
			}
			if len(args) == 1 {
				filter.Query = args[0]
			}
			var err error
			if filter.FolderID, err = resolveFolder(ctx, r, folder); err != nil {
				return err
			}
			if tag != "" {
				if filter.TagID, err = findTag(ctx, r, tag); err != nil {
					return err
				}
			}

			bookmarks, err := r.Cache().SearchBookmarks(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, bookmarks)
			}
			if len(bookmarks) == 0 {
				fmt.Println("No bookmarks found")
				return nil
			}

			width := ui.Width()
			rows := make([][]string, 0, len(bookmarks))
			for _, b := range bookmarks {
				star := " "
				if b.Favorite {
					star = "★"
				}
				rows = append(rows, []string{
					shortID(b.ID), star, string(b.Kind),
					ui.Truncate(b.Label, width/3), ui.Truncate(b.URL, width/3),
				})
			}
			ui.Table(os.Stdout, []string{"ID", "", "KIND", "LABEL", "URL"}, rows)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "view",
	Short:   "Show one bookmark, folder or tag",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetBool("history")
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			t, id, err := resolveEntity(ctx, r, args[0])
			if err != nil {
				return err
			}
			if !history {
				return showEntity(ctx, cmd, r, t, id)
			}
			events, err := r.Events().EntityEvents(ctx, t, id)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, events)
			}
			e, err := r.Cache().GetEntity(ctx, t, id)
			if err != nil {
				return err
			}
			printEntity(e)
			fmt.Printf("\n%s\n", ui.Heading("History"))
			printEvents(events)
			return nil
		})
	},
}

var foldersCmd = &cobra.Command{
	Use:     "folders",
	GroupID: "view",
	Short:   "Show the folder tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			folders, err := r.Cache().ListFolders(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, folders)
			}
			children := map[string][]db.Folder{}
			known := map[string]bool{}
			for _, f := range folders {
				known[f.ID] = true
			}
			for _, f := range folders {
				parent := f.ParentID
				if !known[parent] {
					parent = ""
				}
				children[parent] = append(children[parent], f)
			}
			var walk func(parent string, depth int, seen map[string]bool)
			walk = func(parent string, depth int, seen map[string]bool) {
				for _, f := range children[parent] {
					if seen[f.ID] {
						continue
					}
					seen[f.ID] = true
					fmt.Printf("%s%s %s\n", strings.Repeat("  ", depth), f.Label, ui.RenderMuted(shortID(f.ID)))
					walk(f.ID, depth+1, seen)
				}
			}
			walk("", 0, map[string]bool{})
			return nil
		})
	},
}

var tagsCmd = &cobra.Command{
	Use:     "tags",
	GroupID: "view",
	Short:   "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			tags, err := r.Cache().ListTags(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, tags)
			}
			rows := make([][]string, 0, len(tags))
			for _, t := range tags {
				rows = append(rows, []string{shortID(t.ID), t.Label, t.Color})
			}
			ui.Table(os.Stdout, []string{"ID", "LABEL", "COLOR"}, rows)
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "view",
	Short:   "Show replicated events",
	Long: `Show the events this replica has recorded, oldest first.

--since accepts a timestamp, a duration or plain English:
  lh events --since 2h
  lh events --since "yesterday at 9am"
  lh events --since 2024-05-01T00:00:00Z

--oplog shows this device's own operations instead, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		sinceText, _ := f.GetString("since")
		origin, _ := f.GetString("origin")
		limit, _ := f.GetInt("limit")
		oplog, _ := f.GetBool("oplog")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			since = t
		}

		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			if oplog {
				ops, err := r.Events().OpLog(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return outputJSON(os.Stdout, ops)
				}
				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					if op.HappenedAt.Before(since) {
						continue
					}
					rows = append(rows, []string{
						strconv.FormatInt(op.OriginSeq, 10), op.HappenedAt.Local().Format(time.DateTime),
						op.Kind, string(op.EntityType), shortID(op.EntityID), string(op.Target),
					})
				}
				ui.Table(os.Stdout, []string{"SEQ", "TIME", "KIND", "TYPE", "ID", "FILE"}, rows)
				return nil
			}

			all, err := r.Events().EventsSince(ctx, nil, 0, 0)
			if err != nil {
				return err
			}
			var events []eventlog.Event
			for _, ev := range all {
				if ev.Timestamp.Before(since) || (origin != "" && ev.OriginDevice != origin) {
					continue
				}
				events = append(events, ev)
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}
			if jsonOutput(cmd) {
				return outputJSON(os.Stdout, events)
			}
			printEvents(events)
			return nil
		})
	},
}

// parseSince reads a --since value as RFC 3339, a Go duration before now,
// or natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func init() {
	listCmd.Flags().String("folder", "", "Folder ID or label")
	listCmd.Flags().String("tag", "", "Tag ID or label")
	listCmd.Flags().String("kind", "", "Bookmark kind: link, note, image")
	listCmd.Flags().Bool("favorites", false, "Favorites only")
	listCmd.Flags().Int("limit", 0, "Maximum number of results")

	showCmd.Flags().Bool("history", false, "Include the entity's replicated events")

	eventsCmd.Flags().String("since", "", "Only events after this time")
	eventsCmd.Flags().String("origin", "", "Only events from this device")
	eventsCmd.Flags().Int("limit", 0, "Show at most this many (latest) events")
	eventsCmd.Flags().Bool("oplog", false, "Show this device's local operations")

	rootCmd.AddCommand(listCmd, showCmd, foldersCmd, tagsCmd, eventsCmd)
}

func shortID(id string) string {
	if len(id) > 13 {
		return id[:13]
	}
	return id
}

func printEntity(e *db.Entity) {
	switch {
	case !e.Exists:
		fmt.Printf("%s %s %s does not exist\n", ui.RenderWarn("⚠"), e.Type, e.ID)
		return
	case e.Deleted:
		fmt.Printf("%s %s %s is deleted\n", ui.RenderWarn("⚠"), e.Type, e.ID)
		return
	}

	field := func(name, value string) {
		if value != "" {
			fmt.Printf("  %-12s %s\n", name+":", value)
		}
	}
	switch {
	case e.Folder != nil:
		f := e.Folder
		fmt.Printf("%s %s\n", ui.Heading("Folder"), f.Label)
		field("ID", f.ID)
		field("Parent", f.ParentID)
		field("Order", strconv.Itoa(f.Order))
		field("Icon", f.Icon)
		field("Color", f.Color)
		field("Edited", f.EditedAt.Local().Format(time.DateTime))
	case e.Tag != nil:
		t := e.Tag
		fmt.Printf("%s %s\n", ui.Heading("Tag"), t.Label)
		field("ID", t.ID)
		field("Icon", t.Icon)
		field("Color", t.Color)
		field("Edited", t.EditedAt.Local().Format(time.DateTime))
	case e.Bookmark != nil:
		b := e.Bookmark
		fmt.Printf("%s %s\n", ui.Heading("Bookmark"), b.Label)
		field("ID", b.ID)
		field("Kind", string(b.Kind))
		field("URL", b.URL)
		field("Title", b.Title)
		field("Site", b.SiteName)
		field("Folder", b.FolderID)
		field("Tags", strings.Join(b.TagIDs, ", "))
		if b.Favorite {
			field("Favorite", ui.RenderPass("yes"))
		}
		field("Description", b.Description)
		field("Note", b.Note)
		field("Image", b.ImageName)
		field("Edited", b.EditedAt.Local().Format(time.DateTime))
		for _, h := range e.Highlights {
			fmt.Printf("  %s %q [%d,%d) %s\n", ui.RenderAccent("▍"), h.Text, h.Start, h.End, ui.RenderMuted(h.ID))
		}
	}
}

func printEvents(events []eventlog.Event) {
	if len(events) == 0 {
		fmt.Println("No events")
		return
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Receipt < events[j].Receipt })
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Local().Format(time.DateTime),
			shortID(ev.OriginDevice) + "#" + strconv.FormatInt(ev.OriginSeq, 10),
			string(ev.EventType), string(ev.ObjectType), shortID(ev.ObjectID), string(ev.FileTarget),
		})
	}
	ui.Table(os.Stdout, []string{"TIME", "ORIGIN", "EVENT", "TYPE", "ID", "FILE"}, rows)
}
