package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/linkhive/linkhive/internal/core"
	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/merge"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [url]",
	GroupID: "edit",
	Short:   "Add a bookmark",
	Long: `Add a link, note or image bookmark.

With a URL the bookmark is a link; without one it is a note. On a terminal,
missing fields are asked for interactively.

Examples:
  lh add https://go.dev/blog --label "Go blog" --folder Reading --tag go
  lh add --kind note --label "Ideas" --note "try fsnotify"
  lh add --kind image --label Diagram --image ./diagram.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		kindFlag, _ := f.GetString("kind")
		label, _ := f.GetString("label")
		note, _ := f.GetString("note")
		folder, _ := f.GetString("folder")
		title, _ := f.GetString("title")
		image, _ := f.GetString("image")
		tags, _ := f.GetStringSlice("tag")
		favorite, _ := f.GetBool("favorite")

		url := ""
		if len(args) == 1 {
			url = args[0]
		}
		kind := schema.BookmarkKind(kindFlag)
		if kind == "" {
			kind = schema.KindNote
			if url != "" {
				kind = schema.KindLink
			} else if image != "" {
				kind = schema.KindImage
			}
		}
		if !kind.IsValid() {
			return fmt.Errorf("unknown bookmark kind %q (link, note, image)", kind)
		}

		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			if label == "" && ui.IsTerminal(os.Stdin) {
				if err := promptBookmark(ctx, r, kind, &url, &label, &folder); err != nil {
					return err
				}
			}
			if kind == schema.KindLink && url == "" {
				return fmt.Errorf("a link bookmark needs a URL")
			}
			if label == "" {
				label = url
			}

			folderID, err := resolveFolder(ctx, r, folder)
			if err != nil {
				return err
			}
			tagIDs, err := resolveTags(ctx, r, tags)
			if err != nil {
				return err
			}

			id := newID()
			meta := map[string]any{"kind": kind, "label": label}
			if note != "" {
				meta["note"] = note
			}
			if folderID != "" {
				meta["folderId"] = folderID
			}
			if len(tagIDs) > 0 {
				meta["tagIds"] = tagIDs
			}
			if favorite {
				meta["favorite"] = true
			}
			if image != "" {
				meta["imageName"] = filepath.Base(image)
			}
			drafts := []merge.Draft{mustDraft(schema.TypeBookmark, id, merge.OpCreate, "", meta)}
			if kind == schema.KindLink {
				link := map[string]any{"url": url}
				if title != "" {
					link["title"] = title
				}
				drafts = append(drafts, mustDraft(schema.TypeBookmark, id, merge.OpCreate, schema.TargetLink, link))
			}
			if _, err := r.ApplyLocal(ctx, drafts); err != nil {
				return err
			}

			if image != "" {
				data, err := os.ReadFile(image)
				if err != nil {
					return fmt.Errorf("failed to read image: %w", err)
				}
				if err := r.PutAsset(ctx, schema.TypeBookmark, id, filepath.Base(image), data); err != nil {
					return err
				}
			}
			return showEntity(ctx, cmd, r, schema.TypeBookmark, id)
		})
	},
}

// promptBookmark asks for the fields that were not given as flags.
func promptBookmark(ctx context.Context, r *core.Runtime, kind schema.BookmarkKind, url, label, folder *string) error {
	folders, err := r.Cache().ListFolders(ctx)
	if err != nil {
		return err
	}
	options := []huh.Option[string]{huh.NewOption("(none)", "")}
	for _, f := range folders {
		options = append(options, huh.NewOption(f.Label, f.ID))
	}

	var fields []huh.Field
	if kind == schema.KindLink && *url == "" {
		fields = append(fields, huh.NewInput().Title("URL").Value(url).Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("a link needs a URL")
			}
			return nil
		}))
	}
	fields = append(fields, huh.NewInput().Title("Label").Value(label))
	if *folder == "" && len(folders) > 0 {
		fields = append(fields, huh.NewSelect[string]().Title("Folder").Options(options...).Value(folder))
	}
	return huh.NewForm(huh.NewGroup(fields...)).RunWithContext(ctx)
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "edit",
	Short:   "Change fields of a bookmark, folder or tag",
	Long: `Change fields of an entity. Only the flags you pass are written, so a
concurrent edit of another field on another device is kept.

Examples:
  lh update 0190f1c2 --label "Go blog (archive)" --favorite
  lh update 0190f1c2 --url https://go.dev/blog/all
  lh update 0190a7e3 --color red`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			t, id, err := resolveEntity(ctx, r, args[0])
			if err != nil {
				return err
			}

			meta := changed(cmd.Flags(), map[string]string{
				"label": "label", "icon": "icon", "color": "color",
				"description": "description", "note": "note", "favorite": "favorite",
			})
			link := changed(cmd.Flags(), map[string]string{"url": "url", "title": "title", "site-name": "siteName"})
			if len(meta) == 0 && len(link) == 0 {
				return fmt.Errorf("nothing to update")
			}

			var drafts []merge.Draft
			if len(meta) > 0 {
				drafts = append(drafts, mustDraft(t, id, merge.OpUpdate, "", meta))
			}
			if len(link) > 0 {
				if t != schema.TypeBookmark {
					return fmt.Errorf("%s %s has no link", t, id)
				}
				kind := merge.OpUpdate
				if _, err := r.Store().ReadDoc(t, id, schema.TargetLink); err != nil {
					kind = merge.OpCreate
				}
				drafts = append(drafts, mustDraft(t, id, kind, schema.TargetLink, link))
			}
			if err := applyReport(ctx, r, drafts); err != nil {
				return err
			}
			return showEntity(ctx, cmd, r, t, id)
		})
	},
}

var moveCmd = &cobra.Command{
	Use:     "move <id>",
	GroupID: "edit",
	Short:   "Move a bookmark to a folder or a folder under a parent",
	Long: `Change where an entity sits: --folder for bookmarks, --parent for
folders, and --order for the position among siblings. Pass an empty
--folder or --parent to move to the top level.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			t, id, err := resolveEntity(ctx, r, args[0])
			if err != nil {
				return err
			}
			p := changed(cmd.Flags(), map[string]string{"order": "order"})
			place, flag := "folderId", "folder"
			if t == schema.TypeFolder {
				place, flag = "parentId", "parent"
			}
			if cmd.Flags().Changed(flag) {
				name, _ := cmd.Flags().GetString(flag)
				target, err := resolveFolder(ctx, r, name)
				if err != nil {
					return err
				}
				p[place] = target
			}
			if len(p) == 0 {
				return fmt.Errorf("pass --%s or --order", flag)
			}
			if err := applyReport(ctx, r, []merge.Draft{mustDraft(t, id, merge.OpMove, "", p)}); err != nil {
				return err
			}
			return showEntity(ctx, cmd, r, t, id)
		})
	},
}

func tagCommand(use string, kind merge.OpKind, short string) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <bookmark-id> <tag>...",
		GroupID: "edit",
		Short:   short,
		Long:    short + ". Tags are given by ID or by label.",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
				t, id, err := resolveEntity(ctx, r, args[0])
				if err != nil {
					return err
				}
				if t != schema.TypeBookmark {
					return fmt.Errorf("%s is a %s, not a bookmark", id, t)
				}
				tagIDs, err := resolveTags(ctx, r, args[1:])
				if err != nil {
					return err
				}
				var drafts []merge.Draft
				for _, tagID := range tagIDs {
					drafts = append(drafts, mustDraft(t, id, kind, "", map[string]any{"tagId": tagID}))
				}
				if err := applyReport(ctx, r, drafts); err != nil {
					return err
				}
				return showEntity(ctx, cmd, r, t, id)
			})
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	GroupID: "edit",
	Short:   "Delete bookmarks, folders or tags",
	Long: `Delete entities. A deleted entity is replaced by a tombstone that wins
over every concurrent edit once devices sync.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			var drafts []merge.Draft
			for _, arg := range args {
				t, id, err := resolveEntity(ctx, r, arg)
				if err != nil {
					return err
				}
				drafts = append(drafts, merge.Draft{EntityType: t, EntityID: id, Kind: merge.OpDelete})
			}
			if err := applyReport(ctx, r, drafts); err != nil {
				return err
			}
			for _, d := range drafts {
				fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), d.EntityType, d.EntityID)
			}
			return nil
		})
	},
}

var highlightCmd = &cobra.Command{
	Use:     "highlight <bookmark-id>",
	GroupID: "edit",
	Short:   "Add or remove a highlight on a bookmark",
	Long: `Add a highlight covering [--start, --end) of a bookmark's text, or
remove one with --remove <highlight-id>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		remove, _ := f.GetString("remove")
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			t, id, err := resolveEntity(ctx, r, args[0])
			if err != nil {
				return err
			}
			if t != schema.TypeBookmark {
				return fmt.Errorf("%s is a %s, not a bookmark", id, t)
			}
			var d merge.Draft
			if remove != "" {
				d = mustDraft(t, id, merge.OpUpdate, schema.AnnotationTarget(remove), map[string]any{"removed": true})
			} else {
				fields := changed(f, map[string]string{"text": "text", "note": "note", "color": "color", "start": "start", "end": "end"})
				if _, ok := fields["text"]; !ok {
					return fmt.Errorf("--text is required")
				}
				d = mustDraft(t, id, merge.OpCreate, schema.AnnotationTarget(newID()), fields)
			}
			if err := applyReport(ctx, r, []merge.Draft{d}); err != nil {
				return err
			}
			return showEntity(ctx, cmd, r, t, id)
		})
	},
}

var folderCmd = &cobra.Command{
	Use:     "folder",
	GroupID: "edit",
	Short:   "Manage folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			fields := changed(cmd.Flags(), map[string]string{"icon": "icon", "color": "color", "order": "order"})
			fields["label"] = args[0]
			if parent, _ := cmd.Flags().GetString("parent"); parent != "" {
				pid, err := resolveFolder(ctx, r, parent)
				if err != nil {
					return err
				}
				fields["parentId"] = pid
			}
			id := newID()
			if _, err := r.ApplyLocal(ctx, []merge.Draft{mustDraft(schema.TypeFolder, id, merge.OpCreate, "", fields)}); err != nil {
				return err
			}
			return showEntity(ctx, cmd, r, schema.TypeFolder, id)
		})
	},
}

var tagCreateCmd = &cobra.Command{
	Use:     "tag-create <label>",
	GroupID: "edit",
	Short:   "Create a tag",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, r *core.Runtime) error {
			if _, err := findTag(ctx, r, args[0]); err == nil {
				return fmt.Errorf("tag %q already exists", args[0])
			}
			fields := changed(cmd.Flags(), map[string]string{"icon": "icon", "color": "color"})
			fields["label"] = args[0]
			id := newID()
			if _, err := r.ApplyLocal(ctx, []merge.Draft{mustDraft(schema.TypeTag, id, merge.OpCreate, "", fields)}); err != nil {
				return err
			}
			return showEntity(ctx, cmd, r, schema.TypeTag, id)
		})
	},
}

func init() {
	addCmd.Flags().String("kind", "", "Bookmark kind: link, note, image (default: link with a URL, else note)")
	addCmd.Flags().String("label", "", "Label (default: the URL)")
	addCmd.Flags().String("title", "", "Page title of a link")
	addCmd.Flags().String("note", "", "Free-text note")
	addCmd.Flags().String("folder", "", "Folder ID or label")
	addCmd.Flags().StringSlice("tag", nil, "Tag ID or label (repeatable)")
	addCmd.Flags().String("image", "", "Image file to store with an image bookmark")
	addCmd.Flags().Bool("favorite", false, "Mark as favorite")

	updateCmd.Flags().String("label", "", "New label")
	updateCmd.Flags().String("icon", "", "New icon (folders and tags)")
	updateCmd.Flags().String("color", "", "New color (folders and tags)")
	updateCmd.Flags().String("description", "", "New description (bookmarks)")
	updateCmd.Flags().String("note", "", "New note (bookmarks)")
	updateCmd.Flags().Bool("favorite", false, "Favorite flag (bookmarks)")
	updateCmd.Flags().String("url", "", "New URL (links)")
	updateCmd.Flags().String("title", "", "New page title (links)")
	updateCmd.Flags().String("site-name", "", "New site name (links)")

	moveCmd.Flags().String("folder", "", "Destination folder ID or label (bookmarks)")
	moveCmd.Flags().String("parent", "", "Parent folder ID or label (folders)")
	moveCmd.Flags().Int("order", 0, "Position among siblings")

	highlightCmd.Flags().String("text", "", "Highlighted text")
	highlightCmd.Flags().String("note", "", "Note on the highlight")
	highlightCmd.Flags().String("color", "", "Highlight color")
	highlightCmd.Flags().Int("start", 0, "Start offset")
	highlightCmd.Flags().Int("end", 0, "End offset")
	highlightCmd.Flags().String("remove", "", "Remove the highlight with this ID")

	folderAddCmd.Flags().String("parent", "", "Parent folder ID or label")
	folderAddCmd.Flags().String("icon", "", "Icon")
	folderAddCmd.Flags().String("color", "", "Color")
	folderAddCmd.Flags().Int("order", 0, "Position among siblings")
	folderCmd.AddCommand(folderAddCmd)

	tagCreateCmd.Flags().String("icon", "", "Icon")
	tagCreateCmd.Flags().String("color", "", "Color")

	rootCmd.AddCommand(addCmd, updateCmd, moveCmd, deleteCmd, highlightCmd, folderCmd, tagCreateCmd,
		tagCommand("tag", merge.OpTagAdd, "Add tags to a bookmark"),
		tagCommand("untag", merge.OpTagRemove, "Remove tags from a bookmark"),
	)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func mustDraft(t schema.EntityType, id string, kind merge.OpKind, target schema.FileTarget, fields map[string]any) merge.Draft {
	p, err := schema.PatchOf(fields)
	if err != nil {
		// Fields come from flag values, which always encode.
		panic(err)
	}
	return merge.Draft{EntityType: t, EntityID: id, Kind: kind, Target: target, Payload: p.JSON()}
}

// changed collects the values of the flags the user set, keyed by field.
func changed(flags *pflag.FlagSet, fieldByFlag map[string]string) map[string]any {
	out := map[string]any{}
	for name, field := range fieldByFlag {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "bool":
			out[field], _ = flags.GetBool(name)
		case "int":
			out[field], _ = flags.GetInt(name)
		default:
			out[field] = f.Value.String()
		}
	}
	return out
}

// applyReport applies drafts and turns discarded writes into errors the
// user can act on.
func applyReport(ctx context.Context, r *core.Runtime, drafts []merge.Draft) error {
	results, err := r.ApplyLocal(ctx, drafts)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res.Outcome == merge.Tombstoned {
			return fmt.Errorf("%s %s is deleted", drafts[i].EntityType, drafts[i].EntityID)
		}
	}
	return nil
}

// resolveEntity finds which entity type an ID (or unique ID prefix)
// belongs to.
func resolveEntity(_ context.Context, r *core.Runtime, ref string) (schema.EntityType, string, error) {
	type match struct {
		t  schema.EntityType
		id string
	}
	var matches []match
	for _, t := range schema.EntityTypes {
		ids, err := r.Store().ListIDs(t)
		if err != nil {
			return "", "", err
		}
		for _, id := range ids {
			if id == ref {
				return t, id, nil
			}
			if strings.HasPrefix(id, ref) {
				matches = append(matches, match{t, id})
			}
		}
	}
	switch len(matches) {
	case 0:
		return "", "", fmt.Errorf("no bookmark, folder or tag %q", ref)
	case 1:
		return matches[0].t, matches[0].id, nil
	}
	return "", "", fmt.Errorf("%q is ambiguous (%d matches)", ref, len(matches))
}

// resolveFolder maps a folder ID or label to its ID. Empty stays empty.
func resolveFolder(ctx context.Context, r *core.Runtime, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	folders, err := r.Cache().ListFolders(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.ID == ref {
			return f.ID, nil
		}
	}
	var found []db.Folder
	for _, f := range folders {
		if strings.EqualFold(f.Label, ref) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no folder %q", ref)
	case 1:
		return found[0].ID, nil
	}
	return "", fmt.Errorf("folder label %q is ambiguous; use its ID", ref)
}

func findTag(ctx context.Context, r *core.Runtime, ref string) (string, error) {
	tags, err := r.Cache().ListTags(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range tags {
		if t.ID == ref || strings.EqualFold(t.Label, ref) {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no tag %q (create it with `lh tag-create`)", ref)
}

func resolveTags(ctx context.Context, r *core.Runtime, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, err := findTag(ctx, r, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func showEntity(ctx context.Context, cmd *cobra.Command, r *core.Runtime, t schema.EntityType, id string) error {
	e, err := r.Cache().GetEntity(ctx, t, id)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(os.Stdout, e)
	}
	printEntity(e)
	return nil
}
