package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkhive/linkhive/internal/schema"
)

// Folder is a cached folder row.
type Folder struct {
	ID        string    `json:"id" yaml:"id"`
	Label     string    `json:"label" yaml:"label"`
	Icon      string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Color     string    `json:"color,omitempty" yaml:"color,omitempty"`
	Order     int       `json:"order" yaml:"order"`
	ParentID  string    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	EditedAt  time.Time `json:"editedAt" yaml:"editedAt"`
}

// Tag is a cached tag row.
type Tag struct {
	ID        string    `json:"id" yaml:"id"`
	Label     string    `json:"label" yaml:"label"`
	Icon      string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Color     string    `json:"color,omitempty" yaml:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	EditedAt  time.Time `json:"editedAt" yaml:"editedAt"`
}

// Bookmark is a cached bookmark row joined with its link and tags.
type Bookmark struct {
	ID          string              `json:"id" yaml:"id"`
	Kind        schema.BookmarkKind `json:"kind" yaml:"kind"`
	Label       string              `json:"label" yaml:"label"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Note        string              `json:"note,omitempty" yaml:"note,omitempty"`
	FolderID    string              `json:"folderId,omitempty" yaml:"folderId,omitempty"`
	Order       int                 `json:"order" yaml:"order"`
	Favorite    bool                `json:"favorite,omitempty" yaml:"favorite,omitempty"`
	ImageName   string              `json:"imageName,omitempty" yaml:"imageName,omitempty"`
	URL         string              `json:"url,omitempty" yaml:"url,omitempty"`
	Title       string              `json:"title,omitempty" yaml:"title,omitempty"`
	SiteName    string              `json:"siteName,omitempty" yaml:"siteName,omitempty"`
	TagIDs      []string            `json:"tagIds" yaml:"tagIds"`
	CreatedAt   time.Time           `json:"createdAt" yaml:"createdAt"`
	EditedAt    time.Time           `json:"editedAt" yaml:"editedAt"`
}

// Highlight is a cached, non-removed highlight.
type Highlight struct {
	ID        string    `json:"id" yaml:"id"`
	Text      string    `json:"text" yaml:"text"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
	Color     string    `json:"color,omitempty" yaml:"color,omitempty"`
	Start     int       `json:"start" yaml:"start"`
	End       int       `json:"end" yaml:"end"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	EditedAt  time.Time `json:"editedAt" yaml:"editedAt"`
}

// Entity is the cached view of one entity, as delivered to observers.
// Deleted is set when the entity is tombstoned; Exists is false when the
// cache has no row and no tombstone for it.
type Entity struct {
	Type       schema.EntityType `json:"type" yaml:"type"`
	ID         string            `json:"id" yaml:"id"`
	Exists     bool              `json:"exists" yaml:"exists"`
	Deleted    bool              `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Folder     *Folder           `json:"folder,omitempty" yaml:"folder,omitempty"`
	Tag        *Tag              `json:"tag,omitempty" yaml:"tag,omitempty"`
	Bookmark   *Bookmark         `json:"bookmark,omitempty" yaml:"bookmark,omitempty"`
	Highlights []Highlight       `json:"highlights,omitempty" yaml:"highlights,omitempty"`
}

// GetEntity returns the cached view of one entity. A missing entity is not
// an error; the returned Entity has Exists false.
func (db *DB) GetEntity(ctx context.Context, t schema.EntityType, id string) (*Entity, error) {
	e := &Entity{Type: t, ID: id}

	dead, err := db.IsTombstoned(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if dead {
		e.Exists = true
		e.Deleted = true
		return e, nil
	}

	switch t {
	case schema.TypeFolder:
		f, err := db.GetFolder(ctx, id)
		if err != nil && !errors.Is(err, ErrNoRows) {
			return nil, err
		}
		e.Folder = f
		e.Exists = f != nil
	case schema.TypeTag:
		tag, err := db.GetTag(ctx, id)
		if err != nil && !errors.Is(err, ErrNoRows) {
			return nil, err
		}
		e.Tag = tag
		e.Exists = tag != nil
	case schema.TypeBookmark:
		b, err := db.GetBookmark(ctx, id)
		if err != nil && !errors.Is(err, ErrNoRows) {
			return nil, err
		}
		e.Bookmark = b
		e.Exists = b != nil
		if b != nil {
			if e.Highlights, err = db.ListHighlights(ctx, id); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	return e, nil
}

// GetFolder retrieves a single folder. Returns ErrNoRows if not found.
func (db *DB) GetFolder(ctx context.Context, id string) (*Folder, error) {
	folders, err := db.queryFolders(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, ErrNoRows
	}
	return &folders[0], nil
}

// ListFolders returns every folder ordered by parent, order, then label.
func (db *DB) ListFolders(ctx context.Context) ([]Folder, error) {
	return db.queryFolders(ctx, `ORDER BY COALESCE(parent_id, ''), ord, label, id`)
}

func (db *DB) queryFolders(ctx context.Context, clause string, args ...interface{}) ([]Folder, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, label, icon, color, ord, parent_id, created_at, edited_at
	FROM folders `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	folders := []Folder{}
	for rows.Next() {
		var f Folder
		var parent sql.NullString
		var created, edited string
		if err := rows.Scan(&f.ID, &f.Label, &f.Icon, &f.Color, &f.Order, &parent, &created, &edited); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.ParentID = parent.String
		f.CreatedAt = parseTime(created)
		f.EditedAt = parseTime(edited)
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}
	return folders, nil
}

// GetTag retrieves a single tag. Returns ErrNoRows if not found.
func (db *DB) GetTag(ctx context.Context, id string) (*Tag, error) {
	tags, err := db.queryTags(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, ErrNoRows
	}
	return &tags[0], nil
}

// ListTags returns every tag ordered by label.
func (db *DB) ListTags(ctx context.Context) ([]Tag, error) {
	return db.queryTags(ctx, `ORDER BY label, id`)
}

func (db *DB) queryTags(ctx context.Context, clause string, args ...interface{}) ([]Tag, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, label, icon, color, created_at, edited_at
	FROM tags `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := []Tag{}
	for rows.Next() {
		var t Tag
		var created, edited string
		if err := rows.Scan(&t.ID, &t.Label, &t.Icon, &t.Color, &created, &edited); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		t.CreatedAt = parseTime(created)
		t.EditedAt = parseTime(edited)
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}
	return tags, nil
}

// GetBookmark retrieves a single bookmark. Returns ErrNoRows if not found.
func (db *DB) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	rows, err := db.conn.QueryContext(ctx, bookmarkSelect+` WHERE b.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookmark %s: %w", id, err)
	}
	defer rows.Close()

	bookmarks, err := scanBookmarks(rows)
	if err != nil {
		return nil, err
	}
	if len(bookmarks) == 0 {
		return nil, ErrNoRows
	}
	return &bookmarks[0], nil
}

// ListHighlights returns the live highlights of a bookmark in text order.
func (db *DB) ListHighlights(ctx context.Context, bookmarkID string) ([]Highlight, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, text, note, color, start_pos, end_pos, created_at, edited_at
	FROM highlights
	WHERE bookmark_id = ?
	ORDER BY start_pos, id`, bookmarkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query highlights: %w", err)
	}
	defer rows.Close()

	highlights := []Highlight{}
	for rows.Next() {
		var h Highlight
		var created, edited string
		if err := rows.Scan(&h.ID, &h.Text, &h.Note, &h.Color, &h.Start, &h.End, &created, &edited); err != nil {
			return nil, fmt.Errorf("failed to scan highlight: %w", err)
		}
		h.CreatedAt = parseTime(created)
		h.EditedAt = parseTime(edited)
		highlights = append(highlights, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating highlights: %w", err)
	}
	return highlights, nil
}

// SearchFilter configures SearchBookmarks.
type SearchFilter struct {
	// Query matches label, description, note, url and title (empty = all)
	Query string `json:"query,omitempty"`
	// FolderID restricts to one folder (empty = all folders)
	FolderID string `json:"folderId,omitempty"`
	// TagID restricts to bookmarks carrying the tag (empty = all)
	TagID string `json:"tagId,omitempty"`
	// Kind restricts to one bookmark kind (empty = all)
	Kind schema.BookmarkKind `json:"kind,omitempty"`
	// FavoritesOnly restricts to favorites
	FavoritesOnly bool `json:"favoritesOnly,omitempty"`
	// Limit restricts the number of results (0 = no limit)
	Limit int `json:"limit,omitempty"`
	// Offset skips the first N results (for pagination)
	Offset int `json:"offset,omitempty"`
}

const bookmarkSelect = `
	SELECT b.id, b.kind, b.label, b.description, b.note, b.folder_id, b.ord, b.favorite,
	       b.image_name, b.url, b.title, b.site_name, b.created_at, b.edited_at,
	       COALESCE((SELECT json_group_array(tag_id) FROM
	           (SELECT tag_id FROM bookmark_tags bt WHERE bt.bookmark_id = b.id ORDER BY tag_id)), '[]')
	FROM bookmarks b`

// SearchBookmarks retrieves bookmarks matching the filter, ordered by
// folder order then most recently edited.
func (db *DB) SearchBookmarks(ctx context.Context, filter SearchFilter) ([]Bookmark, error) {
	var conditions []string
	var args []interface{}

	if q := strings.TrimSpace(filter.Query); q != "" {
		like := "%" + escapeLike(strings.ToLower(q)) + "%"
		conditions = append(conditions, `(
			lower(b.label) LIKE ? ESCAPE '\' OR lower(b.description) LIKE ? ESCAPE '\' OR
			lower(b.note) LIKE ? ESCAPE '\' OR lower(b.url) LIKE ? ESCAPE '\' OR
			lower(b.title) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like, like)
	}
	if filter.FolderID != "" {
		conditions = append(conditions, "b.folder_id = ?")
		args = append(args, filter.FolderID)
	}
	if filter.TagID != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM bookmark_tags t WHERE t.bookmark_id = b.id AND t.tag_id = ?)")
		args = append(args, filter.TagID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "b.kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.FavoritesOnly {
		conditions = append(conditions, "b.favorite = 1")
	}

	query := bookmarkSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY b.ord ASC, b.edited_at DESC, b.id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search bookmarks: %w", err)
	}
	defer rows.Close()

	return scanBookmarks(rows)
}

func scanBookmarks(rows *sql.Rows) ([]Bookmark, error) {
	bookmarks := []Bookmark{}
	for rows.Next() {
		var b Bookmark
		var folder sql.NullString
		var created, edited, tagsJSON string
		err := rows.Scan(&b.ID, &b.Kind, &b.Label, &b.Description, &b.Note, &folder, &b.Order, &b.Favorite,
			&b.ImageName, &b.URL, &b.Title, &b.SiteName, &created, &edited, &tagsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		b.FolderID = folder.String
		b.CreatedAt = parseTime(created)
		b.EditedAt = parseTime(edited)
		if b.TagIDs, err = decodeTagIDs(tagsJSON); err != nil {
			return nil, err
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookmarks: %w", err)
	}
	return bookmarks, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func decodeTagIDs(raw string) ([]string, error) {
	ids := []string{}
	if raw == "" || raw == "null" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag ids: %w", err)
	}
	return ids, nil
}
