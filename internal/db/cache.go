// Package db provides the derived SQLite query cache.
//
// The cache holds one row per live folder, tag, bookmark and highlight,
// the tombstone set, and the entity clock index used by the merge engine
// to reject stale events without reading files. Every row is derived from
// the filesystem of record and the whole cache can be dropped and rebuilt
// from it at any time.
//
// Architecture:
//   - Database file: <data>/cache.db
//   - WAL mode: concurrent readers during writes
//   - Writers: only the cache projector (see internal/cachesync)
//   - Readers: observers, search, CLI listing
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the cache database connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates or opens the cache database at path and migrates it to the
// current schema. The caller must call Close when done.
//
// Example:
//
//	cache, err := db.Open(ctx, filepath.Join(dataDir, "cache.db"), logger)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "cache"))
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load cache migrations: %w", err)
	}
	conn, err := Connect(ctx, path, sub, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &DB{conn: conn, path: path, logger: logger}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	err := Checkpoint(db.conn, db.logger)
	db.conn = nil
	return err
}

// EntityRecord is the full cache projection of one entity, built from its
// files. Exactly one of Tombstone, Folder, Tag or Bookmark is set; a record
// with none of them means the entity has no files and is removed.
type EntityRecord struct {
	Type       schema.EntityType
	ID         string
	Tombstone  *schema.Deleted
	Folder     *schema.FolderMeta
	Tag        *schema.TagMeta
	Bookmark   *schema.BookmarkMeta
	Link       *schema.Link
	Highlights []*schema.Highlight
	// Clocks holds the vector clock of every file of the entity.
	Clocks map[schema.FileTarget]vclock.Clock
}

// ReplaceEntity swaps the cached rows of one entity for rec in a single
// transaction. Entity clocks are merged with what is already stored, never
// lowered.
func (db *DB) ReplaceEntity(ctx context.Context, rec *EntityRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := clearEntity(ctx, tx, rec.Type, rec.ID); err != nil {
		return err
	}

	switch {
	case rec.Tombstone != nil:
		_, err = tx.ExecContext(ctx, `
		INSERT INTO tombstones (entity_type, entity_id, deleted_at, device_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO NOTHING`,
			rec.Type, rec.ID, formatTime(rec.Tombstone.DeletedAt), rec.Tombstone.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to insert tombstone %s %s: %w", rec.Type, rec.ID, err)
		}
	case rec.Folder != nil:
		if err := insertFolder(ctx, tx, rec.Folder); err != nil {
			return err
		}
	case rec.Tag != nil:
		if err := insertTag(ctx, tx, rec.Tag); err != nil {
			return err
		}
	case rec.Bookmark != nil:
		if err := insertBookmark(ctx, tx, rec.Bookmark, rec.Link); err != nil {
			return err
		}
		for _, h := range rec.Highlights {
			if h.Removed {
				continue
			}
			if err := insertHighlight(ctx, tx, rec.ID, h); err != nil {
				return err
			}
		}
	}

	for target, clock := range rec.Clocks {
		if err := putClock(ctx, tx, rec.Type, rec.ID, target, clock, Writer{}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func clearEntity(ctx context.Context, tx *sql.Tx, t schema.EntityType, id string) error {
	var stmts []string
	switch t {
	case schema.TypeFolder:
		stmts = []string{`DELETE FROM folders WHERE id = ?`}
	case schema.TypeTag:
		stmts = []string{`DELETE FROM tags WHERE id = ?`}
	case schema.TypeBookmark:
		// bookmark_tags and highlights cascade
		stmts = []string{`DELETE FROM bookmarks WHERE id = ?`}
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to clear %s %s: %w", t, id, err)
		}
	}
	return nil
}

func insertFolder(ctx context.Context, tx *sql.Tx, f *schema.FolderMeta) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO folders (id, label, icon, color, ord, parent_id, created_at, edited_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Label, f.Icon, f.Color, f.Order, nullString(f.ParentID),
		formatTime(f.CreatedAt), formatTime(f.EditedAt))
	if err != nil {
		return fmt.Errorf("failed to insert folder %s: %w", f.ID, err)
	}
	return nil
}

func insertTag(ctx context.Context, tx *sql.Tx, t *schema.TagMeta) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO tags (id, label, icon, color, created_at, edited_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Label, t.Icon, t.Color, formatTime(t.CreatedAt), formatTime(t.EditedAt))
	if err != nil {
		return fmt.Errorf("failed to insert tag %s: %w", t.ID, err)
	}
	return nil
}

func insertBookmark(ctx context.Context, tx *sql.Tx, b *schema.BookmarkMeta, link *schema.Link) error {
	var url, title, siteName string
	edited := b.EditedAt
	imageName := b.ImageName
	if link != nil {
		url, title, siteName = link.URL, link.Title, link.SiteName
		if link.EditedAt.After(edited) {
			edited = link.EditedAt
		}
		if imageName == "" {
			imageName = link.ImageName
		}
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO bookmarks (
		id, kind, label, description, note, folder_id, ord, favorite,
		image_name, url, title, site_name, created_at, edited_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Kind, b.Label, b.Description, b.Note, nullString(b.FolderID), b.Order, b.Favorite,
		imageName, url, title, siteName, formatTime(b.CreatedAt), formatTime(edited))
	if err != nil {
		return fmt.Errorf("failed to insert bookmark %s: %w", b.ID, err)
	}

	for _, tagID := range b.TagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO bookmark_tags (bookmark_id, tag_id) VALUES (?, ?)`,
			b.ID, tagID); err != nil {
			return fmt.Errorf("failed to tag bookmark %s with %s: %w", b.ID, tagID, err)
		}
	}
	return nil
}

func insertHighlight(ctx context.Context, tx *sql.Tx, bookmarkID string, h *schema.Highlight) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO highlights (bookmark_id, id, text, note, color, start_pos, end_pos, created_at, edited_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bookmarkID, h.ID, h.Text, h.Note, h.Color, h.Start, h.End,
		formatTime(h.CreatedAt), formatTime(h.EditedAt))
	if err != nil {
		return fmt.Errorf("failed to insert highlight %s/%s: %w", bookmarkID, h.ID, err)
	}
	return nil
}

// Reset removes every cached row, leaving an empty cache with the current
// schema. Used before a full rebuild.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"bookmark_tags", "highlights", "bookmarks", "folders", "tags", "tombstones", "entity_clock"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats counts cached rows.
type Stats struct {
	Folders    int `json:"folders" yaml:"folders"`
	Tags       int `json:"tags" yaml:"tags"`
	Bookmarks  int `json:"bookmarks" yaml:"bookmarks"`
	Highlights int `json:"highlights" yaml:"highlights"`
	Tombstones int `json:"tombstones" yaml:"tombstones"`
}

// Stats returns row counts for every entity table.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"folders", &s.Folders},
		{"tags", &s.Tags},
		{"bookmarks", &s.Bookmarks},
		{"highlights", &s.Highlights},
		{"tombstones", &s.Tombstones},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return s, nil
}

// ErrNoRows is returned by single-row lookups that find nothing.
var ErrNoRows = errors.New("db: no rows")
