package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// Writer identifies the write that produced an entity clock: the origin
// device and its sequence number.
type Writer struct {
	Device string `json:"device"`
	Seq    int64  `json:"seq"`
}

// ClockEntry is the entity clock index entry of one file.
type ClockEntry struct {
	Clock vclock.Clock
	Last  Writer
}

// EntityClock returns the clock index entry of one file of an entity. The
// boolean is false when the cache has never seen the file.
func (db *DB) EntityClock(ctx context.Context, t schema.EntityType, id string, target schema.FileTarget) (ClockEntry, bool, error) {
	return getClock(ctx, db.conn, t, id, target)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getClock(ctx context.Context, q queryRower, t schema.EntityType, id string, target schema.FileTarget) (ClockEntry, bool, error) {
	var raw string
	var entry ClockEntry
	err := q.QueryRowContext(ctx, `
	SELECT clock, last_device, last_seq FROM entity_clock
	WHERE entity_type = ? AND entity_id = ? AND target = ?`,
		t, id, target).Scan(&raw, &entry.Last.Device, &entry.Last.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ClockEntry{}, false, nil
	}
	if err != nil {
		return ClockEntry{}, false, fmt.Errorf("failed to read entity clock %s %s/%s: %w", t, id, target, err)
	}
	if entry.Clock, err = vclock.Parse([]byte(raw)); err != nil {
		return ClockEntry{}, false, fmt.Errorf("corrupt entity clock %s %s/%s: %w", t, id, target, err)
	}
	return entry, true, nil
}

// EntityClocks returns the clocks of every known file of an entity.
func (db *DB) EntityClocks(ctx context.Context, t schema.EntityType, id string) (map[schema.FileTarget]vclock.Clock, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT target, clock FROM entity_clock
	WHERE entity_type = ? AND entity_id = ?`, t, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity clocks: %w", err)
	}
	defer rows.Close()

	out := make(map[schema.FileTarget]vclock.Clock)
	for rows.Next() {
		var target, raw string
		if err := rows.Scan(&target, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan entity clock: %w", err)
		}
		c, err := vclock.Parse([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("corrupt entity clock %s %s/%s: %w", t, id, target, err)
		}
		out[schema.FileTarget(target)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity clocks: %w", err)
	}
	return out, nil
}

// PutEntityClock merges clock into the stored clock of one file. The last
// writer is replaced when clock is not dominated by what is stored.
func (db *DB) PutEntityClock(ctx context.Context, t schema.EntityType, id string, target schema.FileTarget, clock vclock.Clock, w Writer) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putClock(ctx, tx, t, id, target, clock, w); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func putClock(ctx context.Context, tx *sql.Tx, t schema.EntityType, id string, target schema.FileTarget, clock vclock.Clock, w Writer) error {
	stored, ok, err := getClock(ctx, tx, t, id, target)
	if err != nil {
		return err
	}
	merged := clock
	last := w
	if ok {
		merged = vclock.Merge(stored.Clock, clock)
		switch vclock.Compare(clock, stored.Clock) {
		case vclock.Before, vclock.Equal:
			last = stored.Last
		}
		if last.Device == "" {
			last = stored.Last
		}
	}

	data, err := merged.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode entity clock: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO entity_clock (entity_type, entity_id, target, clock, last_device, last_seq)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id, target) DO UPDATE SET
		clock = excluded.clock,
		last_device = excluded.last_device,
		last_seq = excluded.last_seq`,
		t, id, target, string(data), last.Device, last.Seq)
	if err != nil {
		return fmt.Errorf("failed to store entity clock %s %s/%s: %w", t, id, target, err)
	}
	return nil
}

// IsTombstoned reports whether the cache holds a tombstone for the entity.
func (db *DB) IsTombstoned(ctx context.Context, t schema.EntityType, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE entity_type = ? AND entity_id = ?`, t, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone %s %s: %w", t, id, err)
	}
	return n > 0, nil
}
