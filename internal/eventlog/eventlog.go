// Package eventlog persists the replication history of this device in
// events.db: the local operation log, the CRDT event store shared with
// peers, this replica's identity and sequence counter, and the per-origin
// sync cursors.
//
// Unlike the query cache, events.db is not derived from the filesystem of
// record and is never rebuilt from it.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventType is the kind of change a CRDT event carries.
type EventType string

const (
	// EventCreate creates a file of an entity.
	EventCreate EventType = "CREATE"
	// EventUpdate patches fields of an existing file.
	EventUpdate EventType = "UPDATE"
	// EventDelete tombstones the entity.
	EventDelete EventType = "DELETE"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Event is one CRDT event, the unit exchanged between replicas.
type Event struct {
	EventID      string            `json:"eventId"`
	OriginDevice string            `json:"originDevice"`
	OriginSeq    int64             `json:"originSeq"`
	ObjectID     string            `json:"objectId"`
	ObjectType   schema.EntityType `json:"objectType"`
	EventType    EventType         `json:"eventType"`
	FileTarget   schema.FileTarget `json:"fileTarget"`
	Payload      json.RawMessage   `json:"payload"`
	Clock        vclock.Clock      `json:"clock"`
	Timestamp    time.Time         `json:"timestamp"`

	// Receipt is the local receipt order; it is not replicated.
	Receipt int64 `json:"-"`
}

// Validate checks an event received from the wire.
func (e *Event) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("eventId is required")
	case e.OriginDevice == "":
		return fmt.Errorf("originDevice is required")
	case e.OriginSeq <= 0:
		return fmt.Errorf("originSeq must be positive (got %d)", e.OriginSeq)
	case e.ObjectID == "":
		return fmt.Errorf("objectId is required")
	case !e.ObjectType.IsValid():
		return fmt.Errorf("invalid objectType %q", e.ObjectType)
	case !e.EventType.IsValid():
		return fmt.Errorf("invalid eventType %q", e.EventType)
	case e.FileTarget == "":
		return fmt.Errorf("fileTarget is required")
	case e.Clock.Get(e.OriginDevice) == 0:
		return fmt.Errorf("clock %s has no entry for origin %s", e.Clock, e.OriginDevice)
	case e.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// OpLogEntry is the local record of one operation this device originated.
type OpLogEntry struct {
	OpID       string            `json:"opId"`
	OriginSeq  int64             `json:"originSeq"`
	DeviceID   string            `json:"deviceId"`
	EntityType schema.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Kind       string            `json:"kind"`
	Target     schema.FileTarget `json:"target"`
	Payload    json.RawMessage   `json:"payload"`
	Clock      vclock.Clock      `json:"clock"`
	HappenedAt time.Time         `json:"happenedAt"`
	EventID    string            `json:"eventId"`
}

// Log is the events.db handle.
type Log struct {
	conn     *sql.DB
	path     string
	logger   *slog.Logger
	deviceID string
}

// Open creates or opens events.db at path and ensures this replica has an
// identity. deviceID overrides the stored identity when not empty; a new
// database without an override gets a random one.
func Open(ctx context.Context, path, deviceID string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "eventlog"))
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load event migrations: %w", err)
	}
	conn, err := db.Connect(ctx, path, sub, logger)
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}

	l := &Log{conn: conn, path: path, logger: logger}
	if err := l.ensureIdentity(ctx, deviceID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

// Close checkpoints the WAL and closes the connection.
func (l *Log) Close() error {
	if l.conn == nil {
		return nil
	}
	err := db.Checkpoint(l.conn, l.logger)
	l.conn = nil
	return err
}

// DeviceID returns this replica's device identifier.
func (l *Log) DeviceID() string {
	return l.deviceID
}

func (l *Log) ensureIdentity(ctx context.Context, override string) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT device_id FROM replica_info WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = override
		if stored == "" {
			stored = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO replica_info (id, device_id, next_seq, created_at) VALUES (1, ?, 1, ?)`,
			stored, formatTime(time.Now())); err != nil {
			return fmt.Errorf("failed to create replica identity: %w", err)
		}
		l.logger.Info("created replica identity", slog.String("device", stored))
	case err != nil:
		return fmt.Errorf("failed to read replica identity: %w", err)
	case override != "" && override != stored:
		// Sequence numbers are per origin: the counter continues after the
		// last event this log holds for the new identity.
		if _, err := tx.ExecContext(ctx, `
		UPDATE replica_info SET device_id = ?1, next_seq = (
			SELECT COALESCE(MAX(origin_seq), 0) + 1 FROM crdt_events WHERE origin_device = ?1
		) WHERE id = 1`, override); err != nil {
			return fmt.Errorf("failed to update replica identity: %w", err)
		}
		l.logger.Warn("replica identity overridden", slog.String("from", stored), slog.String("to", override))
		stored = override
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	l.deviceID = stored
	return nil
}

// NextSeq returns the sequence number the next local operation will get.
func (l *Log) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := l.conn.QueryRowContext(ctx, `SELECT next_seq FROM replica_info WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence number: %w", err)
	}
	return seq, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
