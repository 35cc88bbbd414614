package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// AppendLocal records a locally originated operation and the event it
// produced in one transaction, stamping both with this device's next
// origin sequence number. A number is only consumed by a recorded event,
// so a device's events are numbered without gaps. Appending an event that
// is already recorded is a no-op that copies its number back into op and
// ev, so recovery can repeat it safely; it reports false then.
func (l *Log) AppendLocal(ctx context.Context, op *OpLogEntry, ev *Event) (bool, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT origin_seq FROM crdt_events WHERE event_id = ?`, ev.EventID).Scan(&seq)
	switch {
	case err == nil:
		op.OriginSeq, ev.OriginSeq = seq, seq
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up event %s: %w", ev.EventID, err)
	}
	err = tx.QueryRowContext(ctx,
		`UPDATE replica_info SET next_seq = next_seq + 1 WHERE id = 1 RETURNING next_seq - 1`).Scan(&seq)
	if err != nil {
		return false, fmt.Errorf("failed to assign sequence number: %w", err)
	}
	op.OriginSeq, ev.OriginSeq = seq, seq

	clock, err := op.Clock.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("failed to encode clock: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO oplog (
		op_id, origin_seq, device_id, entity_type, entity_id, kind,
		target, payload, clock, happened_at, event_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.OriginSeq, op.DeviceID, op.EntityType, op.EntityID, op.Kind,
		op.Target, payloadString(op.Payload), string(clock), formatTime(op.HappenedAt), op.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to append op %s: %w", op.OpID, err)
	}

	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// RecordRemote stores an event received from a peer and advances the
// origin's cursor over any run it completes. It reports false when the
// event was already known.
func (l *Log) RecordRemote(ctx context.Context, ev *Event) (bool, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) (bool, error) {
	clock, err := ev.Clock.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("failed to encode clock: %w", err)
	}
	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
	INSERT INTO crdt_events (
		event_id, origin_device, origin_seq, object_type, object_id, event_type,
		file_target, payload, clock, timestamp, received_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`,
		ev.EventID, ev.OriginDevice, ev.OriginSeq, ev.ObjectType, ev.ObjectID, ev.EventType,
		ev.FileTarget, payloadString(ev.Payload), string(clock), formatTime(ev.Timestamp), now)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.EventID, err)
	}

	if n == 0 {
		return false, nil
	}
	if err := advanceCursor(ctx, tx, ev.OriginDevice, now); err != nil {
		return false, err
	}
	return true, nil
}

// advanceCursor moves an origin's cursor to the end of the run of
// consecutive sequence numbers recorded after it. The cursor never passes
// a missing number, so an incremental sync always asks for it again.
func advanceCursor(ctx context.Context, tx *sql.Tx, device, now string) error {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT last_seq FROM replica_cursor WHERE device_id = ?`, device).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read cursor for %s: %w", device, err)
	}

	// The smallest recorded number without a successor, above a cursor
	// whose successor is recorded, ends the consecutive run.
	var end sql.NullInt64
	err = tx.QueryRowContext(ctx, `
	SELECT MIN(e.origin_seq) FROM crdt_events e
	WHERE e.origin_device = ?1 AND e.origin_seq > ?2
	  AND EXISTS (SELECT 1 FROM crdt_events s WHERE s.origin_device = ?1 AND s.origin_seq = ?2 + 1)
	  AND NOT EXISTS (SELECT 1 FROM crdt_events n WHERE n.origin_device = ?1 AND n.origin_seq = e.origin_seq + 1)`,
		device, last).Scan(&end)
	if err != nil {
		return fmt.Errorf("failed to find cursor run for %s: %w", device, err)
	}
	if !end.Valid {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO replica_cursor (device_id, last_seq, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		last_seq = excluded.last_seq,
		updated_at = excluded.updated_at`,
		device, end.Int64, now)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", device, err)
	}
	return nil
}

// Cursor returns the cursor of one origin device, 0 when nothing from it
// is recorded.
func (l *Log) Cursor(ctx context.Context, device string) (int64, error) {
	var last int64
	err := l.conn.QueryRowContext(ctx, `SELECT last_seq FROM replica_cursor WHERE device_id = ?`, device).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", device, err)
	}
	return last, nil
}

// HasEvent reports whether an event is already recorded.
func (l *Log) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := l.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crdt_events WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// GetEvent returns one recorded event, or nil when unknown.
func (l *Log) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	rows, err := l.conn.QueryContext(ctx, eventSelect+` WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", eventID, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

const eventSelect = `
	SELECT seq, event_id, origin_device, origin_seq, object_type, object_id,
	       event_type, file_target, payload, clock, timestamp
	FROM crdt_events`

// EventsSince returns, in local receipt order, every recorded event whose
// origin sequence is above the cursor given for its origin device. Devices
// missing from cursors are read from the start. afterReceipt pages through
// long results; limit 0 means no limit.
func (l *Log) EventsSince(ctx context.Context, cursors map[string]int64, afterReceipt int64, limit int) ([]Event, error) {
	if cursors == nil {
		cursors = map[string]int64{}
	}
	raw, err := json.Marshal(cursors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cursors: %w", err)
	}

	query := `
	SELECT e.seq, e.event_id, e.origin_device, e.origin_seq, e.object_type, e.object_id,
	       e.event_type, e.file_target, e.payload, e.clock, e.timestamp
	FROM crdt_events e
	LEFT JOIN json_each(?) c ON c.key = e.origin_device
	WHERE e.origin_seq > COALESCE(c.value, 0) AND e.seq > ?
	ORDER BY e.seq ASC`
	args := []interface{}{string(raw), afterReceipt}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EntityEvents returns the recorded events of one entity in receipt order.
func (l *Log) EntityEvents(ctx context.Context, t schema.EntityType, id string) ([]Event, error) {
	rows, err := l.conn.QueryContext(ctx,
		eventSelect+` WHERE object_type = ? AND object_id = ? ORDER BY seq ASC`, t, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events of %s %s: %w", t, id, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := []Event{}
	for rows.Next() {
		var ev Event
		var payload, clock, ts string
		err := rows.Scan(&ev.Receipt, &ev.EventID, &ev.OriginDevice, &ev.OriginSeq, &ev.ObjectType,
			&ev.ObjectID, &ev.EventType, &ev.FileTarget, &payload, &clock, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		if ev.Clock, err = vclock.Parse([]byte(clock)); err != nil {
			return nil, fmt.Errorf("corrupt clock on event %s: %w", ev.EventID, err)
		}
		ev.Timestamp = parseTime(ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Cursors returns, per origin device, the highest sequence number up to
// which every event of that origin is recorded.
func (l *Log) Cursors(ctx context.Context) (map[string]int64, error) {
	rows, err := l.conn.QueryContext(ctx, `SELECT device_id, last_seq FROM replica_cursor`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var device string
		var seq int64
		if err := rows.Scan(&device, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out[device] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return out, nil
}

// OpLog returns the most recent local operations, newest first. limit 0
// means no limit.
func (l *Log) OpLog(ctx context.Context, limit int) ([]OpLogEntry, error) {
	query := `
	SELECT op_id, origin_seq, device_id, entity_type, entity_id, kind,
	       target, payload, clock, happened_at, event_id
	FROM oplog ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query oplog: %w", err)
	}
	defer rows.Close()

	entries := []OpLogEntry{}
	for rows.Next() {
		var op OpLogEntry
		var payload, clock, happened string
		err := rows.Scan(&op.OpID, &op.OriginSeq, &op.DeviceID, &op.EntityType, &op.EntityID, &op.Kind,
			&op.Target, &payload, &clock, &happened, &op.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		op.Payload = json.RawMessage(payload)
		if op.Clock, err = vclock.Parse([]byte(clock)); err != nil {
			return nil, fmt.Errorf("corrupt clock on op %s: %w", op.OpID, err)
		}
		op.HappenedAt = parseTime(happened)
		entries = append(entries, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating oplog: %w", err)
	}
	return entries, nil
}

// Stats counts the rows of the event store.
type Stats struct {
	Events  int              `json:"events" yaml:"events"`
	Ops     int              `json:"ops" yaml:"ops"`
	NextSeq int64            `json:"nextSeq" yaml:"nextSeq"`
	Cursors map[string]int64 `json:"cursors" yaml:"cursors"`
}

// Stats returns event store counters.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := l.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM crdt_events`).Scan(&s.Events); err != nil {
		return Stats{}, fmt.Errorf("failed to count events: %w", err)
	}
	if err := l.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM oplog`).Scan(&s.Ops); err != nil {
		return Stats{}, fmt.Errorf("failed to count ops: %w", err)
	}
	var err error
	if s.NextSeq, err = l.NextSeq(ctx); err != nil {
		return Stats{}, err
	}
	if s.Cursors, err = l.Cursors(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func payloadString(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
