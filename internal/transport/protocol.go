// Package transport carries CRDT events between two replicas over a
// WebSocket at /sync.
//
// Every frame is a JSON text message holding an Envelope. On open each side
// sends a sync-request with its cursors; the peer answers with the events
// the requester lacks followed by sync-done. Every received sync-event is
// merged before it is acknowledged. A server additionally relays each
// newly recorded event to all other connected sessions.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/mod/semver"

	"github.com/linkhive/linkhive/internal/eventlog"
)

// ProtocolVersion is the wire protocol spoken by this build. Peers with a
// different major version are refused.
const ProtocolVersion = "v1.0.0"

// Path is the HTTP path of the sync endpoint.
const Path = "/sync"

// ErrProtocolMismatch is returned when a peer speaks an incompatible
// protocol version.
var ErrProtocolMismatch = errors.New("transport: protocol version mismatch")

// Kind identifies the payload of an Envelope.
type Kind string

const (
	KindSyncRequest Kind = "sync-request"
	KindSyncEvent   Kind = "sync-event"
	KindAck         Kind = "ack"
	KindSyncDone    Kind = "sync-done"
	KindError       Kind = "error"
)

// Error codes carried by error frames.
const (
	CodeMalformed        = 400
	CodeMergeFailed      = 422
	CodeProtocolMismatch = 426
	CodeInternal         = 500
)

// Envelope is one frame on the wire.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SyncRequest asks the peer for every event above the given cursors.
type SyncRequest struct {
	DeviceID string           `json:"deviceId"`
	Protocol string           `json:"protocol"`
	Cursors  map[string]int64 `json:"cursors"`
}

// Ack confirms that an event was merged.
type Ack struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncDone ends the answer to a sync-request.
type SyncDone struct {
	Count int `json:"count"`
}

// ErrorFrame reports a failure to the peer.
type ErrorFrame struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	// EventID names the rejected event of a merge failure.
	EventID string `json:"eventId,omitempty"`
}

func (e ErrorFrame) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

func encode(kind Kind, v any) ([]byte, error) {
	var data json.RawMessage
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Kind: kind, Data: data})
}

// decode parses a frame and its payload. The returned value is one of
// *SyncRequest, *eventlog.Event, *Ack, *SyncDone or *ErrorFrame.
func decode(frame []byte) (Kind, any, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var v any
	switch env.Kind {
	case KindSyncRequest:
		v = &SyncRequest{}
	case KindSyncEvent:
		v = &eventlog.Event{}
	case KindAck:
		v = &Ack{}
	case KindSyncDone:
		v = &SyncDone{}
	case KindError:
		v = &ErrorFrame{}
	default:
		return env.Kind, nil, fmt.Errorf("unknown frame kind %q", env.Kind)
	}
	if len(env.Data) == 0 {
		return env.Kind, nil, fmt.Errorf("%s frame has no data", env.Kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env.Kind, nil, fmt.Errorf("invalid %s data: %w", env.Kind, err)
	}
	return env.Kind, v, nil
}

// Compatible reports whether a peer speaking version can talk to us.
func Compatible(version string) bool {
	if !semver.IsValid(version) {
		return false
	}
	return semver.Major(version) == semver.Major(ProtocolVersion)
}
