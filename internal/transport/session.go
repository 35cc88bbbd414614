package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/linkhive/linkhive/internal/eventlog"
)

const (
	writeTimeout = 10 * time.Second
	// flushTimeout bounds writing out queued frames when a session stops.
	flushTimeout = 2 * time.Second
	// outboxSize is the number of frames queued for the writer. A relay to
	// a session whose queue is full drops the session.
	outboxSize = 256
	// backlogPage is the number of events read from the log per query while
	// answering a sync-request.
	backlogPage = 500
	// readLimit bounds one frame; events are small JSON documents.
	readLimit = 4 << 20
	// seenLimit bounds the ids remembered per session for relay suppression.
	seenLimit = 8192
)

// Handler is the replica behind a session.
type Handler interface {
	// DeviceID identifies this replica in sync-requests.
	DeviceID() string
	// Cursors returns, per origin device, the sequence number up to which
	// every event is incorporated.
	Cursors(ctx context.Context) (map[string]int64, error)
	// EventsSince pages through recorded events above cursors, in receipt
	// order, starting after the given receipt number.
	EventsSince(ctx context.Context, cursors map[string]int64, afterReceipt int64, limit int) ([]eventlog.Event, error)
	// Receive merges one event from the peer and returns once it is
	// durable.
	Receive(ctx context.Context, ev *eventlog.Event) error
}

// Session runs the frame loop of one connection. Both the server and the
// client side use it.
type Session struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger
	full    bool

	mu          sync.Mutex
	peer        string
	outstanding map[string]struct{}
	seen        map[string]struct{}
	peerDone    bool
	answered    bool
	received    int
	sent        int
	acked       int
	rejected    int
	lastErr     error

	// progress is signalled whenever peerDone or outstanding changes.
	progress chan struct{}
	wg       sync.WaitGroup

	// out feeds the single writer goroutine; done closes when it exits.
	out      chan []byte
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var errSessionClosed = errors.New("transport: session closed")

func newSession(conn *websocket.Conn, h Handler, logger *slog.Logger, full bool) *Session {
	conn.SetReadLimit(readLimit)
	s := &Session{
		conn:        conn,
		handler:     h,
		logger:      logger,
		full:        full,
		outstanding: make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		progress:    make(chan struct{}, 1),
		out:         make(chan []byte, outboxSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop writes queued frames in order. A failed write closes the
// connection, which ends the read loop.
func (s *Session) writeLoop() {
	defer close(s.done)
	for {
		select {
		case frame := <-s.out:
			if err := s.write(context.Background(), frame); err != nil {
				s.logger.Debug("write failed; closing connection", slog.String("peer", s.Peer()), slog.Any("error", err))
				_ = s.conn.CloseNow()
				return
			}
		case <-s.quit:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			for {
				select {
				case frame := <-s.out:
					if err := s.write(ctx, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// stop flushes queued frames and ends the writer. It is safe to call more
// than once.
func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Peer returns the device id announced by the peer, once known.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Stats reports what the session exchanged so far.
func (s *Session) Stats() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{Peer: s.peer, Received: s.received, Sent: s.sent, Acked: s.acked, Rejected: s.rejected}
}

// Summary describes one exchange.
type Summary struct {
	Peer     string `json:"peer" yaml:"peer"`
	Received int    `json:"received" yaml:"received"`
	Sent     int    `json:"sent" yaml:"sent"`
	Acked    int    `json:"acked" yaml:"acked"`
	Rejected int    `json:"rejected" yaml:"rejected"`
}

// open announces this replica to the peer.
func (s *Session) open(ctx context.Context) error {
	cursors := map[string]int64{}
	if !s.full {
		c, err := s.handler.Cursors(ctx)
		if err != nil {
			return fmt.Errorf("failed to read cursors: %w", err)
		}
		cursors = c
	}
	return s.send(ctx, KindSyncRequest, SyncRequest{
		DeviceID: s.handler.DeviceID(),
		Protocol: ProtocolVersion,
		Cursors:  cursors,
	})
}

// run reads frames until the connection ends or ctx is cancelled. Frame
// level failures are reported to the peer and the loop continues; only a
// transport failure or a protocol mismatch ends it.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		s.stop()
	}()

	for {
		typ, frame, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.fail(ctx, CodeMalformed, "binary frames are not supported")
			continue
		}

		kind, v, err := decode(frame)
		if err != nil {
			s.logger.Debug("malformed frame", slog.String("peer", s.Peer()), slog.Any("error", err))
			s.fail(ctx, CodeMalformed, err.Error())
			continue
		}

		if err := s.dispatch(ctx, kind, v); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, kind Kind, v any) error {
	switch kind {
	case KindSyncRequest:
		req := v.(*SyncRequest)
		if !Compatible(req.Protocol) {
			s.fail(ctx, CodeProtocolMismatch,
				fmt.Sprintf("protocol %q is not compatible with %s", req.Protocol, ProtocolVersion))
			s.stop()
			_ = s.conn.Close(websocket.StatusPolicyViolation, "protocol mismatch")
			return fmt.Errorf("%w: peer %s speaks %q", ErrProtocolMismatch, req.DeviceID, req.Protocol)
		}
		s.mu.Lock()
		s.peer = req.DeviceID
		s.mu.Unlock()

		// The backlog is streamed beside the read loop so that two peers
		// answering each other never block on full socket buffers.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.answer(ctx, req); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to answer sync request", slog.String("peer", req.DeviceID), slog.Any("error", err))
				s.fail(ctx, CodeInternal, "failed to read events")
			}
		}()

	case KindSyncEvent:
		ev := v.(*eventlog.Event)
		s.remember(ev.EventID)
		if err := s.handler.Receive(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("failed to merge remote event",
				slog.String("peer", s.Peer()), slog.String("event", ev.EventID), slog.Any("error", err))
			return s.send(ctx, KindError, ErrorFrame{Code: CodeMergeFailed, EventID: ev.EventID, Message: err.Error()})
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		if err := s.send(ctx, KindAck, Ack{EventID: ev.EventID, Timestamp: time.Now().UTC()}); err != nil {
			return err
		}

	case KindAck:
		ack := v.(*Ack)
		s.mu.Lock()
		if _, ok := s.outstanding[ack.EventID]; ok {
			delete(s.outstanding, ack.EventID)
			s.acked++
		}
		s.mu.Unlock()
		s.signal()

	case KindSyncDone:
		s.mu.Lock()
		s.peerDone = true
		s.mu.Unlock()
		s.signal()

	case KindError:
		ef := v.(*ErrorFrame)
		s.logger.Warn("peer reported error", slog.String("peer", s.Peer()), slog.Int("code", ef.Code), slog.String("message", ef.Message))
		s.mu.Lock()
		s.lastErr = *ef
		if _, ok := s.outstanding[ef.EventID]; ok {
			delete(s.outstanding, ef.EventID)
			s.rejected++
		}
		s.mu.Unlock()
		s.signal()
		if ef.Code == CodeProtocolMismatch {
			return fmt.Errorf("%w: %s", ErrProtocolMismatch, ef.Message)
		}
	}
	return nil
}

// answer streams every event above the requester's cursors, then
// sync-done.
func (s *Session) answer(ctx context.Context, req *SyncRequest) error {
	count := 0
	var after int64
	for {
		events, err := s.handler.EventsSince(ctx, req.Cursors, after, backlogPage)
		if err != nil {
			return err
		}
		for i := range events {
			if err := s.SendEvent(ctx, &events[i]); err != nil {
				return err
			}
			after = events[i].Receipt
			count++
		}
		if len(events) < backlogPage {
			break
		}
	}
	s.logger.Debug("answered sync request", slog.String("peer", req.DeviceID), slog.Int("events", count))
	if err := s.send(ctx, KindSyncDone, SyncDone{Count: count}); err != nil {
		return err
	}
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// SendEvent queues one event and tracks it until the peer acknowledges it.
// It waits while the writer's queue is full.
func (s *Session) SendEvent(ctx context.Context, ev *eventlog.Event) error {
	s.track(ev.EventID)
	if err := s.send(ctx, KindSyncEvent, ev); err != nil {
		s.untrack(ev.EventID)
		return err
	}
	return nil
}

// offer queues one event without waiting. It reports false when the
// writer's queue is full or the writer has stopped.
func (s *Session) offer(ev *eventlog.Event) (bool, error) {
	frame, err := encode(KindSyncEvent, ev)
	if err != nil {
		return false, err
	}
	select {
	case <-s.done:
		return false, nil
	default:
	}
	s.track(ev.EventID)
	select {
	case s.out <- frame:
		return true, nil
	default:
		s.untrack(ev.EventID)
		return false, nil
	}
}

func (s *Session) track(eventID string) {
	s.mu.Lock()
	s.outstanding[eventID] = struct{}{}
	s.sent++
	s.mu.Unlock()
}

func (s *Session) untrack(eventID string) {
	s.mu.Lock()
	if _, ok := s.outstanding[eventID]; ok {
		delete(s.outstanding, eventID)
		s.sent--
	}
	s.mu.Unlock()
}

// relays reports whether ev should be relayed to this session's peer: not
// to its origin and not back to the session it arrived on.
func (s *Session) relays(ev *eventlog.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peer == "" || s.peer == ev.OriginDevice {
		return false
	}
	_, seen := s.seen[ev.EventID]
	return !seen
}

func (s *Session) remember(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) >= seenLimit {
		s.seen = make(map[string]struct{})
	}
	s.seen[eventID] = struct{}{}
}

// send queues one frame for the writer. A write failure surfaces as the
// end of the read loop.
func (s *Session) send(ctx context.Context, kind Kind, v any) error {
	frame, err := encode(kind, v)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("failed to queue %s frame: %w", kind, errSessionClosed)
	case <-ctx.Done():
		return fmt.Errorf("failed to queue %s frame: %w", kind, ctx.Err())
	}
}

// fail reports an error to the peer.
func (s *Session) fail(ctx context.Context, code int, msg string) {
	if err := s.send(ctx, KindError, ErrorFrame{Message: msg, Code: code}); err != nil {
		s.logger.Debug("failed to send error frame", slog.Any("error", err))
	}
}

func (s *Session) signal() {
	select {
	case s.progress <- struct{}{}:
	default:
	}
}

// settled reports whether both answers are complete and the peer has
// acknowledged or rejected everything sent to it.
func (s *Session) settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerDone && s.answered && len(s.outstanding) == 0
}

func (s *Session) peerError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// closedNormally reports whether err is an orderly end of the connection.
func closedNormally(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
