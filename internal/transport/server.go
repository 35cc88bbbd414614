package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/linkhive/linkhive/internal/eventlog"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on, host:port. Port 0 picks a free port.
	Addr string
	// Handler is the local replica. Required.
	Handler Handler
	// Logger defaults to a component logger.
	Logger *slog.Logger
}

// Server accepts sync sessions and relays newly recorded events to them.
type Server struct {
	addr     string
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server

	sessions   map[*Session]bool
	sessionsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a sync server. Call Start to listen.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("transport: handler is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "transport"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     cfg.Addr,
		handler:  cfg.Handler,
		logger:   cfg.Logger,
		sessions: make(map[*Session]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start listens and serves /sync and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sync server listening", slog.String("addr", ln.Addr().String()), slog.String("url", s.URL()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("sync server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop closes every session and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.sessions, sess)
	}
	s.sessionsMu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("sync server stopped")
	return nil
}

// Broadcast relays ev to every session except its origin and the session
// it arrived on. It never waits on a peer: a session whose outbound queue
// is full is dropped, and the peer catches up through its cursors when it
// reconnects.
func (s *Server) Broadcast(ev *eventlog.Event) {
	s.sessionsMu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.relays(ev) {
			targets = append(targets, sess)
		}
	}
	s.sessionsMu.RUnlock()

	for _, sess := range targets {
		queued, err := sess.offer(ev)
		if err != nil {
			s.logger.Warn("failed to encode relayed event", slog.String("event", ev.EventID), slog.Any("error", err))
			return
		}
		if !queued {
			s.logger.Warn("peer is not keeping up; dropping session", slog.String("peer", sess.Peer()))
			s.dropSession(sess)
		}
	}
}

// dropSession removes a session and closes its connection without the
// close handshake, so it never waits on the peer.
func (s *Server) dropSession(sess *Session) {
	s.sessionsMu.Lock()
	_, exists := s.sessions[sess]
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
	if exists {
		_ = sess.conn.CloseNow()
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local network trust: peers are not authenticated.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}

	sess := newSession(conn, s.handler, s.logger, false)
	s.sessionsMu.Lock()
	s.sessions[sess] = true
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	s.logger.Info("peer connected", slog.String("remote", r.RemoteAddr), slog.Int("sessions", count))

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.removeSession(sess)
	defer sess.stop()

	if err := sess.open(s.ctx); err != nil {
		s.logger.Warn("failed to open session", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}
	if err := sess.run(s.ctx); !closedNormally(err) {
		s.logger.Warn("session ended", slog.String("peer", sess.Peer()), slog.Any("error", err))
	}
}

func (s *Server) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	if _, exists := s.sessions[sess]; exists {
		delete(s.sessions, sess)
		count := len(s.sessions)
		s.sessionsMu.Unlock()

		_ = sess.conn.Close(websocket.StatusNormalClosure, "")
		stats := sess.Stats()
		s.logger.Info("peer disconnected",
			slog.String("peer", stats.Peer), slog.Int("received", stats.Received),
			slog.Int("sent", stats.Sent), slog.Int("sessions", count))
	} else {
		s.sessionsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"device":   s.handler.DeviceID(),
		"protocol": ProtocolVersion,
		"sessions": s.SessionCount(),
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the address peers on the local network should dial: the
// sync endpoint on the first non-loopback IPv4 address of this host, or on
// the listening host when none is found.
func (s *Server) URL() string {
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return "ws://" + s.Addr() + Path
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
		if lan := localIPv4(); lan != "" {
			host = lan
		}
	}
	return "ws://" + net.JoinHostPort(host, port) + Path
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && ip4.IsPrivate() {
			return ip4.String()
		}
	}
	return ""
}

// Port returns the listening port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// SessionCount returns the number of connected peers.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
