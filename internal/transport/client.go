package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// ClientConfig holds options of a one-shot exchange.
type ClientConfig struct {
	Handler Handler
	Logger  *slog.Logger
	// Full asks the peer for its whole log instead of what is above our
	// cursors.
	Full bool
	// Timeout bounds the whole exchange (default: 2 minutes).
	Timeout time.Duration
}

// SyncURL normalises a peer address into its sync endpoint URL. It accepts
// host:port, http(s) and ws(s) forms.
func SyncURL(peer string) (string, error) {
	if !strings.Contains(peer, "://") {
		peer = "ws://" + peer
	}
	u, err := url.Parse(peer)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", peer, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid peer address %q: unsupported scheme %q", peer, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid peer address %q: no host", peer)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), nil
}

// Sync connects to a peer, exchanges missing events in both directions
// and closes once both sides have answered and every sent event was
// acknowledged or rejected.
func Sync(ctx context.Context, peer string, cfg ClientConfig) (Summary, error) {
	if cfg.Handler == nil {
		return Summary{}, fmt.Errorf("transport: handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "transport"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	target, err := SyncURL(peer)
	if err != nil {
		return Summary{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.CloseNow()

	sess := newSession(conn, cfg.Handler, cfg.Logger, cfg.Full)
	defer sess.stop()
	if err := sess.open(ctx); err != nil {
		return Summary{}, err
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopErr := make(chan error, 1)
	go func() { loopErr <- sess.run(loopCtx) }()

	for !sess.settled() {
		select {
		case <-sess.progress:
		case err := <-loopErr:
			stopLoop()
			if errors.Is(err, ErrProtocolMismatch) {
				return sess.Stats(), err
			}
			return sess.Stats(), fmt.Errorf("connection to %s ended before the exchange completed: %w", target, err)
		case <-ctx.Done():
			stopLoop()
			<-loopErr
			return sess.Stats(), fmt.Errorf("sync with %s: %w", target, ctx.Err())
		}
	}

	// Acks of the last received events may still be queued.
	sess.stop()
	_ = conn.Close(websocket.StatusNormalClosure, "sync complete")
	<-loopErr
	stopLoop()

	summary := sess.Stats()
	cfg.Logger.Info("sync complete", slog.String("peer", summary.Peer), slog.String("url", target),
		slog.Int("received", summary.Received), slog.Int("sent", summary.Sent), slog.Int("rejected", summary.Rejected))
	if summary.Rejected > 0 {
		return summary, fmt.Errorf("peer rejected %d events: %w", summary.Rejected, sess.peerError())
	}
	return summary, nil
}
