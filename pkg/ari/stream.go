package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Default reconnection parameters for the event stream.
const (
	defaultStreamBackoff    = 1 * time.Second
	defaultStreamMaxBackoff = 30 * time.Second
)

// Handler receives decoded events. It is invoked synchronously from the
// single read goroutine, so events arrive in PBX order; handlers that need
// to block must hand off to their own goroutines.
type Handler func(ctx context.Context, ev Event)

// StreamOption is a functional option for configuring the Stream.
type StreamOption func(*Stream)

// WithStreamBackoff sets the initial reconnect backoff. Doubles per failed
// attempt up to the maximum.
func WithStreamBackoff(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithStreamMaxBackoff caps the reconnect backoff.
func WithStreamMaxBackoff(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.maxBackoff = d
		}
	}
}

// WithOnReconnect installs a hook called once per successful (re)connect,
// with the attempt ordinal since the last healthy connection. Used for
// metrics.
func WithOnReconnect(fn func(attempt int)) StreamOption {
	return func(s *Stream) {
		s.onReconnect = fn
	}
}

// Stream is the application event feed: it dials the PBX websocket,
// decodes event frames, and dispatches them to the handler. On any
// transport failure it reconnects with exponential backoff and keeps the
// application subscription alive until the context is cancelled.
type Stream struct {
	wsURL      string
	app        string
	authHeader string
	handler    Handler

	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(attempt int)

	connected atomic.Bool
}

// NewStream prepares an event stream for the given websocket URL (e.g.
// "ws://127.0.0.1:8088/ari/events") and Stasis application name.
func NewStream(wsURL, app, username, password string, handler Handler, opts ...StreamOption) (*Stream, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("ari: websocket URL must not be empty")
	}
	if app == "" {
		return nil, fmt.Errorf("ari: application name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("ari: event handler must not be nil")
	}
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	s := &Stream{
		wsURL:      wsURL,
		app:        app,
		authHeader: "Basic " + creds,
		handler:    handler,
		backoff:    defaultStreamBackoff,
		maxBackoff: defaultStreamMaxBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Connected reports whether the stream currently holds a live connection.
// Used by readiness checks.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run connects and consumes events until ctx is cancelled. It only returns
// a non-nil error when the stream URL itself is unusable; transport errors
// are retried forever with capped exponential backoff.
func (s *Stream) Run(ctx context.Context) error {
	u, err := s.buildURL()
	if err != nil {
		return fmt.Errorf("ari: build stream URL: %w", err)
	}

	backoff := s.backoff
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		attempt++

		conn, err := s.dial(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("event stream connect failed",
				"attempt", attempt,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
			continue
		}

		s.connected.Store(true)
		if s.onReconnect != nil {
			s.onReconnect(attempt)
		}
		slog.Info("event stream connected", "app", s.app, "attempt", attempt)

		err = s.readLoop(ctx, conn)
		s.connected.Store(false)
		conn.Close(websocket.StatusNormalClosure, "stream stopped")
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("event stream disconnected", "err", err)

		// A healthy connection resets the backoff schedule.
		backoff = s.backoff
		attempt = 0
	}
}

func (s *Stream) buildURL() (string, error) {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("app", s.app)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Stream) dial(ctx context.Context, u string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", s.authHeader)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	// Event bursts during busy periods can exceed the default read limit.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// readLoop consumes frames until the connection breaks or ctx is done.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok := parseEvent(data)
		if !ok {
			continue
		}
		s.dispatch(ctx, ev)
	}
}

// dispatch invokes the handler, containing any panic so that one bad event
// cannot take down the stream.
func (s *Stream) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", ev.Type,
				"channel_id", ev.ChannelID(),
				"panic", r,
			)
		}
	}()
	s.handler(ctx, ev)
}

// parseEvent decodes a raw frame. Returns (Event, true) on success, or
// (zero, false) if the frame should be ignored.
func parseEvent(data []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Debug("dropping undecodable event frame", "err", err)
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// IsNotFound reports whether err wraps ErrNotFound. Convenience for callers
// probing cleanup failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
