// Package transport owns one websocket connection to a canvas endpoint.
//
// A Session is single use: it is connected once and torn down once. The
// owner creates a new Session, with a new generation number, for every
// reconnection attempt and uses the generation to discard events from
// sessions it already abandoned.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/metrics"
	"canvas-sync/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

type Config struct {
	// BaseURL is the server root, http(s) or ws(s).
	BaseURL           string
	HeartbeatInterval time.Duration
	// DeadAfter is how long the connection may stay silent before it is
	// considered dead. Defaults to three heartbeat intervals.
	DeadAfter        time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 3 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is emitted by a Session on the channel given to New.
type Event struct {
	Kind       EventKind
	CanvasID   string
	Generation uint64
	Data       []byte
	Err        error
	// Abnormal is false only for a locally requested disconnect or a
	// normal close frame from the server.
	Abnormal bool
}

type Session struct {
	cfg        Config
	canvasID   string
	generation uint64
	tokens     oauth2.TokenSource
	dialer     *websocket.Dialer
	events     chan<- Event
	log        *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	closing bool
	group   *errgroup.Group

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, canvasID string, generation uint64, tokens oauth2.TokenSource, events chan<- Event) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:        cfg,
		canvasID:   canvasID,
		generation: generation,
		tokens:     tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		events: events,
		log: logrus.WithFields(logrus.Fields{
			"component":  "transport",
			"canvas_id":  canvasID,
			"generation": generation,
		}),
		done: make(chan struct{}),
	}
}

func (s *Session) CanvasID() string   { return s.canvasID }
func (s *Session) Generation() uint64 { return s.generation }

// EndpointURL builds the websocket URL of a canvas.
func EndpointURL(baseURL, canvasID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "canvas", canvasID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the canvas endpoint and starts the read and heartbeat loops.
// Errors wrap core.ErrAuth when the credential is missing or refused and
// core.ErrNetwork otherwise.
func (s *Session) Connect(ctx context.Context) error {
	if s.tokens == nil {
		return fmt.Errorf("connect canvas %s: %w: no credential source", s.canvasID, core.ErrAuth)
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return fmt.Errorf("connect canvas %s: %w: %w", s.canvasID, core.ErrAuth, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("connect canvas %s: %w: empty token", s.canvasID, core.ErrAuth)
	}

	endpoint, err := EndpointURL(s.cfg.BaseURL, s.canvasID, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("connect canvas %s: %w: %w", s.canvasID, core.ErrNetwork, err)
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("connect canvas %s: %w: handshake status %d", s.canvasID, core.ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("connect canvas %s: %w: %w", s.canvasID, core.ErrNetwork, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		conn.Close()
		return fmt.Errorf("connect canvas %s: %w", s.canvasID, core.ErrNotConnected)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.DeadAfter)); err != nil {
		conn.Close()
		return fmt.Errorf("connect canvas %s: %w: %w", s.canvasID, core.ErrNetwork, err)
	}

	s.conn = conn
	s.open = true
	g, gctx := errgroup.WithContext(context.Background())
	s.group = g
	g.Go(func() error { return s.readLoop(conn) })
	g.Go(func() error { return s.heartbeat(gctx, conn) })

	s.log.Info("connected")
	return nil
}

// Send writes one frame. It returns core.ErrNotConnected when the session is
// not open; the caller keeps the frame for a later replay.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	conn, open := s.conn, s.open && !s.closing
	s.mu.Unlock()

	if !open {
		return core.ErrNotConnected
	}
	if err := s.write(conn, frame); err != nil {
		return fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}
	metrics.FramesSent.WithLabelValues(metrics.SideClient).Inc()
	return nil
}

// Disconnect closes the connection and waits for the session goroutines.
// It is safe to call more than once and before Connect.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn, g := s.conn, s.group
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			conn.Close()
		}
		if g != nil {
			_ = g.Wait()
		}
		s.log.Debug("disconnected")
	})
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.open = false
			s.mu.Unlock()
			s.emit(s.closedEvent(err))
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.DeadAfter)); err != nil {
			s.log.WithError(err).Debug("could not extend read deadline")
		}
		s.emit(Event{Kind: EventMessage, Data: data})
	}
}

func (s *Session) closedEvent(err error) Event {
	ev := Event{Kind: EventClosed, Abnormal: true}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	var ce *websocket.CloseError
	switch {
	case closing:
		ev.Abnormal = false
	case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
		ev.Abnormal = false
	case errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation:
		ev.Err = fmt.Errorf("%w: %s", core.ErrAuth, ce.Text)
	default:
		ev.Err = fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}

	s.log.WithError(err).WithField("abnormal", ev.Abnormal).Info("connection closed")
	return ev
}

func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if err := s.write(conn, protocol.EncodePing()); err != nil {
				s.emit(Event{Kind: EventError, Err: fmt.Errorf("heartbeat: %w: %w", core.ErrNetwork, err)})
				// Unblocks the read loop, which reports the closure.
				conn.Close()
				return err
			}
		}
	}
}

func (s *Session) emit(ev Event) {
	ev.CanvasID = s.canvasID
	ev.Generation = s.generation
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
