// Package recovery drives one canvas session: it owns the transport, feeds
// decoded frames into the block store and the presence tracker, and rebuilds
// the connection with exponential backoff when it drops.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/metrics"
	"canvas-sync/presence"
	"canvas-sync/protocol"
	"canvas-sync/state"
	"canvas-sync/transport"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5

	eventBuffer  = 256
	changeBuffer = 64
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusFailed is terminal until Retry or Connect is called.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	Transport   transport.Config
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// API is the REST side the controller needs. *api.Client satisfies it.
type API interface {
	GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error)
	GetBlock(ctx context.Context, canvasID, blockID string) (*core.Block, error)
	LeaveCanvas(ctx context.Context, canvasID string) error
}

type Option func(*Controller)

// WithAPI enables canvas metadata fetches, per-block resync after a
// conflict and leave notifications. Without it a conflict forces a
// reconnect to get a fresh snapshot.
func WithAPI(api API) Option {
	return func(c *Controller) { c.api = api }
}

func WithStore(s *state.Store) Option {
	return func(c *Controller) { c.store = s }
}

func WithPresence(t *presence.Tracker) Option {
	return func(c *Controller) { c.presence = t }
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = log }
}

// Controller is safe for concurrent use. Inbound frames, timers and resync
// requests are handled by a single goroutine started on Connect.
type Controller struct {
	cfg      Config
	userID   string
	tokens   oauth2.TokenSource
	store    *state.Store
	presence *presence.Tracker
	api      API
	log      *logrus.Entry

	events chan transport.Event
	retry  chan uint64

	mu         sync.Mutex
	status     Status
	lastErr    error
	canvasID   string
	canvas     *core.Canvas
	session    *transport.Session
	generation uint64
	attempts   int
	backoff    *backoff.ExponentialBackOff
	timer      *time.Timer
	cancel     context.CancelFunc
	loopDone   chan struct{}

	subs    map[int]chan Status
	nextSub int
}

func New(cfg Config, userID string, tokens oauth2.TokenSource, opts ...Option) *Controller {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay
	b.Reset()

	c := &Controller{
		cfg:     cfg,
		userID:  userID,
		tokens:  tokens,
		log:     logrus.WithField("component", "recovery"),
		events:  make(chan transport.Event, eventBuffer),
		retry:   make(chan uint64, 1),
		backoff: b,
		subs:    make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = state.New()
	}
	if c.presence == nil {
		c.presence = presence.New()
	}
	return c
}

func (c *Controller) Store() *state.Store          { return c.store }
func (c *Controller) Presence() *presence.Tracker { return c.presence }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error behind the last Reconnecting or Failed transition.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Canvas returns the metadata fetched on Connect, or nil without an API.
func (c *Controller) Canvas() *core.Canvas {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canvas
}

// StatusChanges returns a channel of status transitions and a function that
// closes it. Transitions are dropped for a subscriber whose buffer is full.
func (c *Controller) StatusChanges(buffer int) (<-chan Status, func()) {
	ch := make(chan Status, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// State returns the full client-side view, presence included.
func (c *Controller) State() core.CanvasState {
	st := c.store.Snapshot()
	st.Presence = c.presence.Snapshot()
	return st
}

// SelectBlock updates the local selection and announces the most recently
// selected block as presence.
func (c *Controller) SelectBlock(id string, multi bool) []string {
	selected := c.store.SelectBlock(id, multi)
	announce := ""
	if len(selected) > 0 {
		announce = selected[len(selected)-1]
	}
	if err := c.presence.SetSelection(announce); err != nil && !errors.Is(err, core.ErrNotConnected) {
		c.log.WithError(err).Debug("selection not announced")
	}
	return selected
}

func (c *Controller) ClearSelection() {
	c.store.ClearSelection()
	if err := c.presence.SetSelection(""); err != nil && !errors.Is(err, core.ErrNotConnected) {
		c.log.WithError(err).Debug("selection not announced")
	}
}

func (c *Controller) UpdateCursor(x, y float64) {
	c.presence.UpdateCursor(x, y)
}

// Connect binds the store to canvasID and dials it. An authentication
// failure moves the controller to Failed and is not retried. Any other
// failure is returned and a reconnection is scheduled.
func (c *Controller) Connect(ctx context.Context, canvasID string) error {
	if canvasID == "" {
		return core.ErrNoActiveCanvas
	}

	c.mu.Lock()
	switching := c.canvasID != "" && c.canvasID != canvasID
	c.mu.Unlock()
	if switching {
		c.Disconnect()
	}

	c.mu.Lock()
	c.canvasID = canvasID
	c.canvas = nil
	c.resetBackoffLocked()
	c.startLoopLocked()
	c.mu.Unlock()

	c.store.Bind(canvasID, c.userID)

	if c.api != nil {
		canvas, err := c.api.GetCanvas(ctx, canvasID)
		switch {
		case errors.Is(err, core.ErrAuth):
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return err
		case errors.Is(err, core.ErrNotFound):
			return fmt.Errorf("canvas %s: %w", canvasID, err)
		case err != nil:
			c.log.WithError(err).Warn("could not fetch canvas metadata")
		default:
			c.mu.Lock()
			c.canvas = canvas
			c.mu.Unlock()
		}
	}

	return c.dial(ctx)
}

// Retry leaves the Failed state and dials again with a fresh backoff.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.canvasID == "" {
		c.mu.Unlock()
		return core.ErrNoActiveCanvas
	}
	c.resetBackoffLocked()
	c.startLoopLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect tears down the connection and every timer. The block map is
// kept so the last known state stays visible.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	sess := c.session
	c.session = nil
	cancel, done := c.cancel, c.loopDone
	c.cancel, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.detach(sess)

	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()
}

// Leave disconnects, drops all canvas state and tells the server the user
// left.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	canvasID := c.canvasID
	c.mu.Unlock()

	c.Disconnect()
	c.store.Clear()
	c.presence.Reset()

	c.mu.Lock()
	c.canvasID = ""
	c.canvas = nil
	c.mu.Unlock()

	if c.api == nil || canvasID == "" {
		return nil
	}
	if err := c.api.LeaveCanvas(ctx, canvasID); err != nil {
		return fmt.Errorf("leave canvas %s: %w", canvasID, err)
	}
	return nil
}

func (c *Controller) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.canvasID == "" {
		c.mu.Unlock()
		return core.ErrNoActiveCanvas
	}
	c.stopTimerLocked()
	c.generation++
	gen, canvasID := c.generation, c.canvasID
	old := c.session
	sess := transport.New(c.cfg.Transport, canvasID, gen, c.tokens, c.events)
	c.session = sess
	if c.status != StatusReconnecting {
		c.setStatusLocked(StatusConnecting, nil)
	}
	c.mu.Unlock()

	c.detach(old)

	err := sess.Connect(ctx)
	if err != nil {
		sess.Disconnect()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != gen {
		// Superseded by Disconnect or a newer dial while connecting.
		if err == nil {
			sess.Disconnect()
		}
		return core.ErrNotConnected
	}

	switch {
	case errors.Is(err, core.ErrAuth):
		c.session = nil
		c.failLocked(err)
		return err
	case err != nil:
		c.session = nil
		c.scheduleLocked(err)
		return err
	}

	c.resetBackoffLocked()
	c.presence.Reset()
	c.store.SetSender(sess)
	c.presence.SetSender(sess)
	c.setStatusLocked(StatusConnected, nil)
	return nil
}

// detach unplugs a session from the store and tracker and closes it.
func (c *Controller) detach(sess *transport.Session) {
	if sess == nil {
		return
	}
	c.store.SetSender(nil)
	c.presence.SetSender(nil)
	sess.Disconnect()
}

func (c *Controller) startLoopLocked() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopDone = make(chan struct{})

	changes, unsubscribe := c.store.Subscribe(changeBuffer)
	go c.run(ctx, changes, unsubscribe, c.loopDone)
}

func (c *Controller) run(ctx context.Context, changes <-chan state.Change, unsubscribe func(), done chan struct{}) {
	defer close(done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		case gen := <-c.retry:
			c.reconnect(ctx, gen)
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ch.Kind == state.ChangeResyncNeeded {
				c.resync(ctx, ch.BlockIDs)
			}
		}
	}
}

func (c *Controller) current(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && ev.Generation == c.generation && ev.CanvasID == c.canvasID
}

func (c *Controller) handleEvent(ev transport.Event) {
	if !c.current(ev) {
		c.log.WithFields(logrus.Fields{
			"kind":       ev.Kind,
			"generation": ev.Generation,
		}).Trace("stale event dropped")
		return
	}

	switch ev.Kind {
	case transport.EventMessage:
		c.handleFrame(ev.Data)
	case transport.EventError:
		c.log.WithError(ev.Err).Debug("transport error")
	case transport.EventClosed:
		c.handleClosed(ev)
	}
}

func (c *Controller) handleFrame(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		c.log.WithError(err).Warn("dropping malformed frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(string(protocol.TypeOf(in))).Inc()

	switch f := in.(type) {
	case protocol.InitialState:
		c.store.ApplySnapshot(f.Blocks, f.ServerSeq)
	case protocol.MutationApplied:
		c.store.ApplyRemote(f)
	case protocol.PresenceUpdate:
		c.presence.Apply(f.UserID, f.Data)
	case protocol.ErrorFrame:
		c.store.ApplyError(f)
	case protocol.Ack:
	}
}

func (c *Controller) handleClosed(ev transport.Event) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.detach(sess)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case errors.Is(ev.Err, core.ErrAuth):
		c.failLocked(ev.Err)
	case !ev.Abnormal:
		c.setStatusLocked(StatusDisconnected, nil)
	default:
		c.scheduleLocked(ev.Err)
	}
}

func (c *Controller) reconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	stale := gen != c.generation || c.status != StatusReconnecting
	c.mu.Unlock()
	if stale {
		return
	}

	metrics.Reconnects.Inc()
	if err := c.dial(ctx); err != nil {
		c.log.WithError(err).Info("reconnect attempt failed")
	}
}

// resync fetches the authoritative state of blocks whose local edits were
// rejected.
func (c *Controller) resync(ctx context.Context, blockIDs []string) {
	c.mu.Lock()
	canvasID := c.canvasID
	c.mu.Unlock()
	if canvasID == "" {
		return
	}

	if c.api == nil {
		c.log.WithField("blocks", blockIDs).Info("resync needed, reconnecting for a fresh snapshot")
		if err := c.dial(ctx); err != nil {
			c.log.WithError(err).Info("resync reconnect failed")
		}
		return
	}

	for _, id := range blockIDs {
		b, err := c.api.GetBlock(ctx, canvasID, id)
		switch {
		case errors.Is(err, core.ErrNotFound):
			c.store.ForgetBlock(id)
		case err != nil:
			c.log.WithError(err).WithField("block_id", id).Warn("block resync failed")
		default:
			c.store.ApplyAuthoritative(*b)
		}
	}
}

func (c *Controller) scheduleLocked(cause error) {
	if c.attempts >= c.cfg.MaxAttempts {
		c.failLocked(fmt.Errorf("gave up after %d reconnect attempts: %w", c.attempts, cause))
		return
	}
	if c.cancel == nil {
		c.setStatusLocked(StatusDisconnected, cause)
		return
	}

	c.attempts++
	delay := c.backoff.NextBackOff()
	metrics.ReconnectDelay.Observe(delay.Seconds())

	c.setStatusLocked(StatusReconnecting, cause)
	c.log.WithFields(logrus.Fields{
		"attempt": c.attempts,
		"delay":   delay,
	}).WithError(cause).Info("scheduling reconnect")

	gen := c.generation
	retry := c.retry
	done := c.loopDone
	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, func() {
		select {
		case retry <- gen:
		case <-done:
		}
	})
}

func (c *Controller) failLocked(err error) {
	c.stopTimerLocked()
	c.setStatusLocked(StatusFailed, err)
	c.log.WithError(err).Warn("connection failed")
}

func (c *Controller) resetBackoffLocked() {
	c.attempts = 0
	c.backoff.Reset()
	c.stopTimerLocked()
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setStatusLocked(s Status, err error) {
	c.lastErr = err
	if c.status == s {
		return
	}
	c.log.WithFields(logrus.Fields{
		"from": c.status,
		"to":   s,
	}).Debug("status change")
	c.status = s

	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
