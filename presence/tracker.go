// Package presence tracks the ephemeral per-user state of a canvas session:
// cursors, selections and online status. Nothing here is versioned or
// persisted; every field is latest-wins.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/protocol"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultCursorInterval = 50 * time.Millisecond
)

// Palette is the set of colors handed to users that did not announce one.
var Palette = []string{
	"#E03131", "#2F9E44", "#1971C2", "#F08C00",
	"#9C36B5", "#0C8599", "#E8590C", "#5C940D",
}

type Sender interface {
	Send(frame []byte) error
}

type entry struct {
	presence core.Presence
	lastSeen time.Time
}

type Option func(*Tracker)

// WithTimeout sets how long a silent user is still reported as online.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func WithCursorInterval(d time.Duration) Option {
	return func(t *Tracker) { t.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(log *logrus.Entry) Option {
	return func(t *Tracker) { t.log = log }
}

type Tracker struct {
	mu      sync.Mutex
	users   map[string]*entry
	sender  Sender
	timeout time.Duration

	limiter       *rate.Limiter
	pendingCursor *core.Point
	flush         *time.Timer
	// flushGen identifies the scheduled flush; a timer that fires after
	// Reset or a reschedule carries a stale generation.
	flushGen uint64

	now func() time.Time
	log *logrus.Entry
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		users:   make(map[string]*entry),
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Every(DefaultCursorInterval), 1),
		now:     time.Now,
		log:     logrus.WithField("component", "presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSender swaps the outbound path; nil while disconnected.
func (t *Tracker) SetSender(s Sender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

// Apply merges a broadcast into the user's record. Fields absent from the
// patch keep their previous values.
func (t *Tracker) Apply(userID string, patch core.PresencePatch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		e = &entry{presence: core.Presence{
			UserID: userID,
			Status: core.StatusActive,
			Color:  ColorFor(userID),
		}}
		t.users[userID] = e
	}
	patch.Merge(&e.presence)
	e.lastSeen = t.now()

	t.log.WithFields(logrus.Fields{
		"user_id": userID,
		"status":  e.presence.Status,
	}).Trace("presence update")
}

func (t *Tracker) Get(userID string) (core.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return core.Presence{}, false
	}
	return t.derive(e), true
}

// Snapshot copies the presence map. A user silent for longer than the
// timeout is reported offline; the stored record is left as received.
func (t *Tracker) Snapshot() map[string]core.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]core.Presence, len(t.users))
	for id, e := range t.users {
		out[id] = t.derive(e)
	}
	return out
}

func (t *Tracker) derive(e *entry) core.Presence {
	p := e.presence.Clone()
	if p.Status != core.StatusOffline && t.now().Sub(e.lastSeen) > t.timeout {
		p.Status = core.StatusOffline
	}
	return p
}

// UpdateCursor broadcasts the local cursor. Calls faster than the cursor
// interval are coalesced and the latest position is sent when the limiter
// allows it.
func (t *Tracker) UpdateCursor(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := core.Point{X: x, Y: y}
	if t.flush != nil {
		t.pendingCursor = &p
		return
	}

	now := t.now()
	if t.limiter.AllowN(now, 1) {
		t.sendLocked(core.PresencePatch{Cursor: &p})
		return
	}

	t.pendingCursor = &p
	delay := t.limiter.ReserveN(now, 1).DelayFrom(now)
	t.flushGen++
	gen := t.flushGen
	t.flush = time.AfterFunc(delay, func() { t.flushCursor(gen) })
}

func (t *Tracker) flushCursor(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.flushGen || t.flush == nil {
		return
	}
	t.flush = nil
	if t.pendingCursor == nil {
		return
	}
	p := t.pendingCursor
	t.pendingCursor = nil
	t.sendLocked(core.PresencePatch{Cursor: p})
}

// SetSelection announces the locally selected block; an empty id clears it.
func (t *Tracker) SetSelection(blockID string) error {
	patch := core.PresencePatch{ClearSelection: true}
	if blockID != "" {
		patch = core.PresencePatch{Selection: &core.Selection{BlockID: blockID}}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(patch)
}

func (t *Tracker) SetStatus(status core.PresenceStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(core.PresencePatch{Status: &status})
}

func (t *Tracker) sendLocked(patch core.PresencePatch) error {
	if t.sender == nil {
		return core.ErrNotConnected
	}
	frame, err := protocol.EncodePresence(patch)
	if err != nil {
		return err
	}
	if err := t.sender.Send(frame); err != nil {
		t.log.WithError(err).Debug("presence not sent")
		return err
	}
	return nil
}

// Reset forgets every user and any unsent cursor. Presence does not survive
// a reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.users = make(map[string]*entry)
	t.pendingCursor = nil
	t.flushGen++
	if t.flush != nil {
		t.flush.Stop()
		t.flush = nil
	}
}

// ColorFor picks a stable palette color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}
