package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/metrics"
	"canvas-sync/middleware"
	"canvas-sync/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	maxFrameSize = 5000000
)

const accessDenied = "Access denied or canvas not found"

type (
	Store interface {
		core.CanvasStore
		core.BlockStore
		core.MemberStore
		core.RoomRegistry
	}

	// Hub fans canvas events out to the websocket clients of each canvas.
	// Mutations of one canvas are applied and broadcast under that canvas'
	// room lock, so every client sees them in server_seq order.
	Hub struct {
		store    Store
		upgrader websocket.Upgrader
		limit    rate.Limit
		burst    int

		mu    sync.Mutex
		rooms map[string]*room
	}

	room struct {
		mu      sync.Mutex
		clients map[*client]struct{}
		// closed rooms were removed from the hub and must not gain clients.
		closed bool
	}

	client struct {
		hub      *Hub
		conn     *websocket.Conn
		canvasID string
		userID   string
		userName string
		send     chan []byte
		limiter  *rate.Limiter
		log      *logrus.Entry

		closeOnce sync.Once
		done      chan struct{}
	}

	Option func(*Hub)
)

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// WithRateLimit bounds the mutation and presence frames one connection may
// send. Pings are never limited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(h *Hub) {
		h.limit = limit
		h.burst = burst
	}
}

func NewHub(store Store, opts ...Option) *Hub {
	h := &Hub{
		store: store,
		limit: rate.Limit(10),
		burst: 20,
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "tauri://localhost" || localhostOrigin.MatchString(origin)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ActiveRooms returns the number of connected clients per canvas.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make(map[string]int, len(h.rooms))
	for id, rm := range h.rooms {
		rm.mu.Lock()
		if n := len(rm.clients); n > 0 {
			rooms[id] = n
		}
		rm.mu.Unlock()
	}
	return rooms
}

// lockRoom returns the locked room of a canvas, creating it if needed.
func (h *Hub) lockRoom(canvasID string) *room {
	for {
		h.mu.Lock()
		rm, ok := h.rooms[canvasID]
		if !ok {
			rm = &room{clients: make(map[*client]struct{})}
			h.rooms[canvasID] = rm
		}
		h.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// unlockRoom releases rm and drops it from the hub once it has no clients,
// so rooms only outlive the sockets that joined them.
func (h *Hub) unlockRoom(canvasID string, rm *room) {
	empty := len(rm.clients) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.clients) == 0 && h.rooms[canvasID] == rm {
		rm.closed = true
		delete(h.rooms, canvasID)
	}
}

// existingRoom returns the locked room of a canvas, or nil when no client
// has joined it.
func (h *Hub) existingRoom(canvasID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[canvasID]
	if !ok {
		return nil
	}
	rm.mu.Lock()
	return rm
}

// HandleCanvas upgrades an authenticated request to the canvas sync socket.
func (h *Hub) HandleCanvas() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		canvasID := chi.URLParam(r, "canvasId")

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		conn.SetReadLimit(maxFrameSize)

		log := logrus.WithFields(logrus.Fields{
			"canvas_id": canvasID,
			"user_id":   claims.Subject,
		})

		role, err := h.store.Access(r.Context(), canvasID, claims.Subject)
		if err != nil || role == "" {
			if err != nil && !errors.Is(err, core.ErrNotFound) {
				log.WithError(err).Error("Failed to check canvas access")
			}
			log.Info("Canvas access denied")
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, accessDenied)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			conn.Close()
			return
		}

		c := &client{
			hub:      h,
			conn:     conn,
			canvasID: canvasID,
			userID:   claims.Subject,
			userName: claims.Name,
			send:     make(chan []byte, sendBuffer),
			limiter:  rate.NewLimiter(h.limit, h.burst),
			log:      log,
			done:     make(chan struct{}),
		}

		go c.writePump()
		if err := h.join(r.Context(), c); err != nil {
			log.WithError(err).Error("Failed to send initial state")
			c.close()
			return
		}
		metrics.ServerConnections.Inc()
		log.Info("Client joined canvas")

		c.readPump()

		h.leave(c)
		metrics.ServerConnections.Dec()
		log.Info("Client left canvas")
	}
}

// join queues the initial state and registers c while holding the room lock,
// so no broadcast can slip in between the snapshot and registration.
func (h *Hub) join(ctx context.Context, c *client) error {
	rm := h.lockRoom(c.canvasID)
	defer h.unlockRoom(c.canvasID, rm)

	blocks, _, err := h.store.ListBlocks(ctx, c.canvasID, 0, 0)
	if err != nil {
		return err
	}
	seq, err := h.store.ServerSeq(ctx, c.canvasID)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeInitialState(blocks, seq)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	rm.clients[c] = struct{}{}

	if err := h.store.TouchRoom(ctx, c.canvasID); err != nil {
		c.log.WithError(err).Warn("Failed to touch room")
	}
	return nil
}

func (h *Hub) leave(c *client) {
	c.close()

	h.mu.Lock()
	rm, ok := h.rooms[c.canvasID]
	if !ok {
		h.mu.Unlock()
		return
	}
	rm.mu.Lock()
	delete(rm.clients, c)
	empty := len(rm.clients) == 0
	if empty {
		rm.closed = true
		delete(h.rooms, c.canvasID)
	}
	rm.mu.Unlock()
	h.mu.Unlock()

	if empty {
		return
	}

	offline := core.StatusOffline
	h.BroadcastPresence(c.canvasID, c.userID, core.PresencePatch{Status: &offline})
}

// Mutate applies m and, on success, broadcasts it to every client of the
// canvas. Non-success results are returned for the caller to answer. Users
// without an owner or editor role get core.ErrForbidden.
func (h *Hub) Mutate(ctx context.Context, canvasID, userID string, m core.BlockMutation) (*core.MutationResult, error) {
	role, err := h.store.Access(ctx, canvasID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanEdit() {
		metrics.ServerMutations.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("canvas %s: %w", canvasID, core.ErrForbidden)
	}

	rm := h.lockRoom(canvasID)
	defer h.unlockRoom(canvasID, rm)

	res, err := h.store.ApplyMutation(ctx, canvasID, userID, m)
	if err != nil {
		metrics.ServerMutations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ServerMutations.WithLabelValues(string(res.Status)).Inc()

	if res.Status != core.MutationApplied {
		return res, nil
	}

	frame, err := protocol.EncodeMutationApplied(Applied(res, m.ClientOpID))
	if err != nil {
		return nil, err
	}
	for c := range rm.clients {
		c.enqueue(frame)
	}
	if err := h.store.TouchRoom(ctx, canvasID); err != nil {
		logrus.WithField("canvas_id", canvasID).WithError(err).Warn("Failed to touch room")
	}
	return res, nil
}

// BroadcastPresence sends a presence patch to every client of the canvas
// except those of userID.
func (h *Hub) BroadcastPresence(canvasID, userID string, patch core.PresencePatch) {
	frame, err := protocol.EncodePresenceBroadcast(userID, patch)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode presence")
		return
	}

	rm := h.existingRoom(canvasID)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()
	for c := range rm.clients {
		if c.userID != userID {
			c.enqueue(frame)
		}
	}
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	var clients []*client
	for _, rm := range h.rooms {
		rm.mu.Lock()
		for c := range rm.clients {
			clients = append(clients, c)
		}
		rm.mu.Unlock()
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.close()
	}
}

// Applied turns a store result into the broadcast payload.
func Applied(res *core.MutationResult, clientOpID string) protocol.MutationApplied {
	return protocol.MutationApplied{
		Action:     res.Action,
		BlockID:    res.BlockID,
		Block:      res.Block,
		ServerSeq:  res.ServerSeq,
		ClientOpID: clientOpID,
	}
}

// ConflictOf builds the record sent back to the issuer of a stale mutation.
func ConflictOf(res *core.MutationResult, clientOpID string) protocol.Conflict {
	c := protocol.Conflict{
		Status:       core.MutationConflict,
		BlockID:      res.BlockID,
		CurrentBlock: res.Current,
		ClientOpID:   clientOpID,
	}
	if res.Current != nil {
		c.CurrentVersion = res.Current.Version
	}
	return c
}

func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.log.Warn("Send buffer full, dropping client")
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithError(err).Debug("Write failed")
				c.close()
				return
			}
			metrics.FramesSent.WithLabelValues(metrics.SideServer).Inc()
		}
	}
}

func (c *client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Connection closed unexpectedly")
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *client) handle(ctx context.Context, data []byte) {
	frame, err := protocol.DecodeClient(data)
	if err != nil {
		c.log.WithError(err).Debug("Malformed client frame")
		c.sendError("Error: "+err.Error(), "")
		return
	}

	if frame.Type == protocol.TypePing {
		c.enqueue(protocol.EncodePong())
		return
	}

	if !c.limiter.Allow() {
		metrics.ServerRateLimited.Inc()
		opID := ""
		if frame.Mutation != nil {
			opID = frame.Mutation.ClientOpID
		}
		c.sendError("Rate limit exceeded", opID)
		return
	}

	switch frame.Type {
	case protocol.TypeMutation:
		c.handleMutation(ctx, *frame.Mutation)
	case protocol.TypePresence:
		patch := *frame.Presence
		if patch.UserName == nil && c.userName != "" {
			patch.UserName = &c.userName
		}
		c.hub.BroadcastPresence(c.canvasID, c.userID, patch)
	}
}

func (c *client) handleMutation(ctx context.Context, m core.BlockMutation) {
	log := c.log.WithFields(logrus.Fields{
		"client_op_id": m.ClientOpID,
		"action":       m.Action,
	})

	res, err := c.hub.Mutate(ctx, c.canvasID, c.userID, m)
	if err != nil {
		log.WithError(err).Info("Mutation rejected")
		c.sendError("Error: "+err.Error(), m.ClientOpID)
		return
	}

	switch res.Status {
	case core.MutationConflict:
		log.WithField("block_id", res.BlockID).Info("Mutation conflict")
		frame, err := protocol.EncodeConflict(ConflictOf(res, m.ClientOpID))
		if err != nil {
			log.WithError(err).Error("Failed to encode conflict")
			return
		}
		c.enqueue(frame)
	case core.MutationDuplicate, core.MutationAlreadyDeleted:
		log.WithField("status", res.Status).Debug("Echoing recorded mutation")
		frame, err := protocol.EncodeMutationApplied(Applied(res, m.ClientOpID))
		if err != nil {
			log.WithError(err).Error("Failed to encode echo")
			return
		}
		c.enqueue(frame)
	}
}

func (c *client) sendError(message, clientOpID string) {
	frame, err := protocol.EncodeError(message, clientOpID)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode error")
		return
	}
	c.enqueue(frame)
}
