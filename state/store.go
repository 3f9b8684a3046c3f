// Package state holds the client-side mirror of a canvas' blocks.
//
// The Store keeps two layers: the confirmed blocks exactly as the server last
// reported them, and an ordered list of local mutations the server has not
// acknowledged yet. Reads merge the pending list on top of the confirmed
// layer, so rolling back a rejected mutation is just dropping it from the
// list.
package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/metrics"
	"canvas-sync/protocol"
	"canvas-sync/rank"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProvisionalPrefix marks IDs of blocks created locally and not yet echoed.
const ProvisionalPrefix = "local:"

var DefaultBlockSize = core.Size{Width: 200, Height: 100}

// Sender delivers an encoded frame to the server. transport.Session
// satisfies it.
type Sender interface {
	Send(frame []byte) error
}

type ChangeKind int

const (
	// ChangeLocal is an optimistic local edit.
	ChangeLocal ChangeKind = iota
	ChangeRemote
	ChangeConfirmed
	ChangeRejected
	ChangeSnapshot
	// ChangeResyncNeeded asks the owner to fetch the authoritative state of
	// the listed blocks.
	ChangeResyncNeeded
	// ChangeWarning carries a server error that could not be tied to a
	// local mutation.
	ChangeWarning
	ChangeCleared
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeLocal:
		return "local"
	case ChangeRemote:
		return "remote"
	case ChangeConfirmed:
		return "confirmed"
	case ChangeRejected:
		return "rejected"
	case ChangeSnapshot:
		return "snapshot"
	case ChangeResyncNeeded:
		return "resync_needed"
	case ChangeWarning:
		return "warning"
	case ChangeCleared:
		return "cleared"
	}
	return "unknown"
}

type Change struct {
	Kind     ChangeKind
	BlockIDs []string
	Key      string
	Err      error
}

type pendingOp struct {
	key         string
	action      core.MutationAction
	blockID     string
	expected    *int64
	update      core.BlockUpdate
	provisional *core.Block
	frame       []byte
	// sent is set once the frame was handed to a live transport, so the
	// server may have applied it.
	sent    bool
	receipt *Receipt
}

type Option func(*Store)

func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) { s.log = log }
}

// WithKeyGenerator replaces the idempotency key generator.
func WithKeyGenerator(f func() string) Option {
	return func(s *Store) { s.newKey = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type createParams struct {
	parentID *string
	content  map[string]any
	size     core.Size
}

type CreateOption func(*createParams)

func WithParent(id string) CreateOption {
	return func(p *createParams) { p.parentID = &id }
}

func WithContent(content map[string]any) CreateOption {
	return func(p *createParams) {
		p.content = make(map[string]any, len(content))
		for k, v := range content {
			p.content[k] = v
		}
	}
}

func WithSize(size core.Size) CreateOption {
	return func(p *createParams) { p.size = size }
}

// Store is safe for concurrent use. Every write, local or remote, goes
// through the same mutex.
type Store struct {
	mu sync.Mutex

	canvasID string
	userID   string

	confirmed map[string]core.Block
	pending   []*pendingOp
	// hidden holds blocks whose local delete was rejected. They stay out of
	// the view until authoritative state for them arrives.
	hidden map[string]struct{}
	// abandoned holds keys rejected locally whose server reply may still
	// be in flight.
	abandoned map[string]struct{}
	serverSeq int64

	selected []string
	viewport core.Viewport

	sender  Sender
	subs    map[int]chan Change
	nextSub int

	log    *logrus.Entry
	newKey func() string
	now    func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		confirmed: make(map[string]core.Block),
		hidden:    make(map[string]struct{}),
		abandoned: make(map[string]struct{}),
		viewport:  core.Viewport{Zoom: 1},
		subs:      make(map[int]chan Change),
		log:       logrus.WithField("component", "state"),
		newKey:    uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind makes canvasID the active canvas. Binding a different canvas than the
// current one discards all state first; rebinding the same canvas keeps it.
func (s *Store) Bind(canvasID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canvasID != canvasID {
		s.clearLocked()
	}
	s.canvasID = canvasID
	s.userID = userID
}

// Clear drops every block and pending mutation and unbinds the canvas.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.canvasID = ""
}

func (s *Store) clearLocked() {
	for _, op := range s.pending {
		op.receipt.finish(OpRejected, core.ErrNoActiveCanvas)
		metrics.Mutations.WithLabelValues(metrics.OutcomeAbandoned).Inc()
	}
	s.pending = nil
	s.confirmed = make(map[string]core.Block)
	s.hidden = make(map[string]struct{})
	s.abandoned = make(map[string]struct{})
	s.serverSeq = 0
	s.selected = nil
	s.viewport = core.Viewport{Zoom: 1}
	metrics.PendingMutations.Set(0)
	s.notifyLocked(Change{Kind: ChangeCleared})
}

// SetSender swaps the outbound path. A nil sender leaves new mutations
// pending until the next snapshot replays them.
func (s *Store) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Store) CreateBlock(t core.BlockType, pos core.Point, opts ...CreateOption) (*Receipt, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("create block: unknown block type %q", t)
	}

	p := createParams{size: DefaultBlockSize, content: map[string]any{}}
	for _, opt := range opts {
		opt(&p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canvasID == "" {
		return nil, core.ErrNoActiveCanvas
	}

	view := s.viewLocked()
	if p.parentID != nil {
		if strings.HasPrefix(*p.parentID, ProvisionalPrefix) {
			return nil, fmt.Errorf("create block under %s: %w", *p.parentID, core.ErrBlockProvisional)
		}
		if _, ok := view[*p.parentID]; !ok {
			return nil, fmt.Errorf("create block under %s: %w", *p.parentID, core.ErrBlockNotFound)
		}
	}

	r, err := rankAfterLast(view, p.parentID)
	if err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}

	key := s.newKey()
	now := s.now().UTC()
	provisional := core.Block{
		ID:        ProvisionalPrefix + key,
		CanvasID:  s.canvasID,
		ParentID:  p.parentID,
		Type:      t,
		Content:   p.content,
		Position:  pos,
		Size:      p.size,
		Rank:      r,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: s.userID,
	}

	return s.issueLocked(&pendingOp{
		key:     key,
		action:  core.ActionCreate,
		blockID: provisional.ID,
		update: core.BlockUpdate{
			ParentID: p.parentID,
			Type:     &t,
			Content:  p.content,
			Position: &pos,
			Size:     &p.size,
			Rank:     &r,
		},
		provisional: &provisional,
	})
}

// UpdateBlock applies upd optimistically and sends it stamped with the
// version the block will have once every earlier local edit lands.
func (s *Store) UpdateBlock(id string, upd core.BlockUpdate) (*Receipt, error) {
	if upd.Type != nil && !upd.Type.Valid() {
		return nil, fmt.Errorf("update block %s: unknown block type %q", id, *upd.Type)
	}
	if len(upd.Fields()) == 0 {
		return nil, fmt.Errorf("update block %s: no fields to update", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(core.ActionUpdate, id, upd)
}

// MoveBlock changes only the position. Rank is left alone.
func (s *Store) MoveBlock(id string, pos core.Point) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(core.ActionMove, id, core.BlockUpdate{Position: &pos})
}

// RankBlock moves a block between two siblings in display order. Empty
// prevID or nextID mean the start or end of the list.
func (s *Store) RankBlock(id, prevID, nextID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.viewLocked()
	var prevRank, nextRank string
	for _, n := range []struct {
		id   string
		rank *string
	}{{prevID, &prevRank}, {nextID, &nextRank}} {
		if n.id == "" {
			continue
		}
		b, ok := view[n.id]
		if !ok {
			return nil, fmt.Errorf("rank block %s next to %s: %w", id, n.id, core.ErrBlockNotFound)
		}
		*n.rank = b.Rank
	}

	r, err := rank.Between(prevRank, nextRank)
	if err != nil {
		return nil, fmt.Errorf("rank block %s: %w", id, err)
	}
	return s.mutateLocked(core.ActionUpdate, id, core.BlockUpdate{Rank: &r})
}

// DeleteBlock removes the block from the view at once. If the server rejects
// the delete the block is not brought back until it is resynced.
func (s *Store) DeleteBlock(id string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, err := s.mutateLocked(core.ActionDelete, id, core.BlockUpdate{})
	if err != nil {
		return nil, err
	}
	s.deselectLocked(id)
	return receipt, nil
}

func (s *Store) mutateLocked(action core.MutationAction, id string, upd core.BlockUpdate) (*Receipt, error) {
	if s.canvasID == "" {
		return nil, core.ErrNoActiveCanvas
	}

	expected, err := s.projectedVersionLocked(id)
	if err != nil {
		return nil, fmt.Errorf("%s block %s: %w", action, id, err)
	}

	return s.issueLocked(&pendingOp{
		key:      s.newKey(),
		action:   action,
		blockID:  id,
		expected: &expected,
		update:   upd,
	})
}

// projectedVersionLocked is the confirmed version plus one for every pending
// update or move on the block.
func (s *Store) projectedVersionLocked(id string) (int64, error) {
	if strings.HasPrefix(id, ProvisionalPrefix) {
		for _, op := range s.pending {
			if op.blockID == id && op.action == core.ActionCreate {
				return 0, core.ErrBlockProvisional
			}
		}
		return 0, core.ErrBlockNotFound
	}

	b, ok := s.confirmed[id]
	if _, hidden := s.hidden[id]; !ok || hidden {
		return 0, core.ErrBlockNotFound
	}

	v := b.Version
	for _, op := range s.pending {
		if op.blockID != id {
			continue
		}
		switch op.action {
		case core.ActionDelete:
			return 0, core.ErrBlockNotFound
		case core.ActionUpdate, core.ActionMove:
			v++
		}
	}
	return v, nil
}

func (s *Store) issueLocked(op *pendingOp) (*Receipt, error) {
	m := core.BlockMutation{
		ClientOpID:      op.key,
		Action:          op.action,
		ExpectedVersion: op.expected,
	}
	if op.action != core.ActionCreate {
		m.BlockID = op.blockID
	}
	if op.action != core.ActionDelete {
		upd := op.update
		m.UpdateData = &upd
	}

	frame, err := protocol.EncodeMutation(m)
	if err != nil {
		return nil, fmt.Errorf("%s block: %w", op.action, err)
	}
	op.frame = frame
	op.receipt = newReceipt(op.key, op.blockID)

	s.supersedeLocked(op)
	s.pending = append(s.pending, op)
	s.sendLocked(op)
	metrics.PendingMutations.Set(float64(len(s.pending)))

	s.log.WithFields(logrus.Fields{
		"action":       op.action,
		"block_id":     op.blockID,
		"client_op_id": op.key,
		"sent":         op.sent,
	}).Debug("local mutation")
	s.notifyLocked(Change{Kind: ChangeLocal, BlockIDs: []string{op.blockID}, Key: op.key})
	return op.receipt, nil
}

// supersedeLocked marks older pending edits of the same block whose fields
// are all overwritten by next.
func (s *Store) supersedeLocked(next *pendingOp) {
	if next.action == core.ActionCreate {
		return
	}
	fields := next.update.Fields()
	for _, op := range s.pending {
		if op.blockID != next.blockID || op.action == core.ActionCreate {
			continue
		}
		if next.action == core.ActionDelete || covers(fields, op.update.Fields()) {
			op.receipt.supersede()
		}
	}
}

func covers(newer, older []string) bool {
	if len(older) == 0 {
		return false
	}
	for _, f := range older {
		found := false
		for _, n := range newer {
			if n == f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) sendLocked(op *pendingOp) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(op.frame); err != nil {
		s.log.WithError(err).WithField("client_op_id", op.key).Debug("mutation left pending")
		return
	}
	op.sent = true
}

// ApplyRemote reconciles a mutation broadcast by the server.
func (s *Store) ApplyRemote(m protocol.MutationApplied) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findLocked(m.ClientOpID)

	if m.ServerSeq <= s.serverSeq {
		if idx < 0 {
			s.log.WithFields(logrus.Fields{
				"server_seq": m.ServerSeq,
				"current":    s.serverSeq,
			}).Debug("ignoring replayed mutation")
			return
		}
		// Our own mutation, already contained in a newer snapshot.
		op := s.removeLocked(idx)
		s.confirmLocked(op, m.BlockID)
		s.notifyLocked(Change{Kind: ChangeConfirmed, BlockIDs: []string{m.BlockID}, Key: op.key})
		return
	}

	s.serverSeq = m.ServerSeq
	s.applyConfirmedLocked(m)

	if idx >= 0 {
		op := s.removeLocked(idx)
		s.confirmLocked(op, m.BlockID)
		s.notifyLocked(Change{Kind: ChangeConfirmed, BlockIDs: []string{m.BlockID}, Key: op.key})
		return
	}

	if m.Action == core.ActionDelete {
		s.deselectLocked(m.BlockID)
		s.rejectBlockLocked(m.BlockID, 0, nil)
	}
	s.notifyLocked(Change{Kind: ChangeRemote, BlockIDs: []string{m.BlockID}, Key: m.ClientOpID})
}

func (s *Store) applyConfirmedLocked(m protocol.MutationApplied) {
	if m.Action == core.ActionDelete {
		delete(s.confirmed, m.BlockID)
		delete(s.hidden, m.BlockID)
		return
	}
	if m.Block == nil {
		return
	}
	if cur, ok := s.confirmed[m.BlockID]; ok && m.Block.Version < cur.Version {
		s.log.WithFields(logrus.Fields{
			"block_id": m.BlockID,
			"incoming": m.Block.Version,
			"known":    cur.Version,
		}).Debug("ignoring older block version")
		return
	}
	b := m.Block.Clone()
	b.ID = m.BlockID
	s.confirmed[m.BlockID] = b
	delete(s.hidden, m.BlockID)
}

func (s *Store) confirmLocked(op *pendingOp, blockID string) {
	if op.action == core.ActionCreate && blockID != "" {
		for i, id := range s.selected {
			if id == op.blockID {
				s.selected[i] = blockID
			}
		}
		op.receipt.setBlockID(blockID)
	}

	outcome := metrics.OutcomeConfirmed
	if op.receipt.State() == OpSuperseded {
		outcome = metrics.OutcomeSuperseded
	}
	op.receipt.finish(OpConfirmed, nil)
	metrics.Mutations.WithLabelValues(outcome).Inc()
}

// ApplyError routes a server error to the mutation it names, if any.
func (s *Store) ApplyError(f protocol.ErrorFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithField("message", f.Message)
	if f.ClientOpID == "" {
		log.Warn("server error")
		s.notifyLocked(Change{Kind: ChangeWarning, Err: &core.ApplicationError{Message: f.Message}})
		return
	}

	log = log.WithField("client_op_id", f.ClientOpID)
	idx := s.findLocked(f.ClientOpID)
	if idx < 0 {
		if _, ok := s.abandoned[f.ClientOpID]; ok {
			log.Debug("error for abandoned mutation")
			return
		}
		log.Warn("server error for unknown mutation")
		s.notifyLocked(Change{
			Kind: ChangeWarning,
			Key:  f.ClientOpID,
			Err:  &core.ApplicationError{ClientOpID: f.ClientOpID, Message: f.Message},
		})
		return
	}

	op := s.pending[idx]
	if f.Conflict == nil {
		s.removeLocked(idx)
		err := &core.ApplicationError{ClientOpID: op.key, Message: f.Message}
		s.rejectLocked(op, err)
		log.Warn("mutation rejected")
		s.notifyLocked(Change{Kind: ChangeRejected, BlockIDs: []string{op.blockID}, Key: op.key, Err: err})
		return
	}

	blockID := op.blockID
	if op.action == core.ActionDelete {
		s.hidden[blockID] = struct{}{}
	}
	current := f.Conflict.CurrentBlock
	rejected := s.rejectConflictLocked(idx, f.Conflict.CurrentVersion, current)
	if current != nil && current.ID == blockID {
		if known, ok := s.confirmed[blockID]; !ok || current.Version >= known.Version {
			s.confirmed[blockID] = current.Clone()
		}
	}

	log.WithFields(logrus.Fields{
		"block_id":        blockID,
		"current_version": f.Conflict.CurrentVersion,
		"rejected":        len(rejected),
	}).Info("mutation conflict")
	for _, r := range rejected {
		s.notifyLocked(Change{
			Kind:     ChangeRejected,
			BlockIDs: []string{blockID},
			Key:      r.key,
			Err:      r.receipt.Err(),
		})
	}
	s.notifyLocked(Change{Kind: ChangeResyncNeeded, BlockIDs: []string{blockID}})
}

// rejectConflictLocked rejects the pending op at idx and every later edit of
// the same block that can no longer apply. The server applies edits of one
// connection in order, so a later edit survives only while its expected
// version matches currentVersion plus the edits surviving ahead of it.
func (s *Store) rejectConflictLocked(idx int, currentVersion int64, current *core.Block) []*pendingOp {
	failed := s.pending[idx]
	next := currentVersion
	live := failed.action != core.ActionDelete

	var rejected []*pendingOp
	kept := make([]*pendingOp, 0, len(s.pending))
	for i, op := range s.pending {
		if op.blockID != failed.blockID || i < idx {
			kept = append(kept, op)
			continue
		}
		if i > idx && live && op.expected != nil && *op.expected == next {
			kept = append(kept, op)
			if op.action == core.ActionDelete {
				live = false
			} else {
				next++
			}
			continue
		}
		s.rejectLocked(op, conflictFor(op, currentVersion, current))
		rejected = append(rejected, op)
	}
	s.pending = kept
	metrics.PendingMutations.Set(float64(len(s.pending)))
	return rejected
}

// ApplySnapshot replaces the confirmed layer with a full server snapshot and
// resends every pending mutation that can still apply, in issue order and
// with its original bytes. A mutation whose block is gone, or whose block
// has moved past any version this client could have produced, is rejected
// with a conflict.
func (s *Store) ApplySnapshot(blocks []core.Block, serverSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmed = make(map[string]core.Block, len(blocks))
	for _, b := range blocks {
		s.confirmed[b.ID] = b.Clone()
	}
	s.serverSeq = serverSeq
	s.hidden = make(map[string]struct{})
	s.abandoned = make(map[string]struct{})

	// ceiling is the highest version a block can have reached through this
	// client's own edits: one bump per sent edit, or the version the first
	// unsent edit was stamped against.
	ceiling := make(map[string]int64)
	for _, op := range s.pending {
		if op.action == core.ActionCreate || op.expected == nil {
			continue
		}
		limit := *op.expected
		if op.sent {
			limit++
		} else if _, seen := ceiling[op.blockID]; seen {
			continue
		}
		if cur, ok := ceiling[op.blockID]; !ok || limit > cur {
			ceiling[op.blockID] = limit
		}
	}

	var rejected []*pendingOp
	dropped := make(map[string]*core.Block)
	kept := make([]*pendingOp, 0, len(s.pending))

	for _, op := range s.pending {
		if op.action == core.ActionCreate {
			s.sendLocked(op)
			kept = append(kept, op)
			continue
		}

		if current, ok := dropped[op.blockID]; ok {
			s.rejectLocked(op, conflictFor(op, versionOf(current), current))
			rejected = append(rejected, op)
			continue
		}

		snap, ok := s.confirmed[op.blockID]
		if !ok {
			if op.action == core.ActionDelete && op.sent {
				s.confirmLocked(op, op.blockID)
				continue
			}
			dropped[op.blockID] = nil
			s.rejectLocked(op, conflictFor(op, 0, nil))
			rejected = append(rejected, op)
			continue
		}

		if snap.Version > ceiling[op.blockID] {
			current := snap.Clone()
			dropped[op.blockID] = &current
			s.rejectLocked(op, conflictFor(op, current.Version, &current))
			rejected = append(rejected, op)
			continue
		}

		s.sendLocked(op)
		kept = append(kept, op)
	}
	s.pending = kept
	metrics.PendingMutations.Set(float64(len(s.pending)))

	view := s.viewLocked()
	selected := s.selected[:0]
	for _, id := range s.selected {
		if _, ok := view[id]; ok {
			selected = append(selected, id)
		}
	}
	s.selected = selected

	s.log.WithFields(logrus.Fields{
		"blocks":     len(blocks),
		"server_seq": serverSeq,
		"replayed":   len(kept),
		"rejected":   len(rejected),
	}).Info("applied snapshot")

	s.notifyLocked(Change{Kind: ChangeSnapshot})
	for _, op := range rejected {
		s.notifyLocked(Change{
			Kind:     ChangeRejected,
			BlockIDs: []string{op.blockID},
			Key:      op.key,
			Err:      op.receipt.Err(),
		})
	}
}

// ApplyAuthoritative stores a block fetched outside the websocket stream,
// typically after a conflict.
func (s *Store) ApplyAuthoritative(b core.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.hidden, b.ID)
	if cur, ok := s.confirmed[b.ID]; ok && b.Version < cur.Version {
		s.notifyLocked(Change{Kind: ChangeRemote, BlockIDs: []string{b.ID}})
		return
	}
	s.confirmed[b.ID] = b.Clone()
	s.notifyLocked(Change{Kind: ChangeRemote, BlockIDs: []string{b.ID}})
}

// ForgetBlock drops a block the server no longer has.
func (s *Store) ForgetBlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.confirmed, id)
	delete(s.hidden, id)
	s.deselectLocked(id)
	s.rejectBlockLocked(id, 0, nil)
	s.notifyLocked(Change{Kind: ChangeRemote, BlockIDs: []string{id}})
}

func (s *Store) rejectBlockLocked(blockID string, currentVersion int64, current *core.Block) {
	kept := make([]*pendingOp, 0, len(s.pending))
	for _, op := range s.pending {
		if op.blockID != blockID {
			kept = append(kept, op)
			continue
		}
		s.rejectLocked(op, conflictFor(op, currentVersion, current))
	}
	s.pending = kept
	metrics.PendingMutations.Set(float64(len(s.pending)))
}

func (s *Store) rejectLocked(op *pendingOp, err error) {
	s.abandoned[op.key] = struct{}{}
	op.receipt.finish(OpRejected, err)

	outcome := metrics.OutcomeError
	if _, ok := err.(*core.ConflictError); ok {
		outcome = metrics.OutcomeConflict
	}
	metrics.Mutations.WithLabelValues(outcome).Inc()
}

func conflictFor(op *pendingOp, currentVersion int64, current *core.Block) *core.ConflictError {
	err := &core.ConflictError{
		ClientOpID:     op.key,
		BlockID:        op.blockID,
		CurrentVersion: currentVersion,
	}
	if op.expected != nil {
		err.ExpectedVersion = *op.expected
	}
	if current != nil {
		c := current.Clone()
		err.Current = &c
	}
	return err
}

func versionOf(b *core.Block) int64 {
	if b == nil {
		return 0
	}
	return b.Version
}

func (s *Store) findLocked(key string) int {
	if key == "" {
		return -1
	}
	for i, op := range s.pending {
		if op.key == key {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(idx int) *pendingOp {
	op := s.pending[idx]
	s.pending = append(s.pending[:idx:idx], s.pending[idx+1:]...)
	metrics.PendingMutations.Set(float64(len(s.pending)))
	return op
}

// viewLocked merges pending mutations over the confirmed layer. The returned
// blocks share content maps with the layers and must be cloned before they
// leave the store.
func (s *Store) viewLocked() map[string]core.Block {
	view := make(map[string]core.Block, len(s.confirmed)+len(s.pending))
	for id, b := range s.confirmed {
		if _, hidden := s.hidden[id]; hidden {
			continue
		}
		view[id] = b
	}
	for _, op := range s.pending {
		switch op.action {
		case core.ActionCreate:
			view[op.blockID] = *op.provisional
		case core.ActionDelete:
			delete(view, op.blockID)
		default:
			if b, ok := view[op.blockID]; ok {
				op.update.Apply(&b)
				view[op.blockID] = b
			}
		}
	}
	return view
}

func rankAfterLast(view map[string]core.Block, parentID *string) (string, error) {
	last := ""
	for _, b := range view {
		if !sameParent(b.ParentID, parentID) {
			continue
		}
		if b.Rank > last {
			last = b.Rank
		}
	}
	if last == "" {
		return rank.Initial(), nil
	}
	return rank.After(last)
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Block returns the merged view of one block.
func (s *Store) Block(id string) (core.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.viewLocked()[id]
	if !ok {
		return core.Block{}, false
	}
	return b.Clone(), true
}

// Blocks returns the merged view sorted by rank, then ID.
func (s *Store) Blocks() []core.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.viewLocked()
	blocks := make([]core.Block, 0, len(view))
	for _, b := range view {
		blocks = append(blocks, b.Clone())
	}
	core.SortBlocks(blocks)
	return blocks
}

// Snapshot returns the merged view as a CanvasState. Presence is left empty;
// the store does not own it.
func (s *Store) Snapshot() core.CanvasState {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.viewLocked()
	blocks := make(map[string]core.Block, len(view))
	for id, b := range view {
		blocks[id] = b.Clone()
	}
	return core.CanvasState{
		CanvasID:  s.canvasID,
		Blocks:    blocks,
		ServerSeq: s.serverSeq,
		Viewport:  s.viewport,
		Selected:  append([]string(nil), s.selected...),
	}
}

func (s *Store) ServerSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSeq
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) CanvasID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvasID
}

// SelectBlock replaces the selection with id, or toggles id in it when multi
// is set. It returns the new selection.
func (s *Store) SelectBlock(id string, multi bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !multi:
		s.selected = []string{id}
	case s.isSelectedLocked(id):
		s.deselectLocked(id)
	default:
		s.selected = append(s.selected, id)
	}
	return append([]string(nil), s.selected...)
}

func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

func (s *Store) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selected...)
}

func (s *Store) isSelectedLocked(id string) bool {
	for _, sel := range s.selected {
		if sel == id {
			return true
		}
	}
	return false
}

func (s *Store) deselectLocked(id string) {
	kept := s.selected[:0]
	for _, sel := range s.selected {
		if sel != id {
			kept = append(kept, sel)
		}
	}
	s.selected = kept
}

func (s *Store) UpdateViewport(v core.Viewport) {
	s.mu.Lock()
	s.viewport = v
	s.mu.Unlock()
}

func (s *Store) Viewport() core.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Subscribe returns a channel of store changes and a function that
// unsubscribes and closes it. Changes are dropped for a subscriber whose
// buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifyLocked(c Change) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.log.WithField("kind", c.Kind).Debug("subscriber full, change dropped")
		}
	}
}
