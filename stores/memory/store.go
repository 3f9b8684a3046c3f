package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"canvas-sync/core"
	"canvas-sync/stores/mutation"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type canvasData struct {
	canvas  core.Canvas
	blocks  map[string]core.Block
	ops     map[string]mutation.Record
	members map[string]core.Member
	seq     int64
}

type memStore struct {
	mu       sync.RWMutex
	canvases map[string]*canvasData
	rooms    map[string]int64
}

func NewStore() *memStore {
	return &memStore{
		canvases: make(map[string]*canvasData),
		rooms:    make(map[string]int64),
	}
}

func (s *memStore) ListCanvases(ctx context.Context, ownerID string, limit, offset int) ([]core.Canvas, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make([]core.Canvas, 0)
	for _, data := range s.canvases {
		if data.canvas.OwnerID == ownerID {
			owned = append(owned, data.canvas)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].ID < owned[j].ID
		}
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})

	return paginate(owned, limit, offset), len(owned), nil
}

func (s *memStore) CreateCanvas(ctx context.Context, canvas *core.Canvas) error {
	now := time.Now().UTC()
	canvas.ID = ulid.Make().String()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now

	s.mu.Lock()
	s.canvases[canvas.ID] = &canvasData{
		canvas: *canvas,
		blocks:  make(map[string]core.Block),
		ops:     make(map[string]mutation.Record),
		members: make(map[string]core.Member),
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvas.ID,
		"owner_id":  canvas.OwnerID,
	}).Info("Canvas created successfully")
	return nil
}

func (s *memStore) GetCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[id]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", id, core.ErrNotFound)
	}
	canvas := data.canvas
	return &canvas, nil
}

func (s *memStore) UpdateCanvas(ctx context.Context, canvas *core.Canvas) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.canvases[canvas.ID]
	if !ok {
		return fmt.Errorf("canvas %s: %w", canvas.ID, core.ErrNotFound)
	}
	canvas.UpdatedAt = time.Now().UTC()
	data.canvas = *canvas
	return nil
}

func (s *memStore) DeleteCanvas(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.canvases[id]; !ok {
		return fmt.Errorf("canvas %s: %w", id, core.ErrNotFound)
	}
	delete(s.canvases, id)
	delete(s.rooms, id)
	logrus.WithField("canvas_id", id).Info("Canvas deleted successfully")
	return nil
}

func (s *memStore) ListBlocks(ctx context.Context, canvasID string, limit, offset int) ([]core.Block, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return nil, 0, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	blocks := make([]core.Block, 0, len(data.blocks))
	for _, b := range data.blocks {
		blocks = append(blocks, b.Clone())
	}
	core.SortBlocks(blocks)
	return paginate(blocks, limit, offset), len(blocks), nil
}

func (s *memStore) GetBlock(ctx context.Context, canvasID, blockID string) (*core.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	b, ok := data.blocks[blockID]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", blockID, core.ErrNotFound)
	}
	b = b.Clone()
	return &b, nil
}

func (s *memStore) ServerSeq(ctx context.Context, canvasID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return 0, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	return data.seq, nil
}

// ApplyMutation holds the write lock for the whole mutation, which makes it
// atomic.
func (s *memStore) ApplyMutation(ctx context.Context, canvasID, userID string, m core.BlockMutation) (*core.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	return mutation.Apply(memTx{data}, canvasID, userID, m, time.Now().UTC())
}

func (s *memStore) AddMember(ctx context.Context, member *core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.canvases[member.CanvasID]
	if !ok {
		return fmt.Errorf("canvas %s: %w", member.CanvasID, core.ErrNotFound)
	}
	if _, exists := data.members[member.UserID]; exists || data.canvas.OwnerID == member.UserID {
		return fmt.Errorf("user %s: %w", member.UserID, core.ErrMemberExists)
	}
	member.AddedAt = time.Now().UTC()
	data.members[member.UserID] = *member

	logrus.WithFields(logrus.Fields{
		"canvas_id": member.CanvasID,
		"user_id":   member.UserID,
		"role":      member.Role,
	}).Info("Canvas member added")
	return nil
}

func (s *memStore) ListMembers(ctx context.Context, canvasID string) ([]core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	members := make([]core.Member, 0, len(data.members))
	for _, m := range data.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].AddedAt.Equal(members[j].AddedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].AddedAt.Before(members[j].AddedAt)
	})
	return members, nil
}

func (s *memStore) Access(ctx context.Context, canvasID, userID string) (core.CanvasRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.canvases[canvasID]
	if !ok {
		return "", fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	if data.canvas.OwnerID == userID {
		return core.RoleOwner, nil
	}
	return data.members[userID].Role, nil
}

func (s *memStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *memStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

type memTx struct {
	data *canvasData
}

func (tx memTx) Recorded(clientOpID string) (*mutation.Record, error) {
	rec, ok := tx.data.ops[clientOpID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (tx memTx) Block(id string) (*core.Block, error) {
	b, ok := tx.data.blocks[id]
	if !ok {
		return nil, nil
	}
	b = b.Clone()
	return &b, nil
}

func (tx memTx) Siblings(parentID *string) ([]core.Block, error) {
	var out []core.Block
	for _, b := range tx.data.blocks {
		if sameParent(b.ParentID, parentID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (tx memTx) ServerSeq() (int64, error) {
	return tx.data.seq, nil
}

func (tx memTx) NextServerSeq() (int64, error) {
	tx.data.seq++
	return tx.data.seq, nil
}

func (tx memTx) Put(b core.Block) error {
	tx.data.blocks[b.ID] = b.Clone()
	return nil
}

func (tx memTx) Delete(id string) error {
	delete(tx.data.blocks, id)
	return nil
}

func (tx memTx) Record(r mutation.Record) error {
	tx.data.ops[r.ClientOpID] = r
	return nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
