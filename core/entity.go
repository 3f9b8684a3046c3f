package core

import (
	"context"
	"sort"
	"time"
)

type (
	BlockType string

	MutationAction string

	PresenceStatus string

	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	Size struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	// Canvas is a named collaborative surface. The sync engine only reads it.
	Canvas struct {
		ID          string         `json:"id"`
		Title       string         `json:"title"`
		OwnerID     string         `json:"owner_id"`
		WorkspaceID *string        `json:"workspace_id"`
		Settings    map[string]any `json:"settings"`
		CreatedAt   time.Time      `json:"created_at"`
		UpdatedAt   time.Time      `json:"updated_at"`
	}

	// Block is the atomic collaborative unit of a canvas.
	Block struct {
		ID        string         `json:"id"`
		CanvasID  string         `json:"canvas_id"`
		ParentID  *string        `json:"parent_id"`
		Type      BlockType      `json:"type"`
		Content   map[string]any `json:"content"`
		Position  Point          `json:"position"`
		Size      Size           `json:"size"`
		Rank      string         `json:"y_order"`
		Version   int64          `json:"version"`
		CreatedAt time.Time      `json:"created_at"`
		UpdatedAt time.Time      `json:"updated_at"`
		CreatedBy string         `json:"created_by"`
	}

	// BlockUpdate is the mutable subset of Block. Nil fields are left untouched.
	BlockUpdate struct {
		ParentID *string        `json:"parent_id,omitempty"`
		Type     *BlockType     `json:"type,omitempty" validate:"omitempty,oneof=text heading list image code shape"`
		Content  map[string]any `json:"content,omitempty"`
		Position *Point         `json:"position,omitempty"`
		Size     *Size          `json:"size,omitempty"`
		Rank     *string        `json:"y_order,omitempty"`
	}

	// BlockMutation is an outbound intent. ClientOpID correlates it with the
	// server echo, including after a reconnect-induced retransmission.
	BlockMutation struct {
		ClientOpID      string         `json:"client_op_id" validate:"required"`
		Action          MutationAction `json:"action" validate:"required,oneof=create update delete move"`
		BlockID         string         `json:"block_id,omitempty"`
		ExpectedVersion *int64         `json:"expected_version,omitempty"`
		UpdateData      *BlockUpdate   `json:"update_data,omitempty"`
	}

	Selection struct {
		BlockID string `json:"block_id"`
	}

	Presence struct {
		UserID    string         `json:"user_id"`
		UserName  string         `json:"user_name"`
		Cursor    *Point         `json:"cursor,omitempty"`
		Selection *Selection     `json:"selection,omitempty"`
		Status    PresenceStatus `json:"status"`
		Color     string         `json:"color"`
	}

	Viewport struct {
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		Zoom float64 `json:"zoom"`
	}

	// CanvasState is the client-side aggregate. It is never persisted.
	CanvasState struct {
		CanvasID  string
		Blocks    map[string]Block
		ServerSeq int64
		Presence  map[string]Presence
		Viewport  Viewport
		Selected  []string
	}

	// Page is one page of a paginated listing.
	Page[T any] struct {
		Items []T `json:"items"`
		Total int `json:"total"`
		Page  int `json:"page"`
		Size  int `json:"size"`
	}

	// MutationResult is what a BlockStore reports after applying a mutation.
	MutationResult struct {
		Status    MutationStatus
		Action    MutationAction
		BlockID   string
		Block     *Block
		ServerSeq int64
		// Current holds the authoritative block when Status is conflict.
		Current *Block
	}

	MutationStatus string

	CanvasStore interface {
		ListCanvases(ctx context.Context, ownerID string, limit, offset int) ([]Canvas, int, error)
		CreateCanvas(ctx context.Context, canvas *Canvas) error
		GetCanvas(ctx context.Context, id string) (*Canvas, error)
		UpdateCanvas(ctx context.Context, canvas *Canvas) error
		DeleteCanvas(ctx context.Context, id string) error
	}

	BlockStore interface {
		ListBlocks(ctx context.Context, canvasID string, limit, offset int) ([]Block, int, error)
		GetBlock(ctx context.Context, canvasID, blockID string) (*Block, error)
		ServerSeq(ctx context.Context, canvasID string) (int64, error)
		ApplyMutation(ctx context.Context, canvasID, userID string, m BlockMutation) (*MutationResult, error)
	}

	CanvasRole string

	// Member grants a user other than the owner access to a canvas.
	Member struct {
		CanvasID string     `json:"canvas_id"`
		UserID   string     `json:"user_id"`
		Role     CanvasRole `json:"role"`
		AddedAt  time.Time  `json:"added_at"`
	}

	// MemberStore decides who may open a canvas. Access reports the role of
	// userID on the canvas, or an empty role when the user has none.
	MemberStore interface {
		AddMember(ctx context.Context, member *Member) error
		ListMembers(ctx context.Context, canvasID string) ([]Member, error)
		Access(ctx context.Context, canvasID, userID string) (CanvasRole, error)
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}
)

const (
	BlockText    BlockType = "text"
	BlockHeading BlockType = "heading"
	BlockList    BlockType = "list"
	BlockImage   BlockType = "image"
	BlockCode    BlockType = "code"
	BlockShape   BlockType = "shape"
)

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
	ActionMove   MutationAction = "move"
)

const (
	RoleOwner  CanvasRole = "owner"
	RoleEditor CanvasRole = "editor"
	RoleViewer CanvasRole = "viewer"
)

const (
	StatusActive  PresenceStatus = "active"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

const (
	MutationApplied   MutationStatus = "success"
	MutationDuplicate MutationStatus = "duplicate_ignored"
	MutationConflict  MutationStatus = "conflict"

	// MutationAlreadyDeleted answers a delete of a block that is already gone.
	MutationAlreadyDeleted MutationStatus = "already_deleted"
)

// Valid reports whether t is one of the closed set of block types.
func (t BlockType) Valid() bool {
	switch t {
	case BlockText, BlockHeading, BlockList, BlockImage, BlockCode, BlockShape:
		return true
	}
	return false
}

// CanEdit reports whether the role may mutate blocks.
func (r CanvasRole) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

func (a MutationAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionMove:
		return true
	}
	return false
}

// Clone returns a copy of b that shares no maps or pointers with it.
func (b Block) Clone() Block {
	out := b
	if b.ParentID != nil {
		parent := *b.ParentID
		out.ParentID = &parent
	}
	if b.Content != nil {
		out.Content = make(map[string]any, len(b.Content))
		for k, v := range b.Content {
			out.Content[k] = v
		}
	}
	return out
}

// Apply merges the non-nil fields of u into b. Content is replaced, not merged.
func (u BlockUpdate) Apply(b *Block) {
	if u.ParentID != nil {
		parent := *u.ParentID
		b.ParentID = &parent
	}
	if u.Type != nil {
		b.Type = *u.Type
	}
	if u.Content != nil {
		b.Content = make(map[string]any, len(u.Content))
		for k, v := range u.Content {
			b.Content[k] = v
		}
	}
	if u.Position != nil {
		b.Position = *u.Position
	}
	if u.Size != nil {
		b.Size = *u.Size
	}
	if u.Rank != nil {
		b.Rank = *u.Rank
	}
}

// Fields returns the names of the fields u sets, in a fixed order.
func (u BlockUpdate) Fields() []string {
	var fields []string
	if u.ParentID != nil {
		fields = append(fields, "parent_id")
	}
	if u.Type != nil {
		fields = append(fields, "type")
	}
	if u.Content != nil {
		fields = append(fields, "content")
	}
	if u.Position != nil {
		fields = append(fields, "position")
	}
	if u.Size != nil {
		fields = append(fields, "size")
	}
	if u.Rank != nil {
		fields = append(fields, "y_order")
	}
	return fields
}

// SortBlocks orders blocks by rank, breaking ties by ID.
func SortBlocks(blocks []Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Rank == blocks[j].Rank {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Rank < blocks[j].Rank
	})
}

func (p Presence) Clone() Presence {
	out := p
	if p.Cursor != nil {
		cursor := *p.Cursor
		out.Cursor = &cursor
	}
	if p.Selection != nil {
		sel := *p.Selection
		out.Selection = &sel
	}
	return out
}
