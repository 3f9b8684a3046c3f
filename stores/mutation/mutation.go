// Package mutation holds the rules every block store applies to an incoming
// mutation: idempotency, optimistic concurrency and rank assignment. Stores
// only provide storage through Tx.
package mutation

import (
	"errors"
	"fmt"
	"time"

	"canvas-sync/core"
	"canvas-sync/rank"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// ErrInvalid marks a mutation rejected before it touched any state.
var ErrInvalid = errors.New("invalid mutation")

var validate = validator.New()

// Record is what a store remembers about an applied mutation so that a
// retransmission with the same client_op_id can be answered again.
type Record struct {
	ClientOpID string
	BlockID    string
	Action     core.MutationAction
	ServerSeq  int64
}

// Tx is one canvas as seen from inside a store transaction.
type Tx interface {
	Recorded(clientOpID string) (*Record, error)
	// Block returns nil without error when the block does not exist.
	Block(id string) (*core.Block, error)
	Siblings(parentID *string) ([]core.Block, error)
	ServerSeq() (int64, error)
	NextServerSeq() (int64, error)
	Put(b core.Block) error
	Delete(id string) error
	Record(r Record) error
}

// Validate checks the shape of a mutation.
func Validate(m core.BlockMutation) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch m.Action {
	case core.ActionCreate:
		if m.UpdateData == nil || m.UpdateData.Type == nil {
			return fmt.Errorf("%w: create requires update_data.type", ErrInvalid)
		}
	case core.ActionUpdate:
		if m.BlockID == "" || m.UpdateData == nil || len(m.UpdateData.Fields()) == 0 {
			return fmt.Errorf("%w: update requires block_id and update_data", ErrInvalid)
		}
	case core.ActionMove:
		if m.BlockID == "" || m.UpdateData == nil || m.UpdateData.Position == nil {
			return fmt.Errorf("%w: move requires block_id and update_data.position", ErrInvalid)
		}
	case core.ActionDelete:
		if m.BlockID == "" {
			return fmt.Errorf("%w: delete requires block_id", ErrInvalid)
		}
	}

	if m.UpdateData != nil && m.UpdateData.Rank != nil {
		if err := rank.Validate(*m.UpdateData.Rank); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Apply runs m against tx. A stale expected_version yields a conflict result,
// not an error; errors are reserved for invalid mutations, missing blocks and
// storage failures.
func Apply(tx Tx, canvasID, userID string, m core.BlockMutation, now time.Time) (*core.MutationResult, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}

	rec, err := tx.Recorded(m.ClientOpID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		current, err := tx.Block(rec.BlockID)
		if err != nil {
			return nil, err
		}
		return &core.MutationResult{
			Status:    core.MutationDuplicate,
			Action:    rec.Action,
			BlockID:   rec.BlockID,
			Block:     current,
			ServerSeq: rec.ServerSeq,
		}, nil
	}

	var current *core.Block
	if m.BlockID != "" {
		if current, err = tx.Block(m.BlockID); err != nil {
			return nil, err
		}
	}

	switch {
	case m.Action == core.ActionCreate && current != nil:
		return nil, fmt.Errorf("%w: block %s already exists", ErrInvalid, m.BlockID)
	case m.Action == core.ActionDelete && current == nil:
		seq, err := tx.ServerSeq()
		if err != nil {
			return nil, err
		}
		return &core.MutationResult{
			Status:    core.MutationAlreadyDeleted,
			Action:    m.Action,
			BlockID:   m.BlockID,
			ServerSeq: seq,
		}, nil
	case m.Action != core.ActionCreate && current == nil:
		return nil, fmt.Errorf("block %s: %w", m.BlockID, core.ErrBlockNotFound)
	case current != nil && m.ExpectedVersion != nil && current.Version != *m.ExpectedVersion:
		return &core.MutationResult{
			Status:  core.MutationConflict,
			Action:  m.Action,
			BlockID: m.BlockID,
			Current: current,
		}, nil
	}

	var b core.Block
	if m.Action != core.ActionDelete {
		if b, err = build(tx, canvasID, userID, current, m, now); err != nil {
			return nil, err
		}
	}

	seq, err := tx.NextServerSeq()
	if err != nil {
		return nil, err
	}
	result := &core.MutationResult{
		Status:    core.MutationApplied,
		Action:    m.Action,
		BlockID:   m.BlockID,
		ServerSeq: seq,
	}

	if m.Action == core.ActionDelete {
		if err := tx.Delete(m.BlockID); err != nil {
			return nil, err
		}
	} else {
		if err := tx.Put(b); err != nil {
			return nil, err
		}
		result.Block = &b
		result.BlockID = b.ID
	}

	err = tx.Record(Record{
		ClientOpID: m.ClientOpID,
		BlockID:    result.BlockID,
		Action:     m.Action,
		ServerSeq:  seq,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func build(tx Tx, canvasID, userID string, current *core.Block, m core.BlockMutation, now time.Time) (core.Block, error) {
	if m.Action != core.ActionCreate {
		b := current.Clone()
		upd := *m.UpdateData
		if m.Action == core.ActionMove {
			upd = core.BlockUpdate{Position: upd.Position}
		}
		upd.Apply(&b)
		b.Version++
		b.UpdatedAt = now
		return b, nil
	}

	id := m.BlockID
	if id == "" {
		id = ulid.Make().String()
	}
	b := core.Block{
		ID:        id,
		CanvasID:  canvasID,
		Content:   map[string]any{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: userID,
	}
	m.UpdateData.Apply(&b)

	if m.UpdateData.Rank == nil {
		siblings, err := tx.Siblings(b.ParentID)
		if err != nil {
			return core.Block{}, err
		}
		r, err := NextRank(siblings)
		if err != nil {
			return core.Block{}, err
		}
		b.Rank = r
	}
	return b, nil
}

// NextRank returns a rank after every sibling.
func NextRank(siblings []core.Block) (string, error) {
	last := ""
	for _, b := range siblings {
		if b.Rank > last {
			last = b.Rank
		}
	}
	if last == "" {
		return rank.Initial(), nil
	}
	return rank.After(last)
}
