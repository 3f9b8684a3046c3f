package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"canvas-sync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	// Snapshot is a named copy of a canvas' blocks at one server_seq.
	Snapshot struct {
		ID          string `json:"id"`
		CanvasID    string `json:"canvas_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		CreatedBy   string `json:"created_by"`
		CreatedAt   int64  `json:"created_at"`
		ServerSeq   int64  `json:"server_seq"`
		Data        []byte `json:"data,omitempty"`
	}

	CanvasSettings struct {
		CanvasID     string `json:"canvas_id"`
		MaxSnapshots int    `json:"max_snapshots"`
	}
)

// Blocks decodes the blocks held by the snapshot.
func (s *Snapshot) Blocks() ([]core.Block, error) {
	var blocks []core.Block
	if err := json.Unmarshal(s.Data, &blocks); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
	}
	return blocks, nil
}

// CreateSnapshot copies the current blocks of a canvas. When the canvas
// already holds max_snapshots snapshots the oldest is dropped.
func (s *sqliteStore) CreateSnapshot(ctx context.Context, canvasID, name, description, createdBy string) (*Snapshot, error) {
	snapshot := &Snapshot{
		ID:          ulid.Make().String(),
		CanvasID:    canvasID,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   int64(ulid.Now()),
	}
	log := logrus.WithFields(logrus.Fields{
		"snapshot_id": snapshot.ID,
		"canvas_id":   canvasID,
	})

	settings, err := s.GetCanvasSettings(ctx, canvasID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if snapshot.ServerSeq, err = serverSeq(ctx, tx, canvasID); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, "SELECT data FROM blocks WHERE canvas_id = ? ORDER BY y_order, id", canvasID)
	if err != nil {
		return nil, err
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return nil, err
	}
	if snapshot.Data, err = json.Marshal(blocks); err != nil {
		return nil, err
	}

	var count int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE canvas_id = ?", canvasID).Scan(&count)
	if err != nil {
		log.WithField("error", err).Error("Failed to count snapshots")
		return nil, err
	}
	if excess := count - settings.MaxSnapshots + 1; excess > 0 {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM snapshots WHERE id IN (SELECT id FROM snapshots WHERE canvas_id = ? ORDER BY created_at, id LIMIT ?)",
			canvasID, excess)
		if err != nil {
			log.WithField("error", err).Error("Failed to delete oldest snapshot")
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO snapshots (id, canvas_id, name, description, created_by, created_at, server_seq, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		snapshot.ID, canvasID, name, description, createdBy, snapshot.CreatedAt, snapshot.ServerSeq, snapshot.Data)
	if err != nil {
		log.WithField("error", err).Error("Failed to create snapshot")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.WithField("blocks", len(blocks)).Info("Snapshot created successfully")
	return snapshot, nil
}

// ListSnapshots returns snapshot metadata for a canvas, newest first.
func (s *sqliteStore) ListSnapshots(ctx context.Context, canvasID string) ([]Snapshot, error) {
	log := logrus.WithField("canvas_id", canvasID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, canvas_id, name, description, created_by, created_at, server_seq FROM snapshots WHERE canvas_id = ? ORDER BY created_at DESC, id DESC",
		canvasID)
	if err != nil {
		log.WithField("error", err).Error("Failed to list snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var snapshot Snapshot
		var name, description, createdBy sql.NullString
		err = rows.Scan(&snapshot.ID, &snapshot.CanvasID, &name, &description, &createdBy, &snapshot.CreatedAt, &snapshot.ServerSeq)
		if err != nil {
			return nil, err
		}
		snapshot.Name = name.String
		snapshot.Description = description.String
		snapshot.CreatedBy = createdBy.String
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snapshot Snapshot
	var name, description, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, canvas_id, name, description, created_by, created_at, server_seq, data FROM snapshots WHERE id = ?",
		id).Scan(&snapshot.ID, &snapshot.CanvasID, &name, &description, &createdBy, &snapshot.CreatedAt, &snapshot.ServerSeq, &snapshot.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		logrus.WithField("snapshot_id", id).WithField("error", err).Error("Failed to retrieve snapshot")
		return nil, err
	}

	snapshot.Name = name.String
	snapshot.Description = description.String
	snapshot.CreatedBy = createdBy.String
	return &snapshot, nil
}

func (s *sqliteStore) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		logrus.WithField("snapshot_id", id).WithField("error", err).Error("Failed to delete snapshot")
		return err
	}
	return requireRow(result, "snapshot", id)
}

func (s *sqliteStore) UpdateSnapshotMetadata(ctx context.Context, id, name, description string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE snapshots SET name = ?, description = ? WHERE id = ?", name, description, id)
	if err != nil {
		logrus.WithField("snapshot_id", id).WithField("error", err).Error("Failed to update snapshot metadata")
		return err
	}
	return requireRow(result, "snapshot", id)
}

// GetCanvasSettings returns defaults for a canvas that has none stored.
func (s *sqliteStore) GetCanvasSettings(ctx context.Context, canvasID string) (*CanvasSettings, error) {
	settings := CanvasSettings{CanvasID: canvasID}
	err := s.db.QueryRowContext(ctx,
		"SELECT max_snapshots FROM canvas_settings WHERE canvas_id = ?", canvasID).Scan(&settings.MaxSnapshots)
	if errors.Is(err, sql.ErrNoRows) {
		settings.MaxSnapshots = DefaultMaxSnapshots
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *sqliteStore) UpdateCanvasSettings(ctx context.Context, canvasID string, maxSnapshots int) error {
	if maxSnapshots < 1 {
		return fmt.Errorf("max_snapshots must be positive, got %d", maxSnapshots)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO canvas_settings (canvas_id, max_snapshots) VALUES (?, ?) ON CONFLICT(canvas_id) DO UPDATE SET max_snapshots = excluded.max_snapshots",
		canvasID, maxSnapshots)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"canvas_id":     canvasID,
			"max_snapshots": maxSnapshots,
		}).WithField("error", err).Error("Failed to update canvas settings")
	}
	return err
}
