package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"canvas-sync/core"
	"canvas-sync/stores/mutation"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const DefaultMaxSnapshots = 10

var schema = []string{
	`CREATE TABLE IF NOT EXISTS canvases (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		workspace_id TEXT,
		settings TEXT,
		server_seq INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS canvases_owner ON canvases (owner_id, updated_at);`,
	`CREATE TABLE IF NOT EXISTS blocks (
		canvas_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT,
		y_order TEXT NOT NULL,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (canvas_id, id)
	);`,
	`CREATE TABLE IF NOT EXISTS operations (
		canvas_id TEXT NOT NULL,
		client_op_id TEXT NOT NULL,
		block_id TEXT NOT NULL,
		action TEXT NOT NULL,
		server_seq INTEGER NOT NULL,
		PRIMARY KEY (canvas_id, client_op_id)
	);`,
	`CREATE TABLE IF NOT EXISTS canvas_members (
		canvas_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (canvas_id, user_id)
	);`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		canvas_id TEXT NOT NULL,
		name TEXT,
		description TEXT,
		created_by TEXT,
		created_at INTEGER NOT NULL,
		server_seq INTEGER NOT NULL,
		data BLOB NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS canvas_settings (
		canvas_id TEXT PRIMARY KEY,
		max_snapshots INTEGER DEFAULT 10
	);`,
}

type sqliteStore struct {
	db *sql.DB
}

func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		stdlog.Fatal(err)
	}
	// Mutations are read-modify-write; one connection keeps them serial.
	db.SetMaxOpenConns(1)

	for _, sts := range schema {
		if _, err := db.Exec(sts); err != nil {
			stdlog.Fatal(err)
		}
	}

	return &sqliteStore{db}
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

const canvasColumns = "id, title, owner_id, workspace_id, settings, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanCanvas(row scanner) (*core.Canvas, error) {
	var (
		c                    core.Canvas
		workspace, settings  sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Title, &c.OwnerID, &workspace, &settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if workspace.Valid {
		c.WorkspaceID = &workspace.String
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &c.Settings); err != nil {
			return nil, fmt.Errorf("canvas %s settings: %w", c.ID, err)
		}
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

func encodeSettings(settings map[string]any) (sql.NullString, error) {
	if settings == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (s *sqliteStore) ListCanvases(ctx context.Context, ownerID string, limit, offset int) ([]core.Canvas, int, error) {
	log := logrus.WithField("owner_id", ownerID)

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM canvases WHERE owner_id = ?", ownerID).Scan(&total)
	if err != nil {
		log.WithField("error", err).Error("Failed to count canvases")
		return nil, 0, err
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+canvasColumns+" FROM canvases WHERE owner_id = ? ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		ownerID, limit, offset)
	if err != nil {
		log.WithField("error", err).Error("Failed to list canvases")
		return nil, 0, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close canvas rows")
		}
	}()

	canvases := make([]core.Canvas, 0)
	for rows.Next() {
		c, err := scanCanvas(rows)
		if err != nil {
			return nil, 0, err
		}
		canvases = append(canvases, *c)
	}
	return canvases, total, rows.Err()
}

func (s *sqliteStore) CreateCanvas(ctx context.Context, canvas *core.Canvas) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	canvas.ID = ulid.Make().String()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	log := logrus.WithFields(logrus.Fields{
		"canvas_id": canvas.ID,
		"owner_id":  canvas.OwnerID,
	})

	settings, err := encodeSettings(canvas.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO canvases ("+canvasColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		canvas.ID, canvas.Title, canvas.OwnerID, canvas.WorkspaceID, settings, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithField("error", err).Error("Failed to create canvas")
		return err
	}
	log.Info("Canvas created successfully")
	return nil
}

func (s *sqliteStore) GetCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	c, err := scanCanvas(s.db.QueryRowContext(ctx, "SELECT "+canvasColumns+" FROM canvases WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("canvas %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		logrus.WithField("canvas_id", id).WithField("error", err).Error("Failed to retrieve canvas")
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) UpdateCanvas(ctx context.Context, canvas *core.Canvas) error {
	canvas.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	settings, err := encodeSettings(canvas.Settings)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE canvases SET title = ?, workspace_id = ?, settings = ?, updated_at = ? WHERE id = ?",
		canvas.Title, canvas.WorkspaceID, settings, canvas.UpdatedAt.UnixMilli(), canvas.ID)
	if err != nil {
		logrus.WithField("canvas_id", canvas.ID).WithField("error", err).Error("Failed to update canvas")
		return err
	}
	return requireRow(result, "canvas", canvas.ID)
}

func (s *sqliteStore) DeleteCanvas(ctx context.Context, id string) error {
	log := logrus.WithField("canvas_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM canvases WHERE id = ?", id)
	if err != nil {
		log.WithField("error", err).Error("Failed to delete canvas")
		return err
	}
	if err := requireRow(result, "canvas", id); err != nil {
		return err
	}
	for _, table := range []string{"blocks", "operations", "snapshots", "canvas_settings", "canvas_members"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE canvas_id = ?", id); err != nil {
			return fmt.Errorf("delete %s of canvas %s: %w", table, id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info("Canvas deleted successfully")
	return nil
}

func (s *sqliteStore) ListBlocks(ctx context.Context, canvasID string, limit, offset int) ([]core.Block, int, error) {
	if _, err := s.ServerSeq(ctx, canvasID); err != nil {
		return nil, 0, err
	}

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks WHERE canvas_id = ?", canvasID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM blocks WHERE canvas_id = ? ORDER BY y_order, id LIMIT ? OFFSET ?",
		canvasID, limit, offset)
	if err != nil {
		logrus.WithField("canvas_id", canvasID).WithField("error", err).Error("Failed to list blocks")
		return nil, 0, err
	}
	blocks, err := scanBlocks(rows)
	if err != nil {
		return nil, 0, err
	}
	return blocks, total, nil
}

func (s *sqliteStore) GetBlock(ctx context.Context, canvasID, blockID string) (*core.Block, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM blocks WHERE canvas_id = ? AND id = ?", canvasID, blockID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block %s: %w", blockID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("block %s: %w", blockID, err)
	}
	return &b, nil
}

func (s *sqliteStore) ServerSeq(ctx context.Context, canvasID string) (int64, error) {
	return serverSeq(ctx, s.db, canvasID)
}

func (s *sqliteStore) ApplyMutation(ctx context.Context, canvasID, userID string, m core.BlockMutation) (*core.MutationResult, error) {
	log := logrus.WithFields(logrus.Fields{
		"canvas_id":    canvasID,
		"client_op_id": m.ClientOpID,
		"action":       m.Action,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := serverSeq(ctx, tx, canvasID); err != nil {
		return nil, err
	}

	result, err := mutation.Apply(&sqlTx{ctx: ctx, tx: tx, canvasID: canvasID}, canvasID, userID, m, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		log.WithField("error", err).Error("Failed to commit mutation")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status":     result.Status,
		"server_seq": result.ServerSeq,
	}).Debug("Mutation applied")
	return result, nil
}

func (s *sqliteStore) AddMember(ctx context.Context, member *core.Member) error {
	log := logrus.WithFields(logrus.Fields{
		"canvas_id": member.CanvasID,
		"user_id":   member.UserID,
	})

	canvas, err := s.GetCanvas(ctx, member.CanvasID)
	if err != nil {
		return err
	}
	if canvas.OwnerID == member.UserID {
		return fmt.Errorf("user %s: %w", member.UserID, core.ErrMemberExists)
	}

	added := time.Now().UTC().Truncate(time.Millisecond)
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO canvas_members (canvas_id, user_id, role, added_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
		member.CanvasID, member.UserID, member.Role, added.UnixMilli())
	if err != nil {
		log.WithField("error", err).Error("Failed to add canvas member")
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("user %s: %w", member.UserID, core.ErrMemberExists)
	}

	member.AddedAt = added
	log.WithField("role", member.Role).Info("Canvas member added")
	return nil
}

func (s *sqliteStore) ListMembers(ctx context.Context, canvasID string) ([]core.Member, error) {
	if _, err := s.ServerSeq(ctx, canvasID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, role, added_at FROM canvas_members WHERE canvas_id = ? ORDER BY added_at, user_id", canvasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]core.Member, 0)
	for rows.Next() {
		m := core.Member{CanvasID: canvasID}
		var added int64
		if err := rows.Scan(&m.UserID, &m.Role, &added); err != nil {
			return nil, err
		}
		m.AddedAt = time.UnixMilli(added).UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *sqliteStore) Access(ctx context.Context, canvasID, userID string) (core.CanvasRole, error) {
	var (
		owner string
		role  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT c.owner_id, m.role FROM canvases c
		LEFT JOIN canvas_members m ON m.canvas_id = c.id AND m.user_id = ?
		WHERE c.id = ?`, userID, canvasID).Scan(&owner, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if owner == userID {
		return core.RoleOwner, nil
	}
	return core.CanvasRole(role.String), nil
}

func (s *sqliteStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]core.Room, 0)
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func serverSeq(ctx context.Context, q querier, canvasID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, "SELECT server_seq FROM canvases WHERE id = ?", canvasID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("canvas %s: %w", canvasID, core.ErrNotFound)
	}
	return seq, err
}

func scanBlocks(rows *sql.Rows) ([]core.Block, error) {
	defer rows.Close()

	blocks := make([]core.Block, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b core.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func requireRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	return nil
}

// sqlTx is one canvas inside a database transaction.
type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	canvasID string
}

func (t *sqlTx) Recorded(clientOpID string) (*mutation.Record, error) {
	rec := mutation.Record{ClientOpID: clientOpID}
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT block_id, action, server_seq FROM operations WHERE canvas_id = ? AND client_op_id = ?",
		t.canvasID, clientOpID).Scan(&rec.BlockID, &rec.Action, &rec.ServerSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *sqlTx) Block(id string) (*core.Block, error) {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT data FROM blocks WHERE canvas_id = ? AND id = ?", t.canvasID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}
	return &b, nil
}

func (t *sqlTx) Siblings(parentID *string) ([]core.Block, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT data FROM blocks WHERE canvas_id = ? AND parent_id IS ?", t.canvasID, parentID)
	if err != nil {
		return nil, err
	}
	return scanBlocks(rows)
}

func (t *sqlTx) ServerSeq() (int64, error) {
	return serverSeq(t.ctx, t.tx, t.canvasID)
}

func (t *sqlTx) NextServerSeq() (int64, error) {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE canvases SET server_seq = server_seq + 1, updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), t.canvasID)
	if err != nil {
		return 0, err
	}
	return t.ServerSeq()
}

func (t *sqlTx) Put(b core.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO blocks (canvas_id, id, parent_id, y_order, version, data) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(canvas_id, id) DO UPDATE SET parent_id = excluded.parent_id, y_order = excluded.y_order,
		version = excluded.version, data = excluded.data`,
		t.canvasID, b.ID, b.ParentID, b.Rank, b.Version, data)
	return err
}

func (t *sqlTx) Delete(id string) error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM blocks WHERE canvas_id = ? AND id = ?", t.canvasID, id)
	return err
}

func (t *sqlTx) Record(r mutation.Record) error {
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO operations (canvas_id, client_op_id, block_id, action, server_seq) VALUES (?, ?, ?, ?, ?)",
		t.canvasID, r.ClientOpID, r.BlockID, r.Action, r.ServerSeq)
	return err
}
