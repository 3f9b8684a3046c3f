package snapshots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/middleware"
	"canvas-sync/stores/sqlite"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Mock snapshot store for testing
type mockSnapshotStore struct {
	snapshots       map[string]*sqlite.Snapshot
	canvasSnapshots map[string][]string // canvasID -> []snapshotIDs
	settings        map[string]*sqlite.CanvasSettings
	createErr       error
	listErr         error
}

func newMockSnapshotStore() *mockSnapshotStore {
	return &mockSnapshotStore{
		snapshots:       make(map[string]*sqlite.Snapshot),
		canvasSnapshots: make(map[string][]string),
		settings:        make(map[string]*sqlite.CanvasSettings),
	}
}

func (m *mockSnapshotStore) CreateSnapshot(ctx context.Context, canvasID, name, description, createdBy string) (*sqlite.Snapshot, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	blocks, _ := json.Marshal([]core.Block{{ID: "b1", CanvasID: canvasID, Version: 2}})
	snapshot := &sqlite.Snapshot{
		ID:          fmt.Sprintf("snapshot-%d", len(m.snapshots)),
		CanvasID:    canvasID,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   123456789,
		ServerSeq:   7,
		Data:        blocks,
	}
	m.snapshots[snapshot.ID] = snapshot
	m.canvasSnapshots[canvasID] = append(m.canvasSnapshots[canvasID], snapshot.ID)
	copied := *snapshot
	return &copied, nil
}

func (m *mockSnapshotStore) ListSnapshots(ctx context.Context, canvasID string) ([]sqlite.Snapshot, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []sqlite.Snapshot
	for _, id := range m.canvasSnapshots[canvasID] {
		if snapshot, ok := m.snapshots[id]; ok {
			result = append(result, *snapshot)
		}
	}
	return result, nil
}

func (m *mockSnapshotStore) GetSnapshot(ctx context.Context, id string) (*sqlite.Snapshot, error) {
	snapshot, exists := m.snapshots[id]
	if !exists {
		return nil, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	copied := *snapshot
	return &copied, nil
}

func (m *mockSnapshotStore) DeleteSnapshot(ctx context.Context, id string) error {
	if _, exists := m.snapshots[id]; !exists {
		return fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	delete(m.snapshots, id)
	return nil
}

func (m *mockSnapshotStore) UpdateSnapshotMetadata(ctx context.Context, id, name, description string) error {
	snapshot, exists := m.snapshots[id]
	if !exists {
		return fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	snapshot.Name = name
	snapshot.Description = description
	return nil
}

func (m *mockSnapshotStore) GetCanvasSettings(ctx context.Context, canvasID string) (*sqlite.CanvasSettings, error) {
	if settings, ok := m.settings[canvasID]; ok {
		return settings, nil
	}
	return &sqlite.CanvasSettings{CanvasID: canvasID, MaxSnapshots: sqlite.DefaultMaxSnapshots}, nil
}

func (m *mockSnapshotStore) UpdateCanvasSettings(ctx context.Context, canvasID string, maxSnapshots int) error {
	m.settings[canvasID] = &sqlite.CanvasSettings{CanvasID: canvasID, MaxSnapshots: maxSnapshots}
	return nil
}

func withParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCreateSnapshot_Success(t *testing.T) {
	store := newMockSnapshotStore()
	handler := HandleCreateSnapshot(store)

	body, _ := json.Marshal(CreateSnapshotRequest{Name: "Before review", Description: "v1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/canvas/c1/snapshots", bytes.NewReader(body))
	claims := &auth.AppClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}}
	req = req.WithContext(context.WithValue(req.Context(), middleware.ClaimsContextKey, claims))
	req = withParam(req, "canvasId", "c1")

	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}

	var response sqlite.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.ID == "" || response.CreatedBy != "u1" || response.Data != nil {
		t.Errorf("Unexpected response: %+v", response)
	}
}

func TestHandleCreateSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "invalid json", nil, http.StatusBadRequest},
		{"unknown canvas", `{"name":"x"}`, fmt.Errorf("canvas c1: %w", core.ErrNotFound), http.StatusNotFound},
		{"store error", `{"name":"x"}`, fmt.Errorf("database error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockSnapshotStore()
			store.createErr = tt.err
			req := withParam(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)), "canvasId", "c1")

			rec := httptest.NewRecorder()
			HandleCreateSnapshot(store)(rec, req)

			if rec.Code != tt.want {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleListSnapshots(t *testing.T) {
	store := newMockSnapshotStore()
	store.CreateSnapshot(context.Background(), "c1", "Snap1", "", "")
	store.CreateSnapshot(context.Background(), "c1", "Snap2", "", "")

	for canvasID, want := range map[string]int{"c1": 2, "empty": 0} {
		req := withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "canvasId", canvasID)
		rec := httptest.NewRecorder()
		HandleListSnapshots(store)(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
		}
		if canvasID == "empty" && strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("Expected empty array, got %s", rec.Body.String())
		}

		var snapshots []sqlite.Snapshot
		if err := json.NewDecoder(rec.Body).Decode(&snapshots); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(snapshots) != want {
			t.Errorf("Snapshot count for %s: got %d, want %d", canvasID, len(snapshots), want)
		}
	}
}

func TestHandleListSnapshots_StoreError(t *testing.T) {
	store := newMockSnapshotStore()
	store.listErr = fmt.Errorf("database error")

	req := withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "canvasId", "c1")
	rec := httptest.NewRecorder()
	HandleListSnapshots(store)(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleGetSnapshotCount(t *testing.T) {
	store := newMockSnapshotStore()
	store.CreateSnapshot(context.Background(), "c1", "Snap1", "", "")

	req := withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "canvasId", "c1")
	rec := httptest.NewRecorder()
	HandleGetSnapshotCount(store)(rec, req)

	var response map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["count"] != 1 {
		t.Errorf("Count mismatch: got %d, want 1", response["count"])
	}
}

func TestHandleGetSnapshot(t *testing.T) {
	store := newMockSnapshotStore()
	snapshot, _ := store.CreateSnapshot(context.Background(), "c1", "Test", "Desc", "u1")

	req := withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "snapshotId", snapshot.ID)
	rec := httptest.NewRecorder()
	HandleGetSnapshot(store)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}

	var response struct {
		sqlite.Snapshot
		Blocks []core.Block `json:"blocks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.ID != snapshot.ID || response.Name != "Test" || response.ServerSeq != 7 {
		t.Errorf("Unexpected snapshot: %+v", response.Snapshot)
	}
	if len(response.Blocks) != 1 || response.Blocks[0].Version != 2 {
		t.Errorf("Unexpected blocks: %+v", response.Blocks)
	}

	req = withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "snapshotId", "nonexistent")
	rec = httptest.NewRecorder()
	HandleGetSnapshot(store)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleUpdateAndDeleteSnapshot(t *testing.T) {
	store := newMockSnapshotStore()
	snapshot, _ := store.CreateSnapshot(context.Background(), "c1", "Test", "", "")

	body, _ := json.Marshal(UpdateSnapshotRequest{Name: "Renamed", Description: "Final"})
	req := withParam(httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(body)), "snapshotId", snapshot.ID)
	rec := httptest.NewRecorder()
	HandleUpdateSnapshot(store)(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Update status mismatch: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := store.snapshots[snapshot.ID]; got.Name != "Renamed" || got.Description != "Final" {
		t.Errorf("Metadata not updated: %+v", got)
	}

	req = withParam(httptest.NewRequest(http.MethodDelete, "/", http.NoBody), "snapshotId", snapshot.ID)
	rec = httptest.NewRecorder()
	HandleDeleteSnapshot(store)(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Delete status mismatch: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = httptest.NewRecorder()
	HandleDeleteSnapshot(store)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Second delete status mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleCanvasSettings(t *testing.T) {
	store := newMockSnapshotStore()

	req := withParam(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"max_snapshots":0}`)), "canvasId", "c1")
	rec := httptest.NewRecorder()
	HandleUpdateCanvasSettings(store)(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Update status mismatch: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	req = withParam(httptest.NewRequest(http.MethodGet, "/", http.NoBody), "canvasId", "c1")
	rec = httptest.NewRecorder()
	HandleGetCanvasSettings(store)(rec, req)

	var settings sqlite.CanvasSettings
	if err := json.NewDecoder(rec.Body).Decode(&settings); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if settings.MaxSnapshots != sqlite.DefaultMaxSnapshots {
		t.Errorf("MaxSnapshots = %d, want the default %d", settings.MaxSnapshots, sqlite.DefaultMaxSnapshots)
	}
}
