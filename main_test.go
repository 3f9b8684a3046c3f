package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/handlers/websocket"
	"canvas-sync/stores"
	"canvas-sync/stores/memory"
	"canvas-sync/stores/sqlite"
)

type fakeRegistry struct {
	rooms []core.Room
}

func (f *fakeRegistry) ListRooms(ctx context.Context) ([]core.Room, error) {
	return f.rooms, nil
}

func (f *fakeRegistry) TouchRoom(ctx context.Context, roomID string) error {
	return nil
}

func TestHandleRoomsOrdering(t *testing.T) {
	hub := websocket.NewHub(memory.NewStore())
	registry := &fakeRegistry{rooms: []core.Room{
		{ID: "b", LastActive: 10},
		{ID: "c", LastActive: 30},
		{ID: "a", LastActive: 10},
		{ID: "d"},
	}}

	rec := httptest.NewRecorder()
	handleRooms(hub, registry)(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}

	var rooms []roomEntry
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	want := []string{"c", "a", "b", "d"}
	if len(rooms) != len(want) {
		t.Fatalf("Room count mismatch: got %d, want %d", len(rooms), len(want))
	}
	for i, id := range want {
		if rooms[i].ID != id {
			t.Errorf("rooms[%d] = %s, want %s", i, rooms[i].ID, id)
		}
	}
	if rooms[3].LastActive != nil {
		t.Errorf("Expected no lastActive for a room never touched, got %d", *rooms[3].LastActive)
	}
}

func newTestServer(t *testing.T, store stores.Store) (*httptest.Server, string) {
	t.Helper()
	signer := auth.NewSigner([]byte("test-secret"), tokenTTL)
	hub := websocket.NewHub(store)
	srv := httptest.NewServer(setupRouter(store, hub, signer))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	token, err := signer.Issue("u1", "User One")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	return srv, token
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSetupRouterMemory(t *testing.T) {
	srv, token := newTestServer(t, memory.NewStore())

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"metrics", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"rooms", http.MethodGet, "/api/rooms", "", "", http.StatusOK},
		{"canvas api requires token", http.MethodGet, "/api/v1/canvas", "", "", http.StatusUnauthorized},
		{"list canvases", http.MethodGet, "/api/v1/canvas", token, "", http.StatusOK},
		{"create canvas", http.MethodPost, "/api/v1/canvas", token, `{"title":"Plan"}`, http.StatusCreated},
		{"snapshots need sqlite", http.MethodGet, "/api/v1/snapshots/x", token, "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.token, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("Status code mismatch: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCORSAllowsLocalOrigins(t *testing.T) {
	srv, _ := newTestServer(t, memory.NewStore())

	for origin, allowed := range map[string]bool{
		"http://localhost:5173": true,
		"tauri://localhost":     true,
		"https://example.com":   false,
	} {
		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/canvas", http.NoBody)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("preflight failed: %v", err)
		}
		resp.Body.Close()

		got := resp.Header.Get("Access-Control-Allow-Origin") == origin
		if got != allowed {
			t.Errorf("origin %s allowed = %v, want %v", origin, got, allowed)
		}
	}
}

func TestSetupRouterSnapshots(t *testing.T) {
	if !sqlite.CGOEnabled {
		t.Skip("sqlite store requires cgo")
	}

	store := sqlite.NewStore(filepath.Join(t.TempDir(), "canvas.db"))
	t.Cleanup(func() { store.Close() })
	srv, token := newTestServer(t, store)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/canvas", token, `{"title":"Plan"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create canvas status: got %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var canvas core.Canvas
	if err := json.NewDecoder(resp.Body).Decode(&canvas); err != nil {
		t.Fatalf("Failed to decode canvas: %v", err)
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/canvas/"+canvas.ID+"/snapshots", token, `{"name":"first"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create snapshot status: got %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var snapshot sqlite.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snapshot.CreatedBy != "u1" {
		t.Errorf("CreatedBy = %q, want u1", snapshot.CreatedBy)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/snapshots/"+snapshot.ID, token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Get snapshot status: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/canvas/"+canvas.ID+"/blocks", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Canvas routes shadowed by snapshot routes: got %d", resp.StatusCode)
	}
}
