package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"canvas-sync/auth"
	"canvas-sync/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
			return
		}
		if r.URL.Path != "/api/v1/canvas/c1/blocks/b1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Block not found"})
			return
		}
		writeJSON(w, http.StatusOK, core.Block{ID: "b1", CanvasID: "c1", Type: core.BlockText, Version: 3})
	})

	b, err := c.GetBlock(context.Background(), "c1", "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Version)

	_, err = c.GetBlock(context.Background(), "c1", "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListCanvasesSendsPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "5", r.URL.Query().Get("size"))
		writeJSON(w, http.StatusOK, core.Page[core.Canvas]{
			Items: []core.Canvas{{ID: "c1", Title: "Plan"}},
			Total: 6, Page: 2, Size: 5,
		})
	})

	page, err := c.ListCanvases(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Plan", page.Items[0].Title)
}

func TestMutateConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":          "conflict",
			"block_id":        "b1",
			"current_version": 2,
			"current_block":   core.Block{ID: "b1", Version: 2},
		})
	})

	expected := int64(1)
	_, err := c.Mutate(context.Background(), "c1", core.BlockMutation{
		ClientOpID: "k1", Action: core.ActionUpdate, BlockID: "b1", ExpectedVersion: &expected,
	})

	require.ErrorIs(t, err, core.ErrConflict)
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "k1", conflict.ClientOpID)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)
	assert.Equal(t, int64(2), conflict.CurrentVersion)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) { assert.ErrorIs(t, err, core.ErrAuth) }},
		{http.StatusForbidden, func(t *testing.T, err error) { assert.ErrorIs(t, err, core.ErrAuth) }},
		{http.StatusBadRequest, func(t *testing.T, err error) {
			var appErr *core.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "bad title", appErr.Message)
		}},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"error": "bad title"})
			})
			_, err := c.CreateCanvas(context.Background(), "", nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestExpiredCredentialNeverReachesServer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	expired, err := auth.NewSigner([]byte("k"), -time.Hour).Issue("u1", "")
	require.NoError(t, err)
	c, err := New(srv.URL, auth.TokenSource(expired))
	require.NoError(t, err)

	err = c.LeaveCanvas(context.Background(), "c1")
	assert.ErrorIs(t, err, core.ErrAuth)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNoContentResponses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, c.LeaveCanvas(context.Background(), "c1"))
	assert.NoError(t, c.UpdatePresence(context.Background(), "c1", core.PresencePatch{ClearCursor: true}))
}
