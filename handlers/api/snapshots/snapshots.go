package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"canvas-sync/core"
	"canvas-sync/middleware"
	"canvas-sync/stores/sqlite"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateSnapshotRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	UpdateSnapshotRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	UpdateSettingsRequest struct {
		MaxSnapshots int `json:"max_snapshots"`
	}

	SnapshotStore interface {
		CreateSnapshot(ctx context.Context, canvasID, name, description, createdBy string) (*sqlite.Snapshot, error)
		ListSnapshots(ctx context.Context, canvasID string) ([]sqlite.Snapshot, error)
		GetSnapshot(ctx context.Context, id string) (*sqlite.Snapshot, error)
		DeleteSnapshot(ctx context.Context, id string) error
		UpdateSnapshotMetadata(ctx context.Context, id, name, description string) error
		GetCanvasSettings(ctx context.Context, canvasID string) (*sqlite.CanvasSettings, error)
		UpdateCanvasSettings(ctx context.Context, canvasID string, maxSnapshots int) error
	}
)

// CanvasRoutes are mounted below /api/v1/canvas/{canvasId}.
func CanvasRoutes(store SnapshotStore) func(r chi.Router) {
	return func(r chi.Router) {
		r.Post("/snapshots", HandleCreateSnapshot(store))
		r.Get("/snapshots", HandleListSnapshots(store))
		r.Get("/snapshots/count", HandleGetSnapshotCount(store))
		r.Get("/settings", HandleGetCanvasSettings(store))
		r.Put("/settings", HandleUpdateCanvasSettings(store))
	}
}

// SnapshotRoutes are mounted below /api/v1/snapshots/{snapshotId}.
func SnapshotRoutes(store SnapshotStore) func(r chi.Router) {
	return func(r chi.Router) {
		r.Get("/", HandleGetSnapshot(store))
		r.Put("/", HandleUpdateSnapshot(store))
		r.Delete("/", HandleDeleteSnapshot(store))
	}
}

// HandleCreateSnapshot copies the canvas' current blocks into a new snapshot.
func HandleCreateSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvasID := chi.URLParam(r, "canvasId")

		var req CreateSnapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		createdBy := ""
		if claims := middleware.Claims(r.Context()); claims != nil {
			createdBy = claims.Subject
		}

		snapshot, err := store.CreateSnapshot(r.Context(), canvasID, req.Name, req.Description, createdBy)
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "Canvas not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to create snapshot")
			http.Error(w, "Failed to create snapshot", http.StatusInternalServerError)
			return
		}

		snapshot.Data = nil
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, snapshot)
	}
}

func HandleListSnapshots(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvasID := chi.URLParam(r, "canvasId")

		snapshots, err := store.ListSnapshots(r.Context(), canvasID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list snapshots")
			http.Error(w, "Failed to list snapshots", http.StatusInternalServerError)
			return
		}
		if snapshots == nil {
			snapshots = []sqlite.Snapshot{}
		}

		render.JSON(w, r, snapshots)
	}
}

func HandleGetSnapshotCount(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvasID := chi.URLParam(r, "canvasId")

		snapshots, err := store.ListSnapshots(r.Context(), canvasID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list snapshots")
			http.Error(w, "Failed to get snapshot count", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, map[string]int{"count": len(snapshots)})
	}
}

// HandleGetSnapshot returns the snapshot with its blocks decoded.
func HandleGetSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		snapshot, err := store.GetSnapshot(r.Context(), snapshotID)
		if err != nil {
			logrus.WithField("error", err).Warn("Failed to get snapshot")
			http.Error(w, "Snapshot not found", http.StatusNotFound)
			return
		}

		blocks, err := snapshot.Blocks()
		if err != nil {
			logrus.WithField("error", err).Error("Failed to decode snapshot")
			http.Error(w, "Failed to decode snapshot", http.StatusInternalServerError)
			return
		}
		snapshot.Data = nil

		render.JSON(w, r, struct {
			*sqlite.Snapshot
			Blocks []core.Block `json:"blocks"`
		}{snapshot, blocks})
	}
}

func HandleDeleteSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		err := store.DeleteSnapshot(r.Context(), snapshotID)
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "Snapshot not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to delete snapshot")
			http.Error(w, "Failed to delete snapshot", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleUpdateSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		var req UpdateSnapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err := store.UpdateSnapshotMetadata(r.Context(), snapshotID, req.Name, req.Description)
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "Snapshot not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithField("error", err).Error("Failed to update snapshot")
			http.Error(w, "Failed to update snapshot", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleGetCanvasSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvasID := chi.URLParam(r, "canvasId")

		settings, err := store.GetCanvasSettings(r.Context(), canvasID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to get canvas settings")
			http.Error(w, "Failed to get canvas settings", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, settings)
	}
}

func HandleUpdateCanvasSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvasID := chi.URLParam(r, "canvasId")

		var req UpdateSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.MaxSnapshots < 1 {
			req.MaxSnapshots = sqlite.DefaultMaxSnapshots
		}

		if err := store.UpdateCanvasSettings(r.Context(), canvasID, req.MaxSnapshots); err != nil {
			logrus.WithField("error", err).Error("Failed to update canvas settings")
			http.Error(w, "Failed to update canvas settings", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
