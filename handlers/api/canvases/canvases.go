package canvases

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"canvas-sync/api"
	"canvas-sync/core"
	"canvas-sync/handlers/websocket"
	"canvas-sync/middleware"
	"canvas-sync/stores/mutation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type (
	Store interface {
		core.CanvasStore
		core.BlockStore
		core.MemberStore
	}

	// Broadcaster applies mutations and fans presence out to live sockets.
	Broadcaster interface {
		Mutate(ctx context.Context, canvasID, userID string, m core.BlockMutation) (*core.MutationResult, error)
		BroadcastPresence(canvasID, userID string, patch core.PresencePatch)
	}
)

var validate = validator.New()

// Routes mounts the canvas API. Requests must already carry claims. Each
// extra group is mounted below /{canvasId} next to the built-in routes.
func Routes(store Store, hub Broadcaster, extra ...func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Get("/", HandleListCanvases(store))
	r.Post("/", HandleCreateCanvas(store))
	r.Route("/{canvasId}", func(r chi.Router) {
		r.Get("/", HandleGetCanvas(store))
		r.Patch("/", HandleUpdateCanvas(store))
		r.Delete("/", HandleDeleteCanvas(store))
		r.Get("/blocks", HandleListBlocks(store))
		r.Get("/blocks/{blockId}", HandleGetBlock(store))
		r.Get("/members", HandleListMembers(store))
		r.Post("/members", HandleAddMember(store))
		r.Post("/mutate", HandleMutate(hub))
		r.Post("/presence", HandlePresence(store, hub))
		r.Post("/leave", HandleLeave(store, hub))
		r.Group(func(r chi.Router) {
			r.Use(requireAccess(store))
			for _, fn := range extra {
				fn(r)
			}
		})
	})
	return r
}

// requireAccess guards the extra canvas routes with the same owner or
// member check as the built-in ones.
func requireAccess(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := loadCanvas(w, r, store); !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func HandleListCanvases(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			fail(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}

		page, size := pagination(r)
		canvases, total, err := store.ListCanvases(r.Context(), claims.Subject, size, (page-1)*size)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"userID": claims.Subject,
			}).Error("Failed to list canvases")
			fail(w, r, http.StatusInternalServerError, "Failed to list canvases")
			return
		}
		if canvases == nil {
			canvases = []core.Canvas{}
		}

		render.JSON(w, r, core.Page[core.Canvas]{Items: canvases, Total: total, Page: page, Size: size})
	}
}

func HandleCreateCanvas(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			fail(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}

		var req api.CreateCanvasRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			fail(w, r, http.StatusBadRequest, err.Error())
			return
		}

		canvas := &core.Canvas{
			Title:       req.Title,
			OwnerID:     claims.Subject,
			WorkspaceID: req.WorkspaceID,
			Settings:    map[string]any{},
		}
		if err := store.CreateCanvas(r.Context(), canvas); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"userID": claims.Subject,
			}).Error("Failed to create canvas")
			fail(w, r, http.StatusInternalServerError, "Failed to create canvas")
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, canvas)
	}
}

func HandleGetCanvas(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}
		render.JSON(w, r, canvas)
	}
}

// HandleUpdateCanvas changes the title or settings. Only the owner may.
func HandleUpdateCanvas(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadOwnedCanvas(w, r, store)
		if !ok {
			return
		}

		var req api.CanvasUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			fail(w, r, http.StatusBadRequest, err.Error())
			return
		}

		if req.Title != nil {
			canvas.Title = *req.Title
		}
		if req.Settings != nil {
			canvas.Settings = req.Settings
		}
		if err := store.UpdateCanvas(r.Context(), canvas); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvas.ID,
			}).Error("Failed to update canvas")
			fail(w, r, http.StatusInternalServerError, "Failed to update canvas")
			return
		}

		render.JSON(w, r, canvas)
	}
}

func HandleDeleteCanvas(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadOwnedCanvas(w, r, store)
		if !ok {
			return
		}
		if err := store.DeleteCanvas(r.Context(), canvas.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvas.ID,
			}).Error("Failed to delete canvas")
			fail(w, r, http.StatusInternalServerError, "Failed to delete canvas")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleListBlocks(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}

		page, size := pagination(r)
		blocks, total, err := store.ListBlocks(r.Context(), canvas.ID, size, (page-1)*size)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvas.ID,
			}).Error("Failed to list blocks")
			fail(w, r, http.StatusInternalServerError, "Failed to list blocks")
			return
		}

		render.JSON(w, r, core.Page[core.Block]{Items: blocks, Total: total, Page: page, Size: size})
	}
}

func HandleGetBlock(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}
		canvasID := canvas.ID
		blockID := chi.URLParam(r, "blockId")

		block, err := store.GetBlock(r.Context(), canvasID, blockID)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "Block not found")
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvasID,
				"blockID":  blockID,
			}).Error("Failed to get block")
			fail(w, r, http.StatusInternalServerError, "Failed to get block")
			return
		}
		render.JSON(w, r, block)
	}
}

// HandleMutate is the HTTP fallback for the websocket mutation frame. A
// successful mutation is broadcast to the canvas like any other.
func HandleMutate(hub Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			fail(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}
		canvasID := chi.URLParam(r, "canvasId")

		var m core.BlockMutation
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			fail(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}

		res, err := hub.Mutate(r.Context(), canvasID, claims.Subject, m)
		switch {
		case errors.Is(err, core.ErrNotFound):
			fail(w, r, http.StatusNotFound, "Canvas not found")
			return
		case errors.Is(err, core.ErrForbidden):
			fail(w, r, http.StatusForbidden, "Access denied")
			return
		case errors.Is(err, core.ErrBlockNotFound):
			fail(w, r, http.StatusNotFound, "Block not found")
			return
		case errors.Is(err, mutation.ErrInvalid):
			fail(w, r, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvasID,
			}).Error("Failed to apply mutation")
			fail(w, r, http.StatusInternalServerError, "Failed to apply mutation")
			return
		}

		if res.Status == core.MutationConflict {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, websocket.ConflictOf(res, m.ClientOpID))
			return
		}

		render.JSON(w, r, api.MutateResponse{
			Status:          res.Status,
			MutationApplied: websocket.Applied(res, m.ClientOpID),
		})
	}
}

func HandleListMembers(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}

		members, err := store.ListMembers(r.Context(), canvas.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvas.ID,
			}).Error("Failed to list members")
			fail(w, r, http.StatusInternalServerError, "Failed to list members")
			return
		}
		render.JSON(w, r, members)
	}
}

// HandleAddMember grants a user access to the canvas. Only the owner may.
func HandleAddMember(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, ok := loadOwnedCanvas(w, r, store)
		if !ok {
			return
		}

		var req api.AddMemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.UserID == canvas.OwnerID {
			fail(w, r, http.StatusBadRequest, "Cannot invite yourself")
			return
		}

		member := &core.Member{CanvasID: canvas.ID, UserID: req.UserID, Role: req.Role}
		err := store.AddMember(r.Context(), member)
		if errors.Is(err, core.ErrMemberExists) {
			fail(w, r, http.StatusConflict, "User is already a member")
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":    err,
				"canvasID": canvas.ID,
				"userID":   req.UserID,
			}).Error("Failed to add member")
			fail(w, r, http.StatusInternalServerError, "Failed to add member")
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, member)
	}
}

func HandlePresence(store Store, hub Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			fail(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}

		var patch core.PresencePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			fail(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if patch.UserName == nil && claims.Name != "" {
			patch.UserName = &claims.Name
		}

		hub.BroadcastPresence(canvas.ID, claims.Subject, patch)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleLeave announces the user offline without waiting for the socket to
// time out.
func HandleLeave(store Store, hub Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.Claims(r.Context())
		if claims == nil {
			fail(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}
		canvas, ok := loadCanvas(w, r, store)
		if !ok {
			return
		}

		offline := core.StatusOffline
		hub.BroadcastPresence(canvas.ID, claims.Subject, core.PresencePatch{Status: &offline})
		w.WriteHeader(http.StatusNoContent)
	}
}

// loadCanvas loads the canvas of the route and checks that the caller owns
// it or is one of its members.
func loadCanvas(w http.ResponseWriter, r *http.Request, store Store) (*core.Canvas, bool) {
	claims := middleware.Claims(r.Context())
	if claims == nil {
		fail(w, r, http.StatusUnauthorized, "User claims not found")
		return nil, false
	}
	canvasID := chi.URLParam(r, "canvasId")
	canvas, err := store.GetCanvas(r.Context(), canvasID)
	if errors.Is(err, core.ErrNotFound) {
		fail(w, r, http.StatusNotFound, "Canvas not found")
		return nil, false
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error":    err,
			"canvasID": canvasID,
		}).Error("Failed to get canvas")
		fail(w, r, http.StatusInternalServerError, "Failed to get canvas")
		return nil, false
	}

	role, err := store.Access(r.Context(), canvasID, claims.Subject)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error":    err,
			"canvasID": canvasID,
		}).Error("Failed to check canvas access")
		fail(w, r, http.StatusInternalServerError, "Failed to get canvas")
		return nil, false
	}
	if role == "" {
		fail(w, r, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return canvas, true
}

func loadOwnedCanvas(w http.ResponseWriter, r *http.Request, store Store) (*core.Canvas, bool) {
	claims := middleware.Claims(r.Context())
	if claims == nil {
		fail(w, r, http.StatusUnauthorized, "User claims not found")
		return nil, false
	}
	canvas, ok := loadCanvas(w, r, store)
	if !ok {
		return nil, false
	}
	if canvas.OwnerID != claims.Subject {
		fail(w, r, http.StatusForbidden, "Only the owner may change this canvas")
		return nil, false
	}
	return canvas, true
}

func pagination(r *http.Request) (page, size int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}
