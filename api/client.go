// Package api is the REST collaborator of the sync engine: canvas CRUD,
// paginated block fetches, and the HTTP fallback for mutations, presence
// and leave notifications.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"canvas-sync/core"
	"canvas-sync/protocol"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 15 * time.Second

type (
	CreateCanvasRequest struct {
		Title       string  `json:"title" validate:"required,max=200"`
		WorkspaceID *string `json:"workspace_id"`
	}

	CanvasUpdate struct {
		Title    *string        `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
		Settings map[string]any `json:"settings,omitempty"`
	}

	AddMemberRequest struct {
		UserID string          `json:"user_id" validate:"required"`
		Role   core.CanvasRole `json:"role" validate:"required,oneof=editor viewer"`
	}

	// MutateResponse is the HTTP fallback's answer to a mutation. It carries
	// the same fields as a websocket mutation broadcast.
	MutateResponse struct {
		Status core.MutationStatus `json:"status"`
		protocol.MutationApplied
	}

	errorBody struct {
		Error string `json:"error"`
	}
)

type Client struct {
	base *url.URL
	http *http.Client
	log  *logrus.Entry
}

// New returns a client whose requests carry the bearer token from tokens.
func New(baseURL string, tokens oauth2.TokenSource) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}

	httpClient := oauth2.NewClient(context.Background(), tokens)
	httpClient.Timeout = DefaultTimeout

	return &Client{
		base: base,
		http: httpClient,
		log:  logrus.WithField("component", "api"),
	}, nil
}

func (c *Client) ListCanvases(ctx context.Context, page, size int) (*core.Page[core.Canvas], error) {
	var out core.Page[core.Canvas]
	if err := c.do(ctx, http.MethodGet, pageQuery(page, size), nil, &out, "api", "v1", "canvas"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateCanvas(ctx context.Context, title string, workspaceID *string) (*core.Canvas, error) {
	var out core.Canvas
	req := CreateCanvasRequest{Title: title, WorkspaceID: workspaceID}
	if err := c.do(ctx, http.MethodPost, nil, req, &out, "api", "v1", "canvas"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error) {
	var out core.Canvas
	if err := c.do(ctx, http.MethodGet, nil, nil, &out, "api", "v1", "canvas", canvasID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateCanvas(ctx context.Context, canvasID string, upd CanvasUpdate) (*core.Canvas, error) {
	var out core.Canvas
	if err := c.do(ctx, http.MethodPatch, nil, upd, &out, "api", "v1", "canvas", canvasID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteCanvas(ctx context.Context, canvasID string) error {
	return c.do(ctx, http.MethodDelete, nil, nil, nil, "api", "v1", "canvas", canvasID)
}

func (c *Client) ListMembers(ctx context.Context, canvasID string) ([]core.Member, error) {
	var out []core.Member
	if err := c.do(ctx, http.MethodGet, nil, nil, &out, "api", "v1", "canvas", canvasID, "members"); err != nil {
		return nil, err
	}
	return out, nil
}

// AddMember grants userID a role on the canvas. Only the owner may.
func (c *Client) AddMember(ctx context.Context, canvasID, userID string, role core.CanvasRole) (*core.Member, error) {
	var out core.Member
	req := AddMemberRequest{UserID: userID, Role: role}
	if err := c.do(ctx, http.MethodPost, nil, req, &out, "api", "v1", "canvas", canvasID, "members"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBlocks(ctx context.Context, canvasID string, page, size int) (*core.Page[core.Block], error) {
	var out core.Page[core.Block]
	if err := c.do(ctx, http.MethodGet, pageQuery(page, size), nil, &out, "api", "v1", "canvas", canvasID, "blocks"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBlock(ctx context.Context, canvasID, blockID string) (*core.Block, error) {
	var out core.Block
	if err := c.do(ctx, http.MethodGet, nil, nil, &out, "api", "v1", "canvas", canvasID, "blocks", blockID); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mutate applies a mutation over HTTP. A stale expected version fails with a
// *core.ConflictError.
func (c *Client) Mutate(ctx context.Context, canvasID string, m core.BlockMutation) (*MutateResponse, error) {
	var out MutateResponse
	err := c.do(ctx, http.MethodPost, nil, m, &out, "api", "v1", "canvas", canvasID, "mutate")
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		conflict.ClientOpID = m.ClientOpID
		if m.ExpectedVersion != nil {
			conflict.ExpectedVersion = *m.ExpectedVersion
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePresence(ctx context.Context, canvasID string, patch core.PresencePatch) error {
	return c.do(ctx, http.MethodPost, nil, patch, nil, "api", "v1", "canvas", canvasID, "presence")
}

// LeaveCanvas tells the server this user left, so others see them offline
// without waiting for a timeout.
func (c *Client) LeaveCanvas(ctx context.Context, canvasID string) error {
	return c.do(ctx, http.MethodPost, nil, nil, nil, "api", "v1", "canvas", canvasID, "leave")
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	return q
}

func (c *Client) do(ctx context.Context, method string, query url.Values, in, out any, path ...string) error {
	u := c.base.JoinPath(path...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, u.Path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, core.ErrAuth) {
			return fmt.Errorf("%s %s: %w", method, u.Path, err)
		}
		return fmt.Errorf("%s %s: %w: %w", method, u.Path, core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, u.Path, core.ErrNetwork, err)
	}

	c.log.WithFields(logrus.Fields{
		"method": method,
		"path":   u.Path,
		"status": resp.StatusCode,
	}).Debug("api request")

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %w", method, u.Path, statusError(resp.StatusCode, raw))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, u.Path, err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", core.ErrAuth, status)
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusConflict:
		var conflict protocol.Conflict
		if err := json.Unmarshal(body, &conflict); err == nil && conflict.BlockID != "" {
			return &core.ConflictError{
				ClientOpID:     conflict.ClientOpID,
				BlockID:        conflict.BlockID,
				CurrentVersion: conflict.CurrentVersion,
				Current:        conflict.CurrentBlock,
			}
		}
	}

	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		e.Error = http.StatusText(status)
	}
	return &core.ApplicationError{Message: e.Error}
}
