package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/middleware"
	"canvas-sync/protocol"
	"canvas-sync/recovery"
	"canvas-sync/state"
	"canvas-sync/stores/memory"
	"canvas-sync/transport"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type testEnv struct {
	store    Store
	srv      *httptest.Server
	hub      *Hub
	signer   *auth.Signer
	canvasID string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := memory.NewStore()
	canvas := &core.Canvas{Title: "Plan", OwnerID: "u1"}
	require.NoError(t, store.CreateCanvas(context.Background(), canvas))
	require.NoError(t, store.AddMember(context.Background(), &core.Member{
		CanvasID: canvas.ID,
		UserID:   "u2",
		Role:     core.RoleEditor,
	}))

	env := &testEnv{
		store:    store,
		hub:      NewHub(store, opts...),
		signer:   auth.NewSigner([]byte("secret"), time.Hour),
		canvasID: canvas.ID,
	}
	r := chi.NewRouter()
	r.With(middleware.AuthJWT(env.signer)).Get("/ws/canvas/{canvasId}", env.hub.HandleCanvas())
	env.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		env.hub.Close()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.signer.Issue(userID, "User "+userID)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, userID, canvasID string) *websocket.Conn {
	t.Helper()
	u, err := transport.EndpointURL(e.srv.URL, canvasID, e.token(t, userID))
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join dials and consumes the initial state.
func (e *testEnv) join(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, userID, e.canvasID)
	expect[protocol.InitialState](t, conn)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	in, err := protocol.Decode(data)
	require.NoError(t, err)
	return in
}

func expect[T protocol.Inbound](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	in := read(t, conn)
	v, ok := in.(T)
	require.True(t, ok, "got %T", in)
	return v
}

func send(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func mustEncode(frame []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return frame
}

// quiet checks that nothing is queued for conn by sending a ping and
// expecting the pong as the very next frame.
func quiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, protocol.EncodePing())
	expect[protocol.Ack](t, conn)
}

func createFrame(key string) ([]byte, error) {
	typ := core.BlockText
	return protocol.EncodeMutation(core.BlockMutation{
		ClientOpID: key,
		Action:     core.ActionCreate,
		UpdateData: &core.BlockUpdate{Type: &typ, Position: &core.Point{X: 1, Y: 1}},
	})
}

func TestJoin_SendsInitialState(t *testing.T) {
	env := newTestEnv(t)
	typ := core.BlockText
	_, err := env.hub.Mutate(context.Background(), env.canvasID, "u1", core.BlockMutation{
		ClientOpID: "k1",
		Action:     core.ActionCreate,
		UpdateData: &core.BlockUpdate{Type: &typ},
	})
	require.NoError(t, err)

	conn := env.dial(t, "u1", env.canvasID)
	initial := expect[protocol.InitialState](t, conn)
	assert.Equal(t, int64(1), initial.ServerSeq)
	assert.Len(t, initial.Blocks, 1)

	require.Eventually(t, func() bool {
		return env.hub.ActiveRooms()[env.canvasID] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestJoin_UnknownCanvasIsRefused(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "u1", "missing")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, accessDenied, ce.Text)
}

func TestJoin_NonMemberIsRefused(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "u3", env.canvasID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, accessDenied, ce.Text)
	assert.Empty(t, env.hub.ActiveRooms())
}

func TestMutation_ViewerIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.AddMember(context.Background(), &core.Member{
		CanvasID: env.canvasID,
		UserID:   "u3",
		Role:     core.RoleViewer,
	}))
	viewer := env.join(t, "u3")
	editor := env.join(t, "u2")

	send(t, viewer, mustEncode(createFrame("k1")))
	denied := expect[protocol.ErrorFrame](t, viewer)
	assert.Equal(t, "k1", denied.ClientOpID)
	assert.Contains(t, denied.Message, core.ErrForbidden.Error())
	quiet(t, editor)

	_, err := env.hub.Mutate(context.Background(), env.canvasID, "u4", core.BlockMutation{ClientOpID: "k2", Action: core.ActionCreate})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestMutateWithoutSocketsLeavesNoRoom(t *testing.T) {
	env := newTestEnv(t)
	typ := core.BlockText
	_, err := env.hub.Mutate(context.Background(), env.canvasID, "u1", core.BlockMutation{
		ClientOpID: "k1",
		Action:     core.ActionCreate,
		UpdateData: &core.BlockUpdate{Type: &typ},
	})
	require.NoError(t, err)
	env.hub.BroadcastPresence(env.canvasID, "u1", core.PresencePatch{Cursor: &core.Point{X: 1}})
	env.hub.BroadcastPresence("missing", "u1", core.PresencePatch{Cursor: &core.Point{X: 1}})

	env.hub.mu.Lock()
	rooms := len(env.hub.rooms)
	env.hub.mu.Unlock()
	assert.Zero(t, rooms)

	// A later join still sees the mutation and gets a fresh room.
	env.join(t, "u1")
	assert.Equal(t, 1, env.hub.ActiveRooms()[env.canvasID])
}

func TestJoin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/canvas/" + env.canvasID

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMutation_BroadcastThenConflictToIssuerOnly(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "u1")
	bob := env.join(t, "u2")

	send(t, alice, mustEncode(createFrame("k1")))
	created := expect[protocol.MutationApplied](t, alice)
	assert.Equal(t, created, expect[protocol.MutationApplied](t, bob))
	assert.Equal(t, "k1", created.ClientOpID)
	assert.Equal(t, int64(1), created.Block.Version)

	update := func(key string, x float64) ([]byte, error) {
		v := int64(1)
		return protocol.EncodeMutation(core.BlockMutation{
			ClientOpID:      key,
			Action:          core.ActionUpdate,
			BlockID:         created.BlockID,
			ExpectedVersion: &v,
			UpdateData:      &core.BlockUpdate{Position: &core.Point{X: x}},
		})
	}

	send(t, alice, mustEncode(update("k2", 10)))
	expect[protocol.MutationApplied](t, alice)
	expect[protocol.MutationApplied](t, bob)

	send(t, bob, mustEncode(update("k3", 20)))
	conflict := expect[protocol.ErrorFrame](t, bob)
	require.NotNil(t, conflict.Conflict)
	assert.Equal(t, "k3", conflict.ClientOpID)
	assert.Equal(t, int64(2), conflict.Conflict.CurrentVersion)
	assert.Equal(t, float64(10), conflict.Conflict.CurrentBlock.Position.X)

	quiet(t, alice)
}

func TestMutation_DuplicateEchoedToIssuerOnly(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "u1")
	bob := env.join(t, "u2")

	send(t, alice, mustEncode(createFrame("k1")))
	first := expect[protocol.MutationApplied](t, alice)
	expect[protocol.MutationApplied](t, bob)

	send(t, alice, mustEncode(createFrame("k1")))
	again := expect[protocol.MutationApplied](t, alice)
	assert.Equal(t, first.BlockID, again.BlockID)
	assert.Equal(t, first.ServerSeq, again.ServerSeq)

	quiet(t, bob)
}

func TestMutation_InvalidReportsError(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "u1")

	send(t, alice, mustEncode(protocol.EncodeMutation(core.BlockMutation{
		ClientOpID: "k1",
		Action:     core.ActionDelete,
	})))
	errFrame := expect[protocol.ErrorFrame](t, alice)
	assert.Equal(t, "k1", errFrame.ClientOpID)
	assert.True(t, strings.HasPrefix(errFrame.Message, "Error: "), errFrame.Message)

	send(t, alice, []byte("{"))
	errFrame = expect[protocol.ErrorFrame](t, alice)
	assert.Empty(t, errFrame.ClientOpID)
}

func TestPresence_ExcludesSenderAndAnnouncesOffline(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "u1")
	bob := env.join(t, "u2")

	send(t, alice, mustEncode(protocol.EncodePresence(core.PresencePatch{Cursor: &core.Point{X: 3, Y: 4}})))
	update := expect[protocol.PresenceUpdate](t, bob)
	assert.Equal(t, "u1", update.UserID)
	require.NotNil(t, update.Data.UserName)
	assert.Equal(t, "User u1", *update.Data.UserName)
	assert.Equal(t, &core.Point{X: 3, Y: 4}, update.Data.Cursor)
	quiet(t, alice)

	require.NoError(t, alice.Close())
	offline := expect[protocol.PresenceUpdate](t, bob)
	assert.Equal(t, "u1", offline.UserID)
	require.NotNil(t, offline.Data.Status)
	assert.Equal(t, core.StatusOffline, *offline.Data.Status)

	require.Eventually(t, func() bool {
		return env.hub.ActiveRooms()[env.canvasID] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(rate.Every(time.Hour), 1))
	alice := env.join(t, "u1")
	bob := env.join(t, "u2")

	patch := core.PresencePatch{Cursor: &core.Point{X: 1}}
	send(t, alice, mustEncode(protocol.EncodePresence(patch)))
	send(t, alice, mustEncode(protocol.EncodePresence(patch)))

	limited := expect[protocol.ErrorFrame](t, alice)
	assert.Equal(t, "Rate limit exceeded", limited.Message)
	expect[protocol.PresenceUpdate](t, bob)
	quiet(t, bob)
	quiet(t, alice)
}

// Two clients edit the same block at the same version. Exactly one edit
// wins; the other client sees a conflict and both converge on the winner.
func TestConcurrentEditsConverge(t *testing.T) {
	env := newTestEnv(t)

	connect := func(userID string) *recovery.Controller {
		c := recovery.New(recovery.Config{
			Transport: transport.Config{BaseURL: env.srv.URL},
			BaseDelay: 10 * time.Millisecond,
		}, userID, auth.TokenSource(env.token(t, userID)))
		t.Cleanup(c.Disconnect)
		require.NoError(t, c.Connect(context.Background(), env.canvasID))
		return c
	}
	alice := connect("u1")
	bob := connect("u2")

	receipt, err := alice.Store().CreateBlock(core.BlockText, core.Point{})
	require.NoError(t, err)
	select {
	case <-receipt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("create was never confirmed")
	}
	blockID := receipt.BlockID()
	require.Eventually(t, func() bool {
		_, ok := bob.Store().Block(blockID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// Hold the room so neither edit is applied before both are issued.
	rm := env.hub.lockRoom(env.canvasID)
	ra, err := alice.Store().MoveBlock(blockID, core.Point{X: 10})
	require.NoError(t, err)
	rb, err := bob.Store().MoveBlock(blockID, core.Point{X: 20})
	require.NoError(t, err)
	rm.mu.Unlock()

	for _, r := range []*state.Receipt{ra, rb} {
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("edit never resolved")
		}
	}

	winner, loser := ra, rb
	if ra.State() != state.OpConfirmed {
		winner, loser = rb, ra
	}
	assert.Equal(t, state.OpConfirmed, winner.State())
	assert.Equal(t, state.OpRejected, loser.State())
	assert.ErrorIs(t, loser.Err(), core.ErrConflict)

	require.Eventually(t, func() bool {
		a, okA := alice.Store().Block(blockID)
		b, okB := bob.Store().Block(blockID)
		return okA && okB && a.Version == 2 && b.Version == 2 && a.Position == b.Position
	}, 2*time.Second, 5*time.Millisecond)
}
