package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"canvas-sync/core"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func staticToken(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/canvas/c1?token=a+b"},
		{"https://example.com/root/", "wss://example.com/root/ws/canvas/c1?token=a+b"},
		{"ws://h", "ws://h/ws/canvas/c1?token=a+b"},
	}
	for _, tt := range tests {
		got, err := EndpointURL(tt.base, "c1", "a b")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := EndpointURL("ftp://h", "c1", "t")
	assert.Error(t, err)
}

func TestConnect_SendAndReceive(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if r.URL.Path != "/ws/canvas/c1" || r.URL.Query().Get("token") != "secret" {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	events := make(chan Event, 8)
	s := New(Config{BaseURL: srv.URL}, "c1", 7, staticToken("secret"), events)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	require.NoError(t, s.Send([]byte(`{"type":"presence","payload":{}}`)))

	ev := waitEvent(t, events, EventMessage)
	assert.JSONEq(t, `{"type":"presence","payload":{}}`, string(ev.Data))
	assert.Equal(t, "c1", ev.CanvasID)
	assert.Equal(t, uint64(7), ev.Generation)
}

func TestConnect_AuthErrors(t *testing.T) {
	events := make(chan Event, 1)

	s := New(Config{BaseURL: "http://127.0.0.1:1"}, "c1", 1, nil, events)
	assert.ErrorIs(t, s.Connect(context.Background()), core.ErrAuth)

	s = New(Config{BaseURL: "http://127.0.0.1:1"}, "c1", 1, staticToken(""), events)
	assert.ErrorIs(t, s.Connect(context.Background()), core.ErrAuth)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s = New(Config{BaseURL: srv.URL}, "c1", 1, staticToken("expired"), events)
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrAuth)
	assert.NotErrorIs(t, err, core.ErrNetwork)
}

func TestConnect_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()

	s := New(Config{BaseURL: "http://" + u.Host}, "c1", 1, staticToken("t"), make(chan Event, 1))
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, core.ErrNetwork)
	assert.ErrorIs(t, s.Send([]byte("{}")), core.ErrNotConnected)
}

func TestHeartbeatSendsPing(t *testing.T) {
	frames := make(chan string, 16)
	srv := newWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- string(data):
			default:
			}
		}
	})

	s := New(Config{BaseURL: srv.URL, HeartbeatInterval: 20 * time.Millisecond, DeadAfter: time.Second},
		"c1", 1, staticToken("t"), make(chan Event, 8))
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case f := <-frames:
		assert.JSONEq(t, `{"type":"ping"}`, f)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestSilentConnectionIsDead(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readUntilClosed(conn)
	})

	events := make(chan Event, 8)
	s := New(Config{BaseURL: srv.URL, HeartbeatInterval: time.Second, DeadAfter: 50 * time.Millisecond},
		"c1", 1, staticToken("t"), events)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ev := waitEvent(t, events, EventClosed)
	assert.True(t, ev.Abnormal)
	assert.ErrorIs(t, ev.Err, core.ErrNetwork)
	assert.ErrorIs(t, s.Send([]byte("{}")), core.ErrNotConnected)
}

func TestServerCloseCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		abnormal bool
		authErr  bool
	}{
		{"normal", websocket.CloseNormalClosure, false, false},
		{"policy violation", websocket.ClosePolicyViolation, true, true},
		{"going away", websocket.CloseGoingAway, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
				msg := websocket.FormatCloseMessage(tt.code, "bye")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				readUntilClosed(conn)
			})

			events := make(chan Event, 8)
			s := New(Config{BaseURL: srv.URL}, "c1", 1, staticToken("t"), events)
			require.NoError(t, s.Connect(context.Background()))
			defer s.Disconnect()

			ev := waitEvent(t, events, EventClosed)
			assert.Equal(t, tt.abnormal, ev.Abnormal)
			if tt.authErr {
				assert.ErrorIs(t, ev.Err, core.ErrAuth)
			}
		})
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readUntilClosed(conn)
	})

	// Unbuffered and never read: teardown must not block on event delivery.
	events := make(chan Event)
	s := New(Config{BaseURL: srv.URL}, "c1", 1, staticToken("t"), events)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()
	assert.ErrorIs(t, s.Send([]byte("{}")), core.ErrNotConnected)

	never := New(Config{BaseURL: srv.URL}, "c1", 2, staticToken("t"), events)
	never.Disconnect()
	assert.ErrorIs(t, never.Connect(context.Background()), core.ErrNotConnected)
}
