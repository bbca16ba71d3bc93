package storews

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(store.NewHub(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "test")
		srv.HandleStore(ctx, c)
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, opts ClientOptions) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type presence struct {
	Connected bool `json:"connected"`
}

type latest struct {
	mu   sync.Mutex
	snap core.Snapshot
	n    int
}

func (l *latest) fn(s core.Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.n++
	l.mu.Unlock()
}

func (l *latest) get() (core.Snapshot, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap, l.n
}

func connectedEventually(t *testing.T, l *latest, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, n := l.get()
		if n == 0 {
			return false
		}
		var p presence
		if err := s.Decode(&p); err != nil {
			return false
		}
		return p.Connected == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientRoundTrips(t *testing.T) {
	_, url := newTestServer(t, Options{})
	a := dial(t, url, ClientOptions{UID: "a"})
	b := dial(t, url, ClientOptions{UID: "b"})
	ctx := context.Background()

	watch := &latest{}
	sub, err := b.Watch(ctx, "sessions/s1/messages", watch.fn)
	require.NoError(t, err)
	defer sub.Unwatch()

	k1, err := a.Push(ctx, "sessions/s1/messages", map[string]string{"text": "hi"})
	require.NoError(t, err)
	k2, err := a.Push(ctx, "sessions/s1/messages", map[string]string{"text": "there"})
	require.NoError(t, err)
	assert.Less(t, k1, k2)

	require.Eventually(t, func() bool {
		s, _ := watch.get()
		return len(s.Children()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Write(ctx, "users/a", map[string]string{"uid": "a"}))
	snap, err := b.Get(ctx, "users/a")
	require.NoError(t, err)
	var u struct{ UID string }
	require.NoError(t, snap.Decode(&u))
	assert.Equal(t, "a", u.UID)

	require.NoError(t, a.Remove(ctx, "users/a"))
	snap, err = b.Get(ctx, "users/a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestClientInvalidPath(t *testing.T) {
	_, url := newTestServer(t, Options{})
	c := dial(t, url, ClientOptions{})
	err := c.Write(context.Background(), "", 1)
	assert.ErrorIs(t, err, core.ErrInvalidPath)
}

func TestDisconnectHookOnClose(t *testing.T) {
	srv, url := newTestServer(t, Options{})
	a := dial(t, url, ClientOptions{UID: "a"})
	obs := dial(t, url, ClientOptions{UID: "obs"})
	ctx := context.Background()

	path := "sessions/s1/roster/a"
	require.NoError(t, a.Write(ctx, path, presence{Connected: true}))
	require.NoError(t, a.OnDisconnect(ctx, path, presence{Connected: false}))

	watch := &latest{}
	sub, err := obs.Watch(ctx, path, watch.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	connectedEventually(t, watch, true)

	require.NoError(t, a.Close())
	connectedEventually(t, watch, false)
	require.Eventually(t, func() bool { return srv.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}

// A client that vanishes without a close frame still gets its hook applied.
func TestDisconnectHookOnCrash(t *testing.T) {
	_, url := newTestServer(t, Options{})
	obs := dial(t, url, ClientOptions{UID: "obs"})
	ctx := context.Background()

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	send := func(req Request) Reply {
		b, err := json.Marshal(req)
		require.NoError(t, err)
		require.NoError(t, raw.WriteMessage(websocket.TextMessage, b))
		_, data, err := raw.ReadMessage()
		require.NoError(t, err)
		var r Reply
		require.NoError(t, json.Unmarshal(data, &r))
		return r
	}
	path := "sessions/s1/roster/crash"
	r := send(Request{ID: 1, Op: OpWrite, Path: path, Value: json.RawMessage(`{"connected":true}`)})
	require.NoError(t, r.Err())
	r = send(Request{ID: 2, Op: OpOnDisconnect, Path: path, Value: json.RawMessage(`{"connected":false}`)})
	require.NoError(t, r.Err())

	watch := &latest{}
	sub, err := obs.Watch(ctx, path, watch.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	connectedEventually(t, watch, true)

	require.NoError(t, raw.UnderlyingConn().Close())
	connectedEventually(t, watch, false)
}

func TestCancelledHookIsNotReplayed(t *testing.T) {
	_, url := newTestServer(t, Options{})
	a := dial(t, url, ClientOptions{UID: "a"})
	ctx := context.Background()

	path := "sessions/s1/roster/a"
	require.NoError(t, a.OnDisconnect(ctx, path, presence{Connected: false}))
	require.NoError(t, a.CancelOnDisconnect(ctx, path))
	require.NoError(t, a.OnDisconnect(ctx, path, presence{Connected: false}))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, []string{path}, a.order)
}

func TestReconnectReplaysWatchesAndHooks(t *testing.T) {
	srv, url := newTestServer(t, Options{})
	a := dial(t, url, ClientOptions{UID: "a", Reconnect: true})
	ctx := context.Background()

	reconnected := make(chan struct{}, 1)
	cancel := a.OnReconnect(func() { reconnected <- struct{}{} })
	defer cancel()

	path := "sessions/s1/roster/a"
	require.NoError(t, a.Write(ctx, path, presence{Connected: true}))
	require.NoError(t, a.OnDisconnect(ctx, path, presence{Connected: false}))

	watch := &latest{}
	sub, err := a.Watch(ctx, path, watch.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	connectedEventually(t, watch, true)

	conns := srv.Registry.List()
	require.Len(t, conns, 1)
	require.True(t, srv.Registry.Kick(conns[0].ID))

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not reconnect")
	}
	connectedEventually(t, watch, false)

	require.NoError(t, a.Write(ctx, path, presence{Connected: true}))
	connectedEventually(t, watch, true)
}

// lossyServer applies the first push it receives and drops the connection
// before acknowledging it. Later connections are served normally.
func lossyServer(t *testing.T, hub *store.Hub) string {
	t.Helper()
	srv := NewServer(hub, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var lost atomic.Bool
	var conns atomic.Int64
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := fmt.Sprintf("conn-%d", conns.Add(1))
		if lost.Load() {
			srv.Serve(ctx, ws, id, "test")
			return
		}
		defer ws.Close()
		direct := hub.Connect(id)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			if req.Op != OpPush {
				b, _ := json.Marshal(Reply{ID: req.ID, Op: OpAck})
				_ = ws.WriteMessage(websocket.TextMessage, b)
				continue
			}
			_, _ = direct.PushOnce(ctx, req.Path, req.Value, req.Token)
			lost.Store(true)
			return
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestPushRetriedAfterLostAckAppendsOnce(t *testing.T) {
	hub := store.NewHub(nil)
	c := dial(t, lossyServer(t, hub), ClientOptions{Reconnect: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := "sessions/s1/signals/a"
	key, err := c.Push(ctx, path, map[string]string{"type": "offer"})
	require.NoError(t, err)

	snap, err := hub.Connect("check").Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, snap.Children())

	next, err := c.Push(ctx, path, map[string]string{"type": "candidate"})
	require.NoError(t, err)
	assert.Greater(t, next, key)
}

func TestRateLimiter(t *testing.T) {
	rl := NewConnRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	rl.Forget("a")
	assert.True(t, rl.Allow("a"))

	var disabled *ConnRateLimiter
	assert.True(t, disabled.Allow("x"))
}

func TestReplyErrRoundTrip(t *testing.T) {
	assert.ErrorIs(t, Reply{Code: errorCode(core.ErrInvalidPath), Error: "x"}.Err(), core.ErrInvalidPath)
	assert.ErrorIs(t, Reply{Code: errorCode(ErrRateLimited), Error: "x"}.Err(), ErrRateLimited)
	assert.NoError(t, Reply{Op: OpAck}.Err())
}
