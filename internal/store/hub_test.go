package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps []core.Snapshot
}

func (r *recorder) fn(s core.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Snapshot(nil), r.snaps...)
}

func (r *recorder) waitFor(t *testing.T, n int) []core.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.all()
}

func TestWatchDeliversCurrentValueThenChanges(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := hub.Connect("a")

	require.NoError(t, a.Write(ctx, "sessions/s1/roster/a", map[string]any{"connected": true}))

	rec := &recorder{}
	sub, err := a.Watch(ctx, "sessions/s1/roster", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()

	require.NoError(t, a.Write(ctx, "sessions/s1/roster/b", map[string]any{"connected": true}))

	snaps := rec.waitFor(t, 2)
	assert.Equal(t, []string{"a"}, snaps[0].Children())
	assert.Equal(t, []string{"a", "b"}, snaps[1].Children())
}

func TestWatchIgnoresUnrelatedPaths(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	c := hub.Connect("c")

	rec := &recorder{}
	sub, err := c.Watch(ctx, "sessions/s1/signals/a", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	rec.waitFor(t, 1)

	require.NoError(t, c.Write(ctx, "sessions/s1/signals/ab", "x"))
	require.NoError(t, c.Write(ctx, "sessions/s2/signals/a", "x"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
	assert.False(t, rec.all()[0].Exists())
}

func TestPushKeysAreOrdered(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	c := hub.Connect("c")

	var keys []string
	for i := 0; i < 12; i++ {
		k, err := c.Push(ctx, "sessions/s1/messages", map[string]int{"n": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	snap, err := c.Get(ctx, "sessions/s1/messages")
	require.NoError(t, err)
	assert.Equal(t, keys, snap.Children())

	var v struct{ N int }
	require.NoError(t, snap.Child(keys[11]).Decode(&v))
	assert.Equal(t, 11, v.N)
}

func TestPushOnceReturnsFirstKey(t *testing.T) {
	ctx := context.Background()
	c := NewHub(nil).Connect("c")

	k1, err := c.PushOnce(ctx, "sessions/s1/signals/a", "offer", "tok-1")
	require.NoError(t, err)
	k2, err := c.PushOnce(ctx, "sessions/s1/signals/a", "offer", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := c.PushOnce(ctx, "sessions/s1/signals/a", "offer", "tok-2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	snap, err := c.Get(ctx, "sessions/s1/signals/a")
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k3}, snap.Children())
}

func TestMemoryBackendForgetsOldestPushToken(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	for i := 0; i <= MaxPushTokens; i++ {
		require.NoError(t, b.RecordPush(ctx, fmt.Sprintf("t%d", i), fmt.Sprintf("k%d", i)))
	}
	_, ok, err := b.PushedKey(ctx, "t0")
	require.NoError(t, err)
	assert.False(t, ok)

	key, ok, err := b.PushedKey(ctx, fmt.Sprintf("t%d", MaxPushTokens))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fmt.Sprintf("k%d", MaxPushTokens), key)
}

func TestWriteReplacesSubtree(t *testing.T) {
	ctx := context.Background()
	c := NewHub(nil).Connect("c")

	require.NoError(t, c.Write(ctx, "users/u1/status", "online"))
	require.NoError(t, c.Write(ctx, "users/u1", map[string]string{"uid": "u1"}))

	snap, err := c.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	_, ok := snap.Value()
	assert.True(t, ok)
}

func TestRemoveNotifiesWatchersOfDescendants(t *testing.T) {
	ctx := context.Background()
	c := NewHub(nil).Connect("c")

	_, err := c.Push(ctx, "sessions/s1/signals/a", "p1")
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := c.Watch(ctx, "sessions/s1/signals/a", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()

	require.NoError(t, c.Remove(ctx, "sessions/s1/signals"))
	snaps := rec.waitFor(t, 2)
	assert.True(t, snaps[0].Exists())
	assert.False(t, snaps[1].Exists())
}

func TestDisconnectRunsHooks(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := hub.Connect("a")
	observer := hub.Connect("obs")

	require.NoError(t, a.Write(ctx, "sessions/s1/roster/a", map[string]any{"connected": true}))
	require.NoError(t, a.OnDisconnect(ctx, "sessions/s1/roster/a", map[string]any{"connected": false}))

	rec := &recorder{}
	sub, err := observer.Watch(ctx, "sessions/s1/roster/a", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()

	a.Disconnect()
	a.Disconnect()

	snaps := rec.waitFor(t, 2)
	var p struct{ Connected bool }
	require.NoError(t, snaps[len(snaps)-1].Decode(&p))
	assert.False(t, p.Connected)
	assert.ErrorIs(t, a.Write(ctx, "x", 1), core.ErrStoreClosed)
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestCancelOnDisconnect(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := hub.Connect("a")

	require.NoError(t, a.Write(ctx, "k", "alive"))
	require.NoError(t, a.OnDisconnect(ctx, "k", "gone"))
	require.NoError(t, a.CancelOnDisconnect(ctx, "k"))
	a.Disconnect()

	snap, err := hub.Connect("b").Get(ctx, "k")
	require.NoError(t, err)
	var v string
	require.NoError(t, snap.Decode(&v))
	assert.Equal(t, "alive", v)
}

func TestReRegisteredHookFiresOnce(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := hub.Connect("a")

	require.NoError(t, a.Write(ctx, "p", "alive"))
	require.NoError(t, a.OnDisconnect(ctx, "p", "gone"))
	require.NoError(t, a.CancelOnDisconnect(ctx, "p"))
	require.NoError(t, a.OnDisconnect(ctx, "p", "gone"))
	assert.Equal(t, []string{"p"}, a.hookOrder)

	rec := &recorder{}
	sub, err := hub.Connect("obs").Watch(ctx, "p", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	rec.waitFor(t, 1)

	a.Disconnect()
	rec.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.all(), 2)
}

func TestUnwatchStopsDelivery(t *testing.T) {
	ctx := context.Background()
	c := NewHub(nil).Connect("c")

	rec := &recorder{}
	sub, err := c.Watch(ctx, "k", rec.fn)
	require.NoError(t, err)
	rec.waitFor(t, 1)
	sub.Unwatch()
	sub.Unwatch()

	require.NoError(t, c.Write(ctx, "k", 1))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestInvalidPath(t *testing.T) {
	c := NewHub(nil).Connect("c")
	assert.ErrorIs(t, c.Write(context.Background(), "//", 1), core.ErrInvalidPath)
	assert.ErrorIs(t, c.Write(context.Background(), "a/../b", 1), core.ErrInvalidPath)
}
