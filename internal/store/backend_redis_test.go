package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := NewRedisBackend(ctx, addr, "voicepair-test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.rdb.Del(context.Background(), b.dataKey(), b.seqKey(), b.pushKey("tok")).Err()
		_ = b.Close()
	})
	return b
}

func TestRedisBackendLoadPutDelete(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "sessions/s1/roster/a", []byte(`{"connected":true}`)))
	require.NoError(t, b.Put(ctx, "sessions/s1/roster/b", []byte(`{"connected":false}`)))
	require.NoError(t, b.Put(ctx, "sessions/s10/roster/c", []byte(`{}`)))

	got, err := b.Load(ctx, "sessions/s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, b.Delete(ctx, "sessions/s1/roster"))
	got, err = b.Load(ctx, "sessions/s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	s1, err := b.NextSeq(ctx)
	require.NoError(t, err)
	s2, err := b.NextSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1+1, s2)

	_, ok, err := b.PushedKey(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, b.RecordPush(ctx, "tok", "00000000000000000007"))
	key, ok, err := b.PushedKey(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "00000000000000000007", key)
}

func TestHubsShareRedisChanges(t *testing.T) {
	b1 := redisBackend(t)
	b2, err := NewRedisBackend(context.Background(), os.Getenv("REDIS_ADDR"), b1.ns)
	require.NoError(t, err)
	defer b2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h1, h2 := NewHub(b1), NewHub(b2)
	go func() { _ = h2.Run(ctx) }()

	rec := &recorder{}
	sub, err := h2.Connect("watcher").Watch(ctx, "sessions/s1/roster", rec.fn)
	require.NoError(t, err)
	defer sub.Unwatch()
	rec.waitFor(t, 1)

	// give the subscriber time to attach before publishing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h1.Connect("writer").Write(ctx, "sessions/s1/roster/a", map[string]bool{"connected": true}))

	snaps := rec.waitFor(t, 2)
	assert.Equal(t, []string{"a"}, snaps[len(snaps)-1].Children())
}
