package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBackend keeps values in one hash per namespace so several store
// servers can share state. Changes are announced on a pub/sub channel.
type RedisBackend struct {
	rdb  *redis.Client
	ns   string
	node string
}

func NewRedisBackend(ctx context.Context, addr, namespace string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	if namespace == "" {
		namespace = "voicepair"
	}
	log.Info().Str("module", "store.redis").Str("addr", addr).Str("ns", namespace).Msg("connected")
	return &RedisBackend{rdb: rdb, ns: namespace, node: uuid.NewString()}, nil
}

// PushTokenTTL is how long a push token is remembered in Redis.
const PushTokenTTL = 10 * time.Minute

func (b *RedisBackend) dataKey() string             { return b.ns + ":data" }
func (b *RedisBackend) pushKey(token string) string { return b.ns + ":push:" + token }
func (b *RedisBackend) seqKey() string              { return b.ns + ":seq" }
func (b *RedisBackend) changesKey() string          { return b.ns + ":changes" }

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (b *RedisBackend) Load(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	v, err := b.rdb.HGet(ctx, b.dataKey(), path).Result()
	switch {
	case err == nil:
		out[path] = json.RawMessage(v)
	case err != redis.Nil:
		return nil, fmt.Errorf("hget %s: %w", path, err)
	}

	iter := b.rdb.HScan(ctx, b.dataKey(), 0, globEscaper.Replace(path)+"/*", 256).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		out[field] = json.RawMessage(iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("hscan %s: %w", path, err)
	}
	return out, nil
}

func (b *RedisBackend) Put(ctx context.Context, path string, value json.RawMessage) error {
	if err := b.rdb.HSet(ctx, b.dataKey(), path, []byte(value)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", path, err)
	}
	b.announce(ctx, path)
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, path string) error {
	leaves, err := b.Load(ctx, path)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return nil
	}
	fields := make([]string, 0, len(leaves))
	for p := range leaves {
		fields = append(fields, p)
	}
	if err := b.rdb.HDel(ctx, b.dataKey(), fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", path, err)
	}
	b.announce(ctx, path)
	return nil
}

func (b *RedisBackend) NextSeq(ctx context.Context) (int64, error) {
	return b.rdb.Incr(ctx, b.seqKey()).Result()
}

func (b *RedisBackend) PushedKey(ctx context.Context, token string) (string, bool, error) {
	key, err := b.rdb.Get(ctx, b.pushKey(token)).Result()
	switch {
	case err == redis.Nil:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("get push token: %w", err)
	}
	return key, true, nil
}

func (b *RedisBackend) RecordPush(ctx context.Context, token, key string) error {
	if err := b.rdb.Set(ctx, b.pushKey(token), key, PushTokenTTL).Err(); err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	return nil
}

func (b *RedisBackend) announce(ctx context.Context, path string) {
	if err := b.rdb.Publish(ctx, b.changesKey(), b.node+" "+path).Err(); err != nil {
		log.Warn().Err(err).Str("module", "store.redis").Str("path", path).Msg("publish change")
	}
}

// Changes yields paths changed through other nodes.
func (b *RedisBackend) Changes(ctx context.Context) (<-chan string, error) {
	pubsub := b.rdb.Subscribe(ctx, b.changesKey())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.changesKey(), err)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				node, path, found := strings.Cut(msg.Payload, " ")
				if !found || node == b.node {
					continue
				}
				select {
				case out <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBackend) Close() error { return b.rdb.Close() }
