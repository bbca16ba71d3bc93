package store

import (
	"context"
	"encoding/json"
)

// Backend persists leaf values keyed by absolute path. Hubs serialize all
// calls to a backend they own.
type Backend interface {
	// Load returns path and every leaf below it, keyed by absolute path.
	Load(ctx context.Context, path string) (map[string]json.RawMessage, error)
	Put(ctx context.Context, path string, value json.RawMessage) error
	// Delete removes path and every leaf below it.
	Delete(ctx context.Context, path string) error
	NextSeq(ctx context.Context) (int64, error)
	// PushedKey returns the key an earlier push with token was stored
	// under, if that push is still remembered.
	PushedKey(ctx context.Context, token string) (string, bool, error)
	RecordPush(ctx context.Context, token, key string) error
	Close() error
}

// ChangeFeed is implemented by backends shared between several hubs. The
// channel carries paths changed by other hubs and closes with ctx.
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan string, error)
}
