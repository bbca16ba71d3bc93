package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/VoicePair/internal/core"
)

// MaxPushTokens bounds how many push tokens a MemoryBackend remembers.
const MaxPushTokens = 4096

// MemoryBackend keeps everything in process. Data dies with the server.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	seq    int64

	pushed     map[string]string
	pushedRing []string
	pushedNext int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]json.RawMessage),
		pushed: make(map[string]string),
	}
}

func (b *MemoryBackend) Load(_ context.Context, path string) (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for p, v := range b.values {
		if _, ok := core.Relative(path, p); ok {
			out[p] = v
		}
	}
	return out, nil
}

func (b *MemoryBackend) Put(_ context.Context, path string, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[path] = value
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.values {
		if _, ok := core.Relative(path, p); ok {
			delete(b.values, p)
		}
	}
	return nil
}

func (b *MemoryBackend) NextSeq(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq, nil
}

func (b *MemoryBackend) PushedKey(_ context.Context, token string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.pushed[token]
	return key, ok, nil
}

// RecordPush remembers token, forgetting the oldest one past MaxPushTokens.
func (b *MemoryBackend) RecordPush(_ context.Context, token, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pushed[token]; ok {
		b.pushed[token] = key
		return nil
	}
	if len(b.pushedRing) < MaxPushTokens {
		b.pushedRing = append(b.pushedRing, token)
	} else {
		delete(b.pushed, b.pushedRing[b.pushedNext])
		b.pushedRing[b.pushedNext] = token
		b.pushedNext = (b.pushedNext + 1) % MaxPushTokens
	}
	b.pushed[token] = key
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
