// Package store is the authoritative shared store: leaf values addressed by
// slash separated paths, prefix watches, append keys and per-connection
// disconnect hooks.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/rs/zerolog/log"
)

// SeqKeyWidth keeps push keys lexically ordered.
const SeqKeyWidth = 20

type Hub struct {
	backend Backend

	// mu serializes mutations with their notifications so that every
	// subscription observes a path's changes in commit order.
	mu    sync.Mutex
	subs  map[uint64]*subscription
	conns map[string]*Conn

	nextSub atomic.Uint64
}

func NewHub(backend Backend) *Hub {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Hub{
		backend: backend,
		subs:    make(map[uint64]*subscription),
		conns:   make(map[string]*Conn),
	}
}

// Connect opens a connection scope. Disconnect hooks registered through it
// fire when it is disconnected.
func (h *Hub) Connect(id string) *Conn {
	c := &Conn{
		hub:   h,
		id:    id,
		subs:  make(map[uint64]*subscription),
		hooks: make(map[string]json.RawMessage),
	}
	h.mu.Lock()
	if old, ok := h.conns[id]; ok {
		h.mu.Unlock()
		log.Warn().Str("module", "store.hub").Str("conn", id).Msg("replacing live connection")
		old.Disconnect()
		h.mu.Lock()
	}
	h.conns[id] = c
	h.mu.Unlock()
	log.Debug().Str("module", "store.hub").Str("conn", id).Msg("connected")
	return c
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Run forwards changes made through other hubs sharing the backend. It
// returns when ctx ends or immediately if the backend is not shared.
func (h *Hub) Run(ctx context.Context) error {
	feed, ok := h.backend.(ChangeFeed)
	if !ok {
		return nil
	}
	changes, err := feed.Changes(ctx)
	if err != nil {
		return err
	}
	for path := range changes {
		h.mu.Lock()
		h.notifyLocked(ctx, path)
		h.mu.Unlock()
	}
	return ctx.Err()
}

func (h *Hub) Close() error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
	return h.backend.Close()
}

func (h *Hub) set(ctx context.Context, path string, raw json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.backend.Delete(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
	}
	if err := h.backend.Put(ctx, path, raw); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
	}
	h.notifyLocked(ctx, path)
	return nil
}

// push appends raw under path. A non-empty token makes the push
// idempotent: repeating it returns the first key and appends nothing.
func (h *Hub) push(ctx context.Context, path string, raw json.RawMessage, token string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token != "" {
		key, ok, err := h.backend.PushedKey(ctx, token)
		if err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
		}
		if ok {
			log.Debug().Str("module", "store.hub").Str("path", path).Str("key", key).Msg("repeated push")
			return key, nil
		}
	}
	seq, err := h.backend.NextSeq(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
	}
	key := fmt.Sprintf("%0*d", SeqKeyWidth, seq)
	child := core.JoinPath(path, key)
	if err := h.backend.Put(ctx, child, raw); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
	}
	if token != "" {
		if err := h.backend.RecordPush(ctx, token, key); err != nil {
			log.Warn().Err(err).Str("module", "store.hub").Str("path", child).Msg("record push token")
		}
	}
	h.notifyLocked(ctx, child)
	return key, nil
}

func (h *Hub) remove(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.backend.Delete(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreWrite, err)
	}
	h.notifyLocked(ctx, path)
	return nil
}

func (h *Hub) get(ctx context.Context, path string) (core.Snapshot, error) {
	leaves, err := h.backend.Load(ctx, path)
	if err != nil {
		return core.Snapshot{}, err
	}
	return core.NewSnapshot(path, leaves), nil
}

func (h *Hub) watch(ctx context.Context, owner *Conn, path string, fn core.WatchFunc) (*subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, err := h.get(ctx, path)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		id:   h.nextSub.Add(1),
		path: path,
		box:  NewMailbox(func(s core.Snapshot) { fn(s) }),
	}
	sub.release = func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()
		owner.forget(sub.id)
		sub.box.Close()
	}
	h.subs[sub.id] = sub
	sub.box.Put(snap)
	return sub, nil
}

// notifyLocked queues a fresh snapshot for every watcher that can see
// changed. Caller holds h.mu.
func (h *Hub) notifyLocked(ctx context.Context, changed string) {
	cache := make(map[string]core.Snapshot)
	for _, sub := range h.subs {
		if !core.Related(sub.path, changed) {
			continue
		}
		snap, ok := cache[sub.path]
		if !ok {
			var err error
			snap, err = h.get(ctx, sub.path)
			if err != nil {
				log.Error().Err(err).Str("module", "store.hub").Str("path", sub.path).Msg("load for notify")
				continue
			}
			cache[sub.path] = snap
		}
		sub.box.Put(snap)
	}
}

func (h *Hub) dropConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
}

type subscription struct {
	id      uint64
	path    string
	box     *Mailbox[core.Snapshot]
	release func()
	once    sync.Once
}

func (s *subscription) Unwatch() { s.once.Do(s.release) }
