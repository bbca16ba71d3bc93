package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/rs/zerolog/log"
)

var _ core.SignalStore = (*Conn)(nil)

// Conn is one client's view of a Hub. It implements core.SignalStore.
type Conn struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	subs      map[uint64]*subscription
	hooks     map[string]json.RawMessage
	hookOrder []string
	closed    bool
}

func (c *Conn) ID() string { return c.id }

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw json value")
		}
		return raw, nil
	}
	return json.Marshal(value)
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrStoreClosed
	}
	return nil
}

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	p, err := core.CleanPath(path)
	if err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return c.hub.set(ctx, p, raw)
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	return c.PushOnce(ctx, path, value, "")
}

// PushOnce is Push keyed by a caller chosen token. Pushes repeating a
// remembered token return the original key without appending.
func (c *Conn) PushOnce(ctx context.Context, path string, value any, token string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	p, err := core.CleanPath(path)
	if err != nil {
		return "", err
	}
	raw, err := encode(value)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", p, err)
	}
	return c.hub.push(ctx, p, raw, token)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	p, err := core.CleanPath(path)
	if err != nil {
		return err
	}
	return c.hub.remove(ctx, p)
}

func (c *Conn) Get(ctx context.Context, path string) (core.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return core.Snapshot{}, err
	}
	p, err := core.CleanPath(path)
	if err != nil {
		return core.Snapshot{}, err
	}
	return c.hub.get(ctx, p)
}

func (c *Conn) Watch(ctx context.Context, path string, fn core.WatchFunc) (core.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	p, err := core.CleanPath(path)
	if err != nil {
		return nil, err
	}
	sub, err := c.hub.watch(ctx, c, p, fn)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	return sub, nil
}

func (c *Conn) OnDisconnect(_ context.Context, path string, value any) error {
	p, err := core.CleanPath(path)
	if err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrStoreClosed
	}
	if _, ok := c.hooks[p]; !ok {
		c.hookOrder = append(c.hookOrder, p)
	}
	c.hooks[p] = raw
	return nil
}

func (c *Conn) CancelOnDisconnect(_ context.Context, path string) error {
	p, err := core.CleanPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hooks[p]; ok {
		delete(c.hooks, p)
		c.hookOrder = slices.DeleteFunc(c.hookOrder, func(q string) bool { return q == p })
	}
	return nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Disconnect runs the registered disconnect writes and drops every
// subscription. It is what the store does when a client vanishes.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	type hook struct {
		path string
		raw  json.RawMessage
	}
	hooks := make([]hook, 0, len(c.hooks))
	for _, p := range c.hookOrder {
		if raw, ok := c.hooks[p]; ok {
			hooks = append(hooks, hook{p, raw})
		}
	}
	c.hooks = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unwatch()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range hooks {
		if err := c.hub.set(ctx, h.path, h.raw); err != nil {
			log.Error().Err(err).Str("module", "store.conn").Str("conn", c.id).Str("path", h.path).Msg("disconnect write")
			continue
		}
		log.Info().Str("module", "store.conn").Str("conn", c.id).Str("path", h.path).Msg("disconnect write applied")
	}
	c.hub.dropConn(c)
}
