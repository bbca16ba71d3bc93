package storews

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnInfo is a read-only view of a live store connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	UID        string    `json:"uid,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
	Watches    int       `json:"watches"`
}

type connEntry struct {
	info   ConnInfo
	conn   *wsStoreConn
	cancel context.CancelFunc
}

// Registry tracks live websocket connections of the store server.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connEntry)}
}

func (r *Registry) Bind(info ConnInfo, conn *wsStoreConn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[info.ID] = &connEntry{info: info, conn: conn, cancel: cancel}
	log.Info().Str("module", "storews.registry").Str("conn", info.ID).Str("token", info.Token).Msg("bound connection")
}

func (r *Registry) Unbind(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Info().Str("module", "storews.registry").Str("conn", id).Msg("unbind connection")
}

func (r *Registry) UpdateUID(id, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.info.UID = uid
		log.Info().Str("module", "storews.registry").Str("conn", id).Str("uid", uid).Msg("identified connection")
	}
}

func (r *Registry) AddWatches(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.info.Watches += delta
	}
}

func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Kick cancels the connection; its read pump closes it and the hub fires
// its disconnect hooks.
func (r *Registry) Kick(id string) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.conn.Close()
	log.Info().Str("module", "storews.registry").Str("conn", id).Msg("kicked connection")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
