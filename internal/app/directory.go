package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

// Directory keeps the global users/{uid} records: this user's own profile
// and status, and read access to everyone else's.
type Directory struct {
	store core.SignalStore
	now   func() time.Time

	mu         sync.Mutex
	self       *domain.UserProfile
	stopRejoin func()
}

func NewDirectory(store core.SignalStore) *Directory {
	return &Directory{store: store, now: time.Now}
}

// Publish writes the profile as online and arranges for the store to mark
// it offline when this client drops.
func (d *Directory) Publish(ctx context.Context, profile *domain.UserProfile) error {
	p := *profile
	p.Status = domain.StatusOnline
	p.LastSeen = d.now().UnixMilli()

	offline := p
	offline.Status = domain.StatusOffline
	path := core.UserPath(p.UID)
	if err := d.store.OnDisconnect(ctx, path, offline); err != nil {
		return wrapStore(err)
	}
	if err := d.store.Write(ctx, path, p); err != nil {
		return wrapStore(err)
	}

	d.mu.Lock()
	d.self = &p
	if rn, ok := d.store.(core.ReconnectNotifier); ok && d.stopRejoin == nil {
		d.stopRejoin = rn.OnReconnect(func() { go d.republish() })
	}
	d.mu.Unlock()
	log.Info().Str("module", "app.directory").Str("uid", string(p.UID)).Msg("profile published")
	return nil
}

func (d *Directory) republish() {
	d.mu.Lock()
	var p domain.UserProfile
	ok := d.self != nil
	if ok {
		p = *d.self
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.LastSeen = d.now().UnixMilli()
	if err := d.store.Write(ctx, core.UserPath(p.UID), p); err != nil {
		log.Warn().Err(err).Str("module", "app.directory").Msg("republish failed")
	}
}

// SetStatus updates this user's status. Publish must have run.
func (d *Directory) SetStatus(ctx context.Context, status domain.UserStatus) error {
	d.mu.Lock()
	if d.self == nil {
		d.mu.Unlock()
		return errors.New("profile not published")
	}
	d.self.Status = status
	d.self.LastSeen = d.now().UnixMilli()
	p := *d.self
	d.mu.Unlock()
	return wrapStore(d.store.Write(ctx, core.UserPath(p.UID), p))
}

// Unpublish marks this user offline and drops the disconnect hook.
func (d *Directory) Unpublish(ctx context.Context) error {
	d.mu.Lock()
	self := d.self
	d.self = nil
	if d.stopRejoin != nil {
		d.stopRejoin()
		d.stopRejoin = nil
	}
	d.mu.Unlock()
	if self == nil {
		return nil
	}
	p := *self
	p.Status = domain.StatusOffline
	p.LastSeen = d.now().UnixMilli()
	path := core.UserPath(p.UID)
	return wrapStore(errors.Join(
		d.store.Write(ctx, path, p),
		d.store.CancelOnDisconnect(ctx, path),
	))
}

// Fetch reads a profile once. A missing profile is core.ErrNoValue.
func (d *Directory) Fetch(ctx context.Context, uid domain.UserID) (*domain.UserProfile, error) {
	snap, err := d.store.Get(ctx, core.UserPath(uid))
	if err != nil {
		return nil, err
	}
	var p domain.UserProfile
	if err := snap.Decode(&p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", uid, err)
	}
	return &p, nil
}

// WatchActive reports online users other than self, sorted by name.
func (d *Directory) WatchActive(ctx context.Context, self domain.UserID, fn func([]domain.UserProfile)) (core.Subscription, error) {
	return d.store.Watch(ctx, core.UsersPath(), func(snap core.Snapshot) {
		var out []domain.UserProfile
		for _, uid := range snap.Children() {
			if domain.UserID(uid) == self {
				continue
			}
			var p domain.UserProfile
			if err := snap.Child(uid).Decode(&p); err != nil {
				continue
			}
			if p.Status == domain.StatusOnline {
				out = append(out, p)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].DisplayName != out[j].DisplayName {
				return out[i].DisplayName < out[j].DisplayName
			}
			return out[i].UID < out[j].UID
		})
		fn(out)
	})
}
