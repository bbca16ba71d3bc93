package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

// MaxParticipants is the roster capacity of a session.
const MaxParticipants = 2

// Presence keeps this participant's roster entry. The entry flips to
// disconnected by the store itself if the client drops without Leave.
type Presence struct {
	store core.SignalStore
	sid   domain.SessionID
	uid   domain.UserID
	now   func() time.Time

	mu          sync.Mutex
	announced   bool
	stopRejoin  func()
	rejoinCtx   context.Context
	rejoinClose context.CancelFunc
}

func NewPresence(store core.SignalStore, sid domain.SessionID, uid domain.UserID) *Presence {
	return &Presence{store: store, sid: sid, uid: uid, now: time.Now}
}

func (p *Presence) entry(connected bool) domain.Presence {
	return domain.Presence{Connected: connected, Timestamp: p.now().UnixMilli()}
}

// Announce joins the roster. It fails with core.ErrSessionFull, without
// writing anything, when two other participants already hold it.
func (p *Presence) Announce(ctx context.Context) error {
	if err := p.checkRoom(ctx); err != nil {
		return err
	}

	path := core.RosterEntryPath(p.sid, p.uid)
	// hook before the online write so no window leaves a stale online entry
	if err := p.store.OnDisconnect(ctx, path, p.entry(false)); err != nil {
		return wrapStore(err)
	}
	if err := p.store.Write(ctx, path, p.entry(true)); err != nil {
		return wrapStore(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced = true
	if rn, ok := p.store.(core.ReconnectNotifier); ok && p.stopRejoin == nil {
		p.rejoinCtx, p.rejoinClose = context.WithCancel(context.Background())
		p.stopRejoin = rn.OnReconnect(p.rejoin)
	}
	log.Info().Str("module", "app.presence").Str("sid", string(p.sid)).Str("uid", string(p.uid)).Msg("announced")
	return nil
}

// checkRoom fails with core.ErrSessionFull when two other uids hold the
// roster.
func (p *Presence) checkRoom(ctx context.Context) error {
	snap, err := p.store.Get(ctx, core.RosterPath(p.sid))
	if err != nil {
		return fmt.Errorf("%w: read roster: %v", core.ErrStoreWrite, err)
	}
	others := 0
	for _, uid := range snap.Children() {
		if domain.UserID(uid) != p.uid {
			others++
		}
	}
	if others >= MaxParticipants {
		return core.ErrSessionFull
	}
	return nil
}

// rejoin restores the online entry the store flipped when the transport
// dropped.
func (p *Presence) rejoin() {
	p.mu.Lock()
	ctx, announced := p.rejoinCtx, p.announced
	p.mu.Unlock()
	if !announced || ctx == nil {
		return
	}
	go func() {
		if err := p.store.Write(ctx, core.RosterEntryPath(p.sid, p.uid), p.entry(true)); err != nil {
			log.Warn().Err(err).Str("module", "app.presence").Str("sid", string(p.sid)).Msg("re-announce failed")
			return
		}
		log.Info().Str("module", "app.presence").Str("sid", string(p.sid)).Str("uid", string(p.uid)).Msg("re-announced")
	}()
}

// Leave marks the entry disconnected and drops the hook. Idempotent.
func (p *Presence) Leave(ctx context.Context) error {
	p.mu.Lock()
	announced := p.announced
	p.announced = false
	if p.stopRejoin != nil {
		p.stopRejoin()
		p.rejoinClose()
		p.stopRejoin = nil
	}
	p.mu.Unlock()
	if !announced {
		return nil
	}

	path := core.RosterEntryPath(p.sid, p.uid)
	werr := p.store.Write(ctx, path, p.entry(false))
	cerr := p.store.CancelOnDisconnect(ctx, path)
	if err := errors.Join(werr, cerr); err != nil {
		return wrapStore(err)
	}
	return nil
}

// Withdraw is Leave for a participant hanging up, joined or not. Without a
// completed Announce it still records a disconnected entry, unless the
// session has no room for one.
func (p *Presence) Withdraw(ctx context.Context) error {
	p.mu.Lock()
	announced := p.announced
	p.mu.Unlock()
	if announced {
		return p.Leave(ctx)
	}
	if err := p.checkRoom(ctx); err != nil {
		if errors.Is(err, core.ErrSessionFull) {
			return nil
		}
		return err
	}
	path := core.RosterEntryPath(p.sid, p.uid)
	// an interrupted Announce may have left its hook behind
	werr := p.store.Write(ctx, path, p.entry(false))
	cerr := p.store.CancelOnDisconnect(ctx, path)
	return wrapStore(errors.Join(werr, cerr))
}

// WatchPeer reports another participant's roster entry; exists is false
// while the entry is absent.
func (p *Presence) WatchPeer(ctx context.Context, uid domain.UserID, fn func(pr domain.Presence, exists bool)) (core.Subscription, error) {
	return p.store.Watch(ctx, core.RosterEntryPath(p.sid, uid), func(s core.Snapshot) {
		var pr domain.Presence
		if err := s.Decode(&pr); err != nil {
			fn(domain.Presence{}, false)
			return
		}
		fn(pr, true)
	})
}

// EnsureMeta records who opened the session unless someone already did.
func (p *Presence) EnsureMeta(ctx context.Context) error {
	path := core.SessionMetaPath(p.sid)
	snap, err := p.store.Get(ctx, path)
	if err != nil {
		return wrapStore(err)
	}
	if snap.Exists() {
		return nil
	}
	return wrapStore(p.store.Write(ctx, path, domain.SessionMeta{CreatedBy: p.uid, CreatedAt: p.now().UnixMilli()}))
}

func wrapStore(err error) error {
	if err == nil || errors.Is(err, core.ErrStoreWrite) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrStoreWrite, err)
}
