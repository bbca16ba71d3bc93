package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

// Signaling moves negotiation payloads between the two participants. Each
// participant appends to its own list; the other consumes it in key order.
type Signaling struct {
	store core.SignalStore
	sid   domain.SessionID
	uid   domain.UserID
	now   func() time.Time
}

func NewSignaling(store core.SignalStore, sid domain.SessionID, uid domain.UserID) *Signaling {
	return &Signaling{store: store, sid: sid, uid: uid, now: time.Now}
}

// Send appends payload to this participant's list and returns its key.
func (s *Signaling) Send(ctx context.Context, payload []byte) (string, error) {
	env := domain.SignalEnvelope{SenderUID: s.uid, Payload: string(payload), Timestamp: s.now().UnixMilli()}
	key, err := s.store.Push(ctx, core.SignalsPath(s.sid, s.uid), env)
	if err != nil {
		return "", wrapStore(err)
	}
	return key, nil
}

// Follow delivers partner's payloads in key order, each one once, including
// those sent before the subscription. Entries that do not decode are logged
// and skipped.
func (s *Signaling) Follow(ctx context.Context, partner domain.UserID, fn func(domain.SignalEnvelope)) (core.Subscription, error) {
	l := log.With().Str("module", "app.signaling").Str("sid", string(s.sid)).Str("from", string(partner)).Logger()
	var last string
	return s.store.Watch(ctx, core.SignalsPath(s.sid, partner), func(snap core.Snapshot) {
		for _, key := range snap.Children() {
			if key <= last {
				continue
			}
			last = key
			var env domain.SignalEnvelope
			if err := snap.Child(key).Decode(&env); err != nil {
				l.Warn().Err(fmt.Errorf("%w: %w", core.ErrSignalParse, err)).Str("seq", key).Msg("dropped signal")
				continue
			}
			env.Seq = key
			fn(env)
		}
	})
}

// DiscoverPartner reports the first roster uid other than this
// participant's, exactly once. Later roster changes are ignored. Children
// that are not a valid uid holding a presence entry are never candidates.
func (s *Signaling) DiscoverPartner(ctx context.Context, fn func(domain.UserID)) (core.Subscription, error) {
	locked := false
	return s.store.Watch(ctx, core.RosterPath(s.sid), func(snap core.Snapshot) {
		if locked {
			return
		}
		for _, uid := range snap.Children() {
			if domain.UserID(uid) == s.uid || !isRosterEntry(uid, snap.Child(uid)) {
				continue
			}
			locked = true
			log.Info().Str("module", "app.signaling").Str("sid", string(s.sid)).Str("partner", uid).Msg("partner locked")
			fn(domain.UserID(uid))
			return
		}
	})
}

func isRosterEntry(uid string, child core.Snapshot) bool {
	if err := domain.UserID(uid).Validate(); err != nil {
		return false
	}
	var p domain.Presence
	return child.Decode(&p) == nil
}

// Clear removes this participant's list. Removing an absent list is fine.
func (s *Signaling) Clear(ctx context.Context) error {
	err := s.store.Remove(ctx, core.SignalsPath(s.sid, s.uid))
	if err != nil && !errors.Is(err, core.ErrNoValue) {
		return wrapStore(err)
	}
	return nil
}
