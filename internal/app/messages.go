package app

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
)

// Messages is the session chat log.
type Messages struct {
	store core.SignalStore
	sid   domain.SessionID
	uid   domain.UserID
	now   func() time.Time
}

func NewMessages(store core.SignalStore, sid domain.SessionID, uid domain.UserID) *Messages {
	return &Messages{store: store, sid: sid, uid: uid, now: time.Now}
}

// Send appends text. Blank text is a no-op and reports false.
func (m *Messages) Send(ctx context.Context, text string) (bool, error) {
	msg, ok := domain.NewMessage(m.uid, text, m.now())
	if !ok {
		return false, nil
	}
	if _, err := m.store.Push(ctx, core.MessagesPath(m.sid), msg); err != nil {
		return false, wrapStore(err)
	}
	return true, nil
}

// Observe delivers the whole log, ordered by timestamp then key, on every
// change.
func (m *Messages) Observe(ctx context.Context, fn func([]domain.Message)) (core.Subscription, error) {
	return m.store.Watch(ctx, core.MessagesPath(m.sid), func(snap core.Snapshot) {
		fn(decodeMessages(snap))
	})
}

func decodeMessages(snap core.Snapshot) []domain.Message {
	keys := snap.Children()
	out := make([]domain.Message, 0, len(keys))
	for _, key := range keys {
		var msg domain.Message
		if err := snap.Child(key).Decode(&msg); err != nil {
			log.Warn().Err(err).Str("module", "app.messages").Str("seq", key).Msg("skipped message")
			continue
		}
		msg.Seq = key
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
