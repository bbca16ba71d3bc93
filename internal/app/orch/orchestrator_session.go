package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/VoicePair/internal/app"
	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
	"github.com/dkeye/VoicePair/internal/store"
)

// session owns every resource one call acquires. teardown walks it once.
type session struct {
	o       *Orchestrator
	id      domain.SessionID
	role    core.Role
	partner domain.UserID

	ctx    context.Context
	cancel context.CancelFunc
	// teardownCtx outlives ctx so final writes still reach the store.
	teardownCtx context.Context

	presence  *app.Presence
	signaling *app.Signaling
	messages  *app.Messages

	// writer serializes store writes so own-path order is kept without
	// blocking the dispatch loop.
	writer *store.Mailbox[func()]

	subs    []core.Subscription
	media   core.LocalMedia
	stopPCM func()
	peer    core.PeerConnection
	timer   *time.Timer
	waitFor time.Duration
	joined  bool

	closeOnce sync.Once
}

func newSession(parent context.Context, o *Orchestrator, sid domain.SessionID, role core.Role, partner domain.UserID) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		o:           o,
		id:          sid,
		role:        role,
		partner:     partner,
		ctx:         ctx,
		cancel:      cancel,
		teardownCtx: context.WithoutCancel(parent),
		presence:    app.NewPresence(o.store, sid, o.self),
		signaling:   app.NewSignaling(o.store, sid, o.self),
		messages:    app.NewMessages(o.store, sid, o.self),
		writer:      store.NewMailbox(func(job func()) { job() }),
	}
}

// post hands an event to the dispatch loop. It reports false once the
// session is over.
func (s *session) post(ev event) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.o.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) enqueue(job func(ctx context.Context)) bool {
	return s.writer.Put(func() { job(s.ctx) })
}

func (s *session) track(sub core.Subscription) {
	s.subs = append(s.subs, sub)
}

func (s *session) storeFailed(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.post(event{kind: evStoreFailed, err: err})
	}
}

// join announces presence off the loop and reports back with evJoined.
func (o *Orchestrator) join() {
	sess := o.sess
	sess.enqueue(func(ctx context.Context) {
		err := sess.presence.Announce(ctx)
		if err == nil && sess.role == core.RoleInitiator {
			err = sess.presence.EnsureMeta(ctx)
		}
		sess.post(event{kind: evJoined, err: err})
	})
}

func (o *Orchestrator) onJoined(err error) {
	sess := o.sess
	if o.Status().State != StateInitializing {
		return
	}
	if err != nil {
		o.fail(err)
		return
	}
	sess.joined = true

	sub, err := sess.messages.Observe(sess.ctx, func(msgs []domain.Message) {
		sess.post(event{kind: evMessagesChanged, messages: msgs})
	})
	if err != nil {
		o.fail(err)
		return
	}
	sess.track(sub)

	if sess.partner != "" {
		o.beginExchange(sess.partner)
		return
	}

	o.setState(StateWaitingForPartner)
	sub, err = sess.signaling.DiscoverPartner(sess.ctx, func(uid domain.UserID) {
		sess.post(event{kind: evPartnerDiscovered, uid: uid})
	})
	if err != nil {
		o.fail(err)
		return
	}
	sess.track(sub)
	o.armPartnerTimer(o.policy.PartnerTimeout())
}

func (o *Orchestrator) armPartnerTimer(d time.Duration) {
	sess := o.sess
	if d <= 0 {
		return
	}
	sess.waitFor += d
	sess.timer = time.AfterFunc(d, func() {
		sess.post(event{kind: evPartnerTimeout})
	})
}

func (o *Orchestrator) onPartnerTimeout() {
	sess := o.sess
	if o.Status().State != StateWaitingForPartner {
		return
	}
	switch o.policy.OnPartnerTimeout(sess.id, sess.waitFor) {
	case app.GiveUp:
		o.fail(core.ErrPartnerNeverJoined)
	case app.KeepWaiting:
		o.armPartnerTimer(o.policy.PartnerTimeout())
	}
}

func (o *Orchestrator) onPartnerDiscovered(uid domain.UserID) {
	if o.Status().State != StateWaitingForPartner {
		return
	}
	if o.sess.timer != nil {
		o.sess.timer.Stop()
	}
	o.sess.partner = uid
	o.update(func(s *Status) { s.PartnerUID = uid })
	o.beginExchange(uid)
}

// beginExchange creates the peer, follows the partner's signals and
// presence, and reads the partner's profile once.
func (o *Orchestrator) beginExchange(partner domain.UserID) {
	sess := o.sess
	o.setState(StateSignalingExchange)

	peer, err := o.peers.Create(sess.ctx, sess.role, sess.media)
	if err != nil {
		o.fail(wrapPeer(err))
		return
	}
	sess.peer = peer

	peer.OnOutgoingSignal(func(payload []byte) {
		sess.enqueue(func(ctx context.Context) {
			_, err := sess.signaling.Send(ctx, payload)
			sess.storeFailed(err)
		})
	})
	peer.OnRemoteTrack(func(t core.RemoteTrack) {
		sess.post(event{kind: evRemoteTrackReceived, track: t})
	})
	peer.OnStateChange(func(st core.PeerState, err error) {
		sess.post(event{kind: evPeerStateChanged, peerState: st, err: err})
	})

	sub, err := sess.signaling.Follow(sess.ctx, partner, func(env domain.SignalEnvelope) {
		sess.post(event{kind: evSignalReceived, signal: env})
	})
	if err != nil {
		o.fail(err)
		return
	}
	sess.track(sub)

	sub, err = sess.presence.WatchPeer(sess.ctx, partner, func(p domain.Presence, ok bool) {
		sess.post(event{kind: evPartnerPresence, presence: p, present: ok})
	})
	if err != nil {
		o.fail(err)
		return
	}
	sess.track(sub)

	go func() {
		profile, err := o.directory.Fetch(sess.ctx, partner)
		if err != nil {
			o.log.Warn().Err(err).Str("partner", string(partner)).Msg("partner profile unavailable")
			return
		}
		sess.post(event{kind: evPartnerProfile, profile: profile})
	}()

	if err := peer.Start(); err != nil {
		o.fail(wrapPeer(err))
	}
}

func (o *Orchestrator) onSignal(env domain.SignalEnvelope) {
	st := o.Status().State
	if o.sess.peer == nil || (st != StateSignalingExchange && st != StateConnected) {
		return
	}
	err := o.sess.peer.AcceptSignal([]byte(env.Payload))
	switch {
	case err == nil:
	case errors.Is(err, core.ErrSignalParse):
		o.log.Warn().Err(err).Str("seq", env.Seq).Msg("dropped malformed signal")
	default:
		o.fail(wrapPeer(err))
	}
}

func (o *Orchestrator) onPeerState(st core.PeerState, err error) {
	state := o.Status().State
	switch st {
	case core.PeerConnected:
		if state == StateSignalingExchange {
			o.update(func(s *Status) {
				s.State = StateConnected
				s.ConnectedAt = o.now()
			})
		}
	case core.PeerFailed:
		if state == StateSignalingExchange || state == StateConnected {
			if err == nil {
				err = core.ErrPeerConnection
			}
			o.fail(wrapPeer(err))
		}
	case core.PeerClosed:
		switch state {
		case StateConnected:
			o.log.Info().Msg("remote hung up")
			o.teardown(StateClosed, nil)
		case StateSignalingExchange:
			o.fail(wrapPeer(errors.New("closed during negotiation")))
		}
	}
}

func wrapPeer(err error) error {
	if errors.Is(err, core.ErrPeerConnection) {
		return err
	}
	return errors.Join(core.ErrPeerConnection, err)
}

// teardown releases everything the session holds, in one walk, and settles
// on final. Only the dispatch goroutine calls it.
func (o *Orchestrator) teardown(final State, cause error) {
	sess := o.sess
	sess.closeOnce.Do(func() {
		sess.cancel()
		if sess.timer != nil {
			sess.timer.Stop()
		}
		for _, sub := range sess.subs {
			sub.Unwatch()
		}
		sess.subs = nil
		if sess.stopPCM != nil {
			sess.stopPCM()
		}
		if sess.peer != nil {
			if err := sess.peer.Close(); err != nil {
				o.log.Warn().Err(err).Msg("peer close")
			}
		}
		o.capture.Release()
		o.meter.Reset()

		// queued writes see a cancelled ctx and return quickly; the final
		// ones run after them on a fresh deadline
		done := make(chan struct{})
		joined := sess.joined
		if !sess.writer.Put(func() {
			defer close(done)
			ctx, cancel := context.WithTimeout(sess.teardownCtx, teardownTimeout)
			defer cancel()
			if joined {
				if err := sess.signaling.Clear(ctx); err != nil {
					o.log.Warn().Err(err).Msg("clear signals")
				}
			}
			// hanging up always leaves a disconnected entry; failures only
			// undo a completed Announce
			leave := sess.presence.Leave
			if final == StateClosed {
				leave = sess.presence.Withdraw
			}
			if err := leave(ctx); err != nil {
				o.log.Warn().Err(err).Msg("leave roster")
			}
		}) {
			close(done)
		}
		<-done
		sess.writer.Close()

		o.mu.Lock()
		o.remote = nil
		o.mu.Unlock()
		o.update(func(s *Status) {
			s.State = final
			s.Err = cause
			s.Kind = KindOf(cause)
			s.Muted = false
			s.VideoOn = false
		})
		o.log.Info().Str("state", final.String()).Msg("session torn down")
	})
}
