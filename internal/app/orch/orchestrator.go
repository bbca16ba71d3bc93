// Package orch drives one two-party call from device acquisition to
// teardown. Every capability callback becomes an event consumed by a single
// dispatch goroutine, so state is only ever mutated there.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/app"
	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
	"github.com/dkeye/VoicePair/internal/media"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNoVideo        = errors.New("no video track captured")
)

const (
	eventBuffer     = 256
	teardownTimeout = 10 * time.Second
)

type Deps struct {
	Store   core.SignalStore
	Capture core.MediaCapture
	Peers   core.PeerFactory
	// Policy defaults to app.DefaultPartnerTimeout then give up.
	Policy app.WaitPolicy

	Self      domain.UserID
	WantVideo bool
	// MeterBuffer is the number of samples per level update.
	MeterBuffer int
}

type Orchestrator struct {
	store     core.SignalStore
	capture   core.MediaCapture
	peers     core.PeerFactory
	policy    app.WaitPolicy
	directory *app.Directory
	self      domain.UserID
	wantVideo bool
	meter     *media.Meter
	now       func() time.Time

	events   chan event
	finished chan struct{}
	started  atomic.Bool

	// sess is owned by the dispatch goroutine.
	sess *session

	mu       sync.RWMutex
	status   Status
	local    core.LocalMedia
	remote   []core.RemoteTrack
	messages []domain.Message

	subsMu sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64

	log zerolog.Logger
}

func New(d Deps) *Orchestrator {
	policy := d.Policy
	if policy == nil {
		policy = app.SimpleWaitPolicy{Timeout: app.DefaultPartnerTimeout}
	}
	return &Orchestrator{
		store:     d.Store,
		capture:   d.Capture,
		peers:     d.Peers,
		policy:    policy,
		directory: app.NewDirectory(d.Store),
		self:      d.Self,
		wantVideo: d.WantVideo,
		meter:     media.NewMeter(d.MeterBuffer, media.DefaultMeterSmoothing, nil),
		now:       time.Now,
		events:    make(chan event, eventBuffer),
		finished:  make(chan struct{}),
		subs:      make(map[uint64]chan struct{}),
		status:    Status{Self: d.Self, State: StateIdle},
		log:       log.With().Str("module", "orch").Str("uid", string(d.Self)).Logger(),
	}
}

// Start enters session sid. With partner empty this participant is the
// initiator and waits for a counterpart on the roster; otherwise it
// responds to partner. Start returns at once; progress is observed through
// Status and Subscribe. Cancelling ctx ends the call.
func (o *Orchestrator) Start(ctx context.Context, sid domain.SessionID, partner domain.UserID) error {
	if err := sid.Validate(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidPath, err)
	}
	if err := o.self.Validate(); err != nil {
		return err
	}
	if partner != "" {
		if err := partner.Validate(); err != nil {
			return err
		}
		if partner == o.self {
			return errors.New("partner must differ from self")
		}
	}
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	role := core.RoleResponder
	if partner == "" {
		role = core.RoleInitiator
	}
	o.sess = newSession(ctx, o, sid, role, partner)
	o.log = o.log.With().Str("sid", string(sid)).Logger()

	o.update(func(s *Status) {
		s.SessionID = sid
		s.Role = role
		s.PartnerUID = partner
		s.State = StateAcquiringMedia
	})
	o.log.Info().Str("role", role.String()).Str("partner", string(partner)).Msg("session starting")

	go o.loop()
	go o.acquire(o.sess)
	go func() {
		select {
		case <-ctx.Done():
			_ = o.EndCall()
		case <-o.finished:
		}
	}()
	return nil
}

func (o *Orchestrator) loop() {
	defer close(o.finished)
	for ev := range o.events {
		o.dispatch(ev)
		if o.Status().State.Terminal() {
			o.drainActions()
			return
		}
	}
}

// drainActions answers actions that raced with teardown.
func (o *Orchestrator) drainActions() {
	for {
		select {
		case ev := <-o.events:
			if ev.action != nil {
				ev.action.reply <- o.terminalReply(ev.action.kind)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) terminalReply(kind actionKind) error {
	if kind == actEndCall {
		return nil
	}
	return core.ErrNotActive
}

func (o *Orchestrator) dispatch(ev event) {
	o.log.Debug().Str("event", ev.kind.String()).Str("state", o.Status().State.String()).Msg("dispatch")
	switch ev.kind {
	case evMediaAcquired:
		o.onMediaAcquired(ev.media)
	case evMediaFailed:
		o.fail(ev.err)
	case evJoined:
		o.onJoined(ev.err)
	case evPartnerDiscovered:
		o.onPartnerDiscovered(ev.uid)
	case evSignalReceived:
		o.onSignal(ev.signal)
	case evRemoteTrackReceived:
		o.mu.Lock()
		o.remote = append(o.remote, ev.track)
		o.mu.Unlock()
		o.notify()
	case evPeerStateChanged:
		o.onPeerState(ev.peerState, ev.err)
	case evPartnerProfile:
		o.update(func(s *Status) {
			p := domain.NewParticipant(s.PartnerUID, ev.profile, presenceOf(s.Partner))
			s.Partner = &p
		})
	case evPartnerPresence:
		o.update(func(s *Status) {
			p := domain.NewParticipant(s.PartnerUID, nil, domain.Presence{})
			if s.Partner != nil {
				p = *s.Partner
			}
			p.Connected = ev.present && ev.presence.Connected
			p.Timestamp = ev.presence.Timestamp
			s.Partner = &p
		})
	case evMessagesChanged:
		o.mu.Lock()
		o.messages = ev.messages
		o.mu.Unlock()
		o.notify()
	case evPartnerTimeout:
		o.onPartnerTimeout()
	case evStoreFailed:
		o.log.Warn().Err(ev.err).Msg("store failure")
		o.update(func(s *Status) { s.StoreErr = ev.err })
	case evUserAction:
		if done, err := o.onAction(ev.action); done {
			ev.action.reply <- err
		}
	}
}

func presenceOf(p *domain.Participant) domain.Presence {
	if p == nil {
		return domain.Presence{}
	}
	return domain.Presence{Connected: p.Connected, Timestamp: p.Timestamp}
}

// onAction reports done=false when the reply is sent later by the writer.
func (o *Orchestrator) onAction(a *userAction) (done bool, err error) {
	state := o.Status().State
	if state.Terminal() {
		return true, o.terminalReply(a.kind)
	}
	switch a.kind {
	case actToggleMute:
		return true, o.toggleMute()
	case actToggleVideo:
		return true, o.toggleVideo()
	case actSendMessage:
		return o.sendMessage(a.text, a.reply)
	case actEndCall:
		o.teardown(StateClosed, nil)
	}
	return true, nil
}

// do runs a user action on the dispatch goroutine and waits for its result.
func (o *Orchestrator) do(kind actionKind, text string) error {
	if !o.started.Load() {
		return o.terminalReply(kind)
	}
	a := &userAction{kind: kind, text: text, reply: make(chan error, 1)}
	select {
	case o.events <- event{kind: evUserAction, action: a}:
	case <-o.finished:
		return o.terminalReply(kind)
	}
	select {
	case err := <-a.reply:
		return err
	case <-o.finished:
		select {
		case err := <-a.reply:
			return err
		default:
			return o.terminalReply(kind)
		}
	}
}

func (o *Orchestrator) ToggleMute() error  { return o.do(actToggleMute, "") }
func (o *Orchestrator) ToggleVideo() error { return o.do(actToggleVideo, "") }

// SendMessage appends text to the session log. Blank text writes nothing.
func (o *Orchestrator) SendMessage(text string) error { return o.do(actSendMessage, text) }

// EndCall tears the session down from any state and returns once every
// resource was released. Idempotent.
func (o *Orchestrator) EndCall() error { return o.do(actEndCall, "") }

// Done is closed once the session reached Closed or Error.
func (o *Orchestrator) Done() <-chan struct{} { return o.finished }

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.status
	if s.Partner != nil {
		p := *s.Partner
		s.Partner = &p
	}
	return s
}

func (o *Orchestrator) LocalMedia() core.LocalMedia {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.local
}

func (o *Orchestrator) RemoteTracks() []core.RemoteTrack {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]core.RemoteTrack(nil), o.remote...)
}

func (o *Orchestrator) Messages() []domain.Message {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]domain.Message(nil), o.messages...)
}

// AudioLevel is the smoothed local loudness in [0, media.MaxLevel]. It is
// polled, not notified.
func (o *Orchestrator) AudioLevel() float64 { return o.meter.Level() }

// Subscribe returns a channel that receives a tick after observable state
// changed. Ticks coalesce; read Status and friends after each.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.subsMu.Lock()
	o.nextID++
	id := o.nextID
	o.subs[id] = ch
	o.subsMu.Unlock()
	return ch, func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	prev := o.status.State
	fn(&o.status)
	next := o.status.State
	o.mu.Unlock()
	if prev != next {
		o.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("state")
	}
	o.notify()
}

func (o *Orchestrator) setState(s State) {
	o.update(func(st *Status) { st.State = s })
}

// fail moves to Error, releasing everything. Errors after a terminal state
// are ignored.
func (o *Orchestrator) fail(err error) {
	if o.Status().State.Terminal() {
		return
	}
	o.log.Error().Err(err).Str("kind", string(KindOf(err))).Msg("session failed")
	o.teardown(StateError, err)
}
