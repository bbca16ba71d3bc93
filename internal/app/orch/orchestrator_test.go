package orch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoicePair/internal/app"
	"github.com/dkeye/VoicePair/internal/core"
	"github.com/dkeye/VoicePair/internal/domain"
	"github.com/dkeye/VoicePair/internal/media"
	"github.com/dkeye/VoicePair/internal/store"
)

const sid = domain.SessionID("abc")

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string           { return r.id }
func (r fakeRemote) StreamID() string     { return "stream-" + r.id }
func (r fakeRemote) Kind() core.MediaKind { return core.KindAudio }

// fakePeer negotiates with plain words: offer, answer, candidate.
type fakePeer struct {
	role core.Role
	hold bool

	onSignal func([]byte)
	onTrack  func(core.RemoteTrack)
	onState  func(core.PeerState, error)

	mu       sync.Mutex
	accepted []string
	closed   bool
}

func (p *fakePeer) OnOutgoingSignal(fn func([]byte))             { p.onSignal = fn }
func (p *fakePeer) OnRemoteTrack(fn func(core.RemoteTrack))      { p.onTrack = fn }
func (p *fakePeer) OnStateChange(fn func(core.PeerState, error)) { p.onState = fn }

func (p *fakePeer) Start() error {
	if p.role == core.RoleInitiator {
		p.onSignal([]byte("offer"))
		p.onSignal([]byte("candidate"))
	}
	return nil
}

func (p *fakePeer) AcceptSignal(payload []byte) error {
	msg := string(payload)
	switch msg {
	case "offer":
		p.onSignal([]byte("answer"))
		p.onSignal([]byte("candidate"))
		p.connect()
	case "answer":
		p.connect()
	case "candidate":
	default:
		return fmt.Errorf("%w: %q", core.ErrSignalParse, msg)
	}
	p.mu.Lock()
	p.accepted = append(p.accepted, msg)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) connect() {
	if p.hold {
		return
	}
	go func() {
		p.onTrack(fakeRemote{id: "remote-" + p.role.String()})
		p.onState(core.PeerConnected, nil)
	}()
}

func (p *fakePeer) fire(st core.PeerState, err error) {
	go p.onState(st, err)
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	hold bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) Create(_ context.Context, role core.Role, _ core.LocalMedia) (core.PeerConnection, error) {
	p := &fakePeer{role: role, hold: f.hold}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

// gatedSource holds Open until the test releases it.
type gatedSource struct {
	gate chan struct{}

	mu     sync.Mutex
	opened []*media.LocalMedia
}

func (g *gatedSource) Open(_ context.Context, video bool) (*media.LocalMedia, error) {
	<-g.gate
	m, err := media.NewSyntheticSource().Open(context.Background(), video)
	if err == nil {
		g.mu.Lock()
		g.opened = append(g.opened, m)
		g.mu.Unlock()
	}
	return m, err
}

type harness struct {
	t   *testing.T
	hub *store.Hub
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, hub: store.NewHub(nil)}
}

func (h *harness) orchestrator(uid domain.UserID, conn *store.Conn, capture core.MediaCapture, peers core.PeerFactory, policy app.WaitPolicy) *Orchestrator {
	if policy == nil {
		policy = app.SimpleWaitPolicy{}
	}
	o := New(Deps{Store: conn, Capture: capture, Peers: peers, Policy: policy, Self: uid, MeterBuffer: 480})
	h.t.Cleanup(func() { _ = o.EndCall() })
	return o
}

func (h *harness) synthetic(uid domain.UserID, peers core.PeerFactory) *Orchestrator {
	return h.orchestrator(uid, h.hub.Connect(string(uid)), media.NewCapture(media.NewSyntheticSource()), peers, nil)
}

func (h *harness) roster(uid domain.UserID) (domain.Presence, bool) {
	snap, err := h.hub.Connect("reader").Get(context.Background(), core.RosterEntryPath(sid, uid))
	require.NoError(h.t, err)
	var p domain.Presence
	if err := snap.Decode(&p); err != nil {
		return p, false
	}
	return p, true
}

func (h *harness) exists(path string) bool {
	snap, err := h.hub.Connect("reader").Get(context.Background(), path)
	require.NoError(h.t, err)
	return snap.Exists()
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Status().State == want },
		3*time.Second, 5*time.Millisecond, "want %s, have %s", want, o.Status().State)
}

func activeTracks(m core.LocalMedia) int {
	n := 0
	for _, tr := range m.Tracks() {
		if !tr.Stopped() {
			n++
		}
	}
	return n
}

func connectPair(t *testing.T, h *harness) (a, b *Orchestrator, fa, fb *fakeFactory) {
	t.Helper()
	fa, fb = &fakeFactory{}, &fakeFactory{}
	a = h.synthetic("alice", fa)
	b = h.synthetic("bob", fb)
	require.NoError(t, a.Start(context.Background(), sid, ""))
	waitState(t, a, StateWaitingForPartner)
	require.NoError(t, b.Start(context.Background(), sid, "alice"))
	waitState(t, a, StateConnected)
	waitState(t, b, StateConnected)
	return a, b, fa, fb
}

func TestTwoParticipantsConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, u := range []struct{ uid, name string }{{"alice", "Alice"}, {"bob", "Bob"}} {
		p, err := domain.NewUserProfile(domain.UserID(u.uid), u.name, "")
		require.NoError(t, err)
		require.NoError(t, app.NewDirectory(h.hub.Connect("dir-"+u.uid)).Publish(ctx, p))
	}

	a, b, fa, fb := connectPair(t, h)

	sa, sb := a.Status(), b.Status()
	assert.Equal(t, core.RoleInitiator, sa.Role)
	assert.Equal(t, core.RoleResponder, sb.Role)
	assert.Equal(t, domain.UserID("bob"), sa.PartnerUID)
	assert.Equal(t, domain.UserID("alice"), sb.PartnerUID)
	assert.False(t, sa.ConnectedAt.IsZero())

	require.Eventually(t, func() bool {
		p := a.Status().Partner
		return p != nil && p.DisplayName == "Bob" && p.Connected
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.RemoteTracks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, fa.created(), 1)
	assert.Len(t, fb.created(), 1)

	meta, err := h.hub.Connect("reader").Get(ctx, core.SessionMetaPath(sid))
	require.NoError(t, err)
	var m domain.SessionMeta
	require.NoError(t, meta.Decode(&m))
	assert.Equal(t, domain.UserID("alice"), m.CreatedBy)

	require.NoError(t, a.EndCall())
	assert.Equal(t, StateClosed, a.Status().State)
	assert.True(t, fa.created()[0].isClosed())
	assert.False(t, h.exists(core.SignalsPath(sid, "alice")))
}

func TestMediaDeniedWritesNothing(t *testing.T) {
	h := newHarness(t)
	a := h.orchestrator("alice", h.hub.Connect("alice"), media.NewCapture(media.DeniedSource{}), &fakeFactory{}, nil)
	require.NoError(t, a.Start(context.Background(), sid, ""))

	<-a.Done()
	st := a.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, KindMediaAccessDenied, st.Kind)
	assert.ErrorIs(t, st.Err, core.ErrMediaAccessDenied)

	assert.False(t, h.exists(core.RosterEntryPath(sid, "alice")))
	assert.False(t, h.exists(core.SignalsPath(sid, "alice")))

	// error is absorbing
	require.NoError(t, a.EndCall())
	assert.Equal(t, StateError, a.Status().State)
	assert.ErrorIs(t, a.ToggleMute(), core.ErrNotActive)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	a := h.synthetic("alice", &fakeFactory{})
	require.NoError(t, a.Start(context.Background(), sid, ""))
	waitState(t, a, StateWaitingForPartner)

	require.NoError(t, a.SendMessage("  "))
	require.NoError(t, a.SendMessage(""))
	assert.False(t, h.exists(core.MessagesPath(sid)))

	require.NoError(t, a.SendMessage("hi"))
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := a.Messages()[0]
	assert.Equal(t, domain.UserID("alice"), msg.SenderUID)
	assert.Equal(t, "hi", msg.Text)
	assert.NotEmpty(t, msg.ID)
}

func TestMessagesSharedAndOrdered(t *testing.T) {
	h := newHarness(t)
	a, b, _, _ := connectPair(t, h)

	require.NoError(t, a.SendMessage("one"))
	require.NoError(t, b.SendMessage("two"))
	require.NoError(t, a.SendMessage("three"))

	require.Eventually(t, func() bool { return len(b.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := b.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Before(msgs[i-1]))
	}
}

func TestTransportDropFlipsPresence(t *testing.T) {
	h := newHarness(t)
	conn := h.hub.Connect("alice")
	a := h.orchestrator("alice", conn, media.NewCapture(media.NewSyntheticSource()), &fakeFactory{}, nil)
	require.NoError(t, a.Start(context.Background(), sid, ""))
	waitState(t, a, StateWaitingForPartner)

	p, ok := h.roster("alice")
	require.True(t, ok)
	assert.True(t, p.Connected)

	// nothing on the client runs; the store applies the hook
	conn.Disconnect()
	require.Eventually(t, func() bool {
		p, ok := h.roster("alice")
		return ok && !p.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestToggleMuteTwiceKeepsTracksAndPeer(t *testing.T) {
	h := newHarness(t)
	a, _, fa, _ := connectPair(t, h)

	audio := a.LocalMedia().AudioTracks()
	require.Len(t, audio, 1)
	track := audio[0]
	require.True(t, track.Enabled())

	require.NoError(t, a.ToggleMute())
	assert.False(t, track.Enabled())
	assert.True(t, a.Status().Muted)

	require.NoError(t, a.ToggleMute())
	assert.True(t, track.Enabled())
	assert.False(t, a.Status().Muted)

	assert.Same(t, track, a.LocalMedia().AudioTracks()[0])
	assert.False(t, track.Stopped())
	assert.Len(t, fa.created(), 1)
	assert.Equal(t, StateConnected, a.Status().State)
}

func TestToggleVideo(t *testing.T) {
	h := newHarness(t)
	capture := media.NewCapture(media.NewSyntheticSource())
	o := New(Deps{Store: h.hub.Connect("alice"), Capture: capture, Peers: &fakeFactory{}, Policy: app.SimpleWaitPolicy{}, Self: "alice", WantVideo: true})
	t.Cleanup(func() { _ = o.EndCall() })
	require.NoError(t, o.Start(context.Background(), sid, ""))
	waitState(t, o, StateWaitingForPartner)

	video := o.LocalMedia().VideoTracks()
	require.Len(t, video, 1)
	assert.False(t, video[0].Enabled())

	require.NoError(t, o.ToggleVideo())
	assert.True(t, video[0].Enabled())
	assert.True(t, o.Status().VideoOn)

	noVideo := h.synthetic("bob", &fakeFactory{})
	require.NoError(t, noVideo.Start(context.Background(), "other", ""))
	waitState(t, noVideo, StateWaitingForPartner)
	assert.ErrorIs(t, noVideo.ToggleVideo(), ErrNoVideo)
}

func TestEndCallFromEveryState(t *testing.T) {
	type setup func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia)

	cases := map[string]setup{
		"idle": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			o := h.synthetic("alice", &fakeFactory{})
			return o, func() core.LocalMedia { return nil }
		},
		"acquiring": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			src := &gatedSource{gate: make(chan struct{})}
			o := h.orchestrator("alice", h.hub.Connect("alice"), media.NewCapture(src), &fakeFactory{}, nil)
			require.NoError(t, o.Start(context.Background(), sid, ""))
			waitState(t, o, StateAcquiringMedia)
			t.Cleanup(func() { close(src.gate) })
			return o, func() core.LocalMedia { return nil }
		},
		"waiting": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			o := h.synthetic("alice", &fakeFactory{})
			require.NoError(t, o.Start(context.Background(), sid, ""))
			waitState(t, o, StateWaitingForPartner)
			return o, o.LocalMedia
		},
		"signaling": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			o := h.synthetic("alice", &fakeFactory{hold: true})
			require.NoError(t, o.Start(context.Background(), sid, "bob"))
			waitState(t, o, StateSignalingExchange)
			return o, o.LocalMedia
		},
		"connected": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			a, _, _, _ := connectPair(t, h)
			return a, a.LocalMedia
		},
		"error": func(t *testing.T, h *harness) (*Orchestrator, func() core.LocalMedia) {
			o := h.orchestrator("alice", h.hub.Connect("alice"), media.NewCapture(media.DeniedSource{}), &fakeFactory{}, nil)
			require.NoError(t, o.Start(context.Background(), sid, ""))
			<-o.Done()
			return o, func() core.LocalMedia { return nil }
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			o, local := build(t, h)
			lm := local()

			require.NoError(t, o.EndCall())
			require.NoError(t, o.EndCall())

			if lm != nil {
				assert.Zero(t, activeTracks(lm))
			}
			p, ok := h.roster("alice")
			switch name {
			case "idle", "error":
				// never joined: media was denied or nothing started
				assert.False(t, ok)
			default:
				assert.True(t, ok)
				assert.False(t, p.Connected)
			}
			assert.Zero(t, o.AudioLevel())
			if name != "idle" {
				assert.True(t, o.Status().State.Terminal())
			}
		})
	}
}

func TestEndCallDuringAcquisitionReleasesLateMedia(t *testing.T) {
	h := newHarness(t)
	src := &gatedSource{gate: make(chan struct{})}
	o := h.orchestrator("alice", h.hub.Connect("alice"), media.NewCapture(src), &fakeFactory{}, nil)
	require.NoError(t, o.Start(context.Background(), sid, ""))
	waitState(t, o, StateAcquiringMedia)

	require.NoError(t, o.EndCall())
	assert.Equal(t, StateClosed, o.Status().State)

	close(src.gate)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.opened) == 1 && src.opened[0].ActiveTracks() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, o.LocalMedia())
	p, ok := h.roster("alice")
	assert.True(t, ok)
	assert.False(t, p.Connected)
}

func TestPartnerLockAndSessionFull(t *testing.T) {
	h := newHarness(t)
	a, _, _, _ := connectPair(t, h)

	// a stranger appearing on the roster does not replace the partner
	require.NoError(t, h.hub.Connect("x").Write(context.Background(), core.RosterEntryPath(sid, "aaron"), domain.Presence{Connected: true}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.UserID("bob"), a.Status().PartnerUID)
	assert.Equal(t, StateConnected, a.Status().State)

	carol := h.synthetic("carol", &fakeFactory{})
	require.NoError(t, carol.Start(context.Background(), sid, ""))
	<-carol.Done()
	assert.Equal(t, KindSessionFull, carol.Status().Kind)
	assert.False(t, h.exists(core.RosterEntryPath(sid, "carol")))
}

func TestPartnerTimeout(t *testing.T) {
	h := newHarness(t)
	a := h.orchestrator("alice", h.hub.Connect("alice"), media.NewCapture(media.NewSyntheticSource()), &fakeFactory{},
		app.SimpleWaitPolicy{Timeout: 50 * time.Millisecond})
	require.NoError(t, a.Start(context.Background(), sid, ""))

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, KindPartnerNeverJoined, a.Status().Kind)
	p, ok := h.roster("alice")
	require.True(t, ok)
	assert.False(t, p.Connected)
	assert.Zero(t, activeTracks(a.LocalMedia()))
}

func TestMalformedSignalIsDropped(t *testing.T) {
	h := newHarness(t)
	// a bad payload sits ahead of the real answer
	_, err := app.NewSignaling(h.hub.Connect("bob-early"), sid, "bob").Send(context.Background(), []byte("garbage"))
	require.NoError(t, err)

	a, _, fa, _ := connectPair(t, h)
	assert.Equal(t, StateConnected, a.Status().State)
	peer := fa.created()[0]
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.NotContains(t, peer.accepted, "garbage")
	assert.Contains(t, peer.accepted, "answer")
}

func TestRemoteHangUpCloses(t *testing.T) {
	h := newHarness(t)
	_, b, _, fb := connectPair(t, h)

	fb.created()[0].fire(core.PeerClosed, nil)
	waitState(t, b, StateClosed)
	assert.Zero(t, activeTracks(b.LocalMedia()))
	p, ok := h.roster("bob")
	require.True(t, ok)
	assert.False(t, p.Connected)
}

func TestPeerFailureIsError(t *testing.T) {
	h := newHarness(t)
	a, _, fa, _ := connectPair(t, h)

	fa.created()[0].fire(core.PeerFailed, fmt.Errorf("%w: ice", core.ErrPeerConnection))
	waitState(t, a, StateError)
	assert.Equal(t, KindPeerConnection, a.Status().Kind)
	assert.Zero(t, activeTracks(a.LocalMedia()))
}

func TestContextCancelEndsCall(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	a := h.synthetic("alice", &fakeFactory{})
	require.NoError(t, a.Start(ctx, sid, ""))
	waitState(t, a, StateWaitingForPartner)

	cancel()
	<-a.Done()
	assert.Equal(t, StateClosed, a.Status().State)
	p, ok := h.roster("alice")
	require.True(t, ok)
	assert.False(t, p.Connected)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	a := h.synthetic("alice", &fakeFactory{})
	assert.Error(t, a.Start(context.Background(), "", ""))
	assert.Error(t, a.Start(context.Background(), sid, "alice"))
	assert.ErrorIs(t, a.Start(context.Background(), sid+"/roster", ""), core.ErrInvalidPath)
	assert.ErrorIs(t, a.Start(context.Background(), "", ""), domain.ErrSessionIDEmpty)
	require.NoError(t, a.Start(context.Background(), sid, ""))
	assert.ErrorIs(t, a.Start(context.Background(), sid, ""), ErrAlreadyStarted)
}

func TestSubscribeTicks(t *testing.T) {
	h := newHarness(t)
	a := h.synthetic("alice", &fakeFactory{})
	ch, cancel := a.Subscribe()
	defer cancel()
	require.NoError(t, a.Start(context.Background(), sid, ""))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
}

func TestAudioLevelRises(t *testing.T) {
	h := newHarness(t)
	a := h.synthetic("alice", &fakeFactory{})
	require.NoError(t, a.Start(context.Background(), sid, ""))
	waitState(t, a, StateWaitingForPartner)
	require.Eventually(t, func() bool { return a.AudioLevel() > 1 }, 3*time.Second, 10*time.Millisecond)
}
