package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
)

// Connection is a pion peer connection negotiated through opaque payloads
// with trickled candidates.
type Connection struct {
	pc   *webrtc.PeerConnection
	role core.Role

	onSignal func([]byte)
	onTrack  func(core.RemoteTrack)
	onState  func(core.PeerState, error)

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	cancels []func()
	last    core.PeerState
	closed  atomic.Bool
}

func newConnection(pc *webrtc.PeerConnection, role core.Role) *Connection {
	return &Connection{pc: pc, role: role, last: core.PeerConnecting}
}

// attach adds local tracks. A disabled track is swapped for nil on its
// sender until re-enabled. Missing kinds get receive-only transceivers so
// the counterpart's media still arrives.
func (c *Connection) attach(local core.LocalMedia) error {
	var audio, video int
	if local != nil {
		for _, t := range local.Tracks() {
			sender, err := c.pc.AddTrack(t.TrackLocal())
			if err != nil {
				return err
			}
			go drainRTCP(sender)
			if !t.Enabled() {
				if err := sender.ReplaceTrack(nil); err != nil {
					return err
				}
			}
			t := t
			cancel := t.OnEnabledChange(func(enabled bool) {
				if c.closed.Load() {
					return
				}
				var next webrtc.TrackLocal
				if enabled {
					next = t.TrackLocal()
				}
				if err := sender.ReplaceTrack(next); err != nil {
					log.Warn().Err(err).Str("module", "webrtc").Str("track_id", t.ID()).Msg("replace track")
				}
			})
			c.cancels = append(c.cancels, cancel)
			if t.Kind() == core.KindAudio {
				audio++
			} else {
				video++
			}
		}
	}
	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if audio == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return err
		}
	}
	if video == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) OnOutgoingSignal(fn func([]byte))             { c.onSignal = fn }
func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack))      { c.onTrack = fn }
func (c *Connection) OnStateChange(fn func(core.PeerState, error)) { c.onState = fn }

func (c *Connection) Start() error {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("role", c.role.String()).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("role", c.role.String()).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			c.report(core.PeerConnecting, nil)
		case webrtc.PeerConnectionStateConnected:
			c.report(core.PeerConnected, nil)
		case webrtc.PeerConnectionStateFailed:
			c.report(core.PeerFailed, fmt.Errorf("%w: ice failed", core.ErrPeerConnection))
		case webrtc.PeerConnectionStateClosed:
			c.report(core.PeerClosed, nil)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.closed.Load() {
			return
		}
		payload, err := encodeCandidate(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("encode candidate")
			return
		}
		c.emit(payload)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := &RemoteTrack{track: track}
		go rt.drain()
		if c.onTrack != nil && !c.closed.Load() {
			c.onTrack(rt)
		}
	})

	if c.role != core.RoleInitiator {
		return nil
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", core.ErrPeerConnection, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", core.ErrPeerConnection, err)
	}
	return c.emitDescription(offer)
}

func (c *Connection) AcceptSignal(payload []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: closed", core.ErrPeerConnection)
	}
	s, err := decodeSignal(payload)
	if err != nil {
		return err
	}
	switch s.Type {
	case typeCandidate:
		c.mu.Lock()
		if c.pc.RemoteDescription() == nil {
			c.pending = append(c.pending, *s.Candidate)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := c.pc.AddICECandidate(*s.Candidate); err != nil {
			// a stale or foreign candidate is not fatal
			log.Warn().Err(err).Str("module", "webrtc").Msg("add candidate")
		}
		return nil

	case typeOffer:
		if err := c.setRemote(s.description()); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", core.ErrPeerConnection, err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local answer: %v", core.ErrPeerConnection, err)
		}
		return c.emitDescription(answer)

	default:
		return c.setRemote(s.description())
	}
}

func (c *Connection) setRemote(d webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", core.ErrPeerConnection, d.Type, err)
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Msg("add buffered candidate")
		}
	}
	return nil
}

func (c *Connection) emitDescription(d webrtc.SessionDescription) error {
	payload, err := encodeDescription(d)
	if err != nil {
		return err
	}
	c.emit(payload)
	return nil
}

func (c *Connection) emit(payload []byte) {
	if c.onSignal != nil {
		c.onSignal(payload)
	}
}

// report forwards state changes once each; nothing after a local Close.
func (c *Connection) report(s core.PeerState, err error) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if c.last == s && s != core.PeerConnecting {
		c.mu.Unlock()
		return
	}
	c.last = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s, err)
	}
}

// Close is idempotent.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("role", c.role.String()).Msg("closed")
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

// RemoteTrack is a counterpart track. Its packets are consumed and counted.
type RemoteTrack struct {
	track *webrtc.TrackRemote
	bytes atomic.Uint64
}

func (t *RemoteTrack) ID() string       { return t.track.ID() }
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }

func (t *RemoteTrack) Kind() core.MediaKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return core.KindVideo
	}
	return core.KindAudio
}

func (t *RemoteTrack) BytesReceived() uint64 { return t.bytes.Load() }

func (t *RemoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		n, _, err := t.track.Read(buf)
		if err != nil {
			return
		}
		t.bytes.Add(uint64(n))
	}
}
