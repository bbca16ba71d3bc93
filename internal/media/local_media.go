package media

import (
	"sync"

	"github.com/dkeye/VoicePair/internal/core"
)

var _ core.LocalMedia = (*LocalMedia)(nil)

// LocalMedia is the set of tracks one acquisition produced plus the raw
// microphone tap.
type LocalMedia struct {
	tracks []*Track

	mu   sync.RWMutex
	taps map[uint64]func([]int16)
	next uint64

	closeOnce sync.Once
	onClose   []func()
}

func NewLocalMedia(tracks ...*Track) *LocalMedia {
	return &LocalMedia{tracks: tracks, taps: make(map[uint64]func([]int16))}
}

func (m *LocalMedia) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *LocalMedia) byKind(kind core.MediaKind) []core.LocalTrack {
	var out []core.LocalTrack
	for _, t := range m.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (m *LocalMedia) AudioTracks() []core.LocalTrack { return m.byKind(core.KindAudio) }
func (m *LocalMedia) VideoTracks() []core.LocalTrack { return m.byKind(core.KindVideo) }

func (m *LocalMedia) OnPCM(fn func([]int16)) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	m.taps[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.taps, id)
		m.mu.Unlock()
	}
}

// EmitPCM hands samples captured for track to the taps. A disabled track
// yields silence, the same as a muted microphone.
func (m *LocalMedia) EmitPCM(track *Track, pcm []int16) {
	if track.Stopped() {
		return
	}
	if !track.Enabled() {
		pcm = make([]int16, len(pcm))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fn := range m.taps {
		fn(pcm)
	}
}

// OnClose registers cleanup that runs once after every track stopped.
func (m *LocalMedia) OnClose(fn func()) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// Stop stops every track. Idempotent.
func (m *LocalMedia) Stop() {
	m.closeOnce.Do(func() {
		for _, t := range m.tracks {
			t.Stop()
		}
		m.mu.Lock()
		fns := m.onClose
		m.taps = make(map[uint64]func([]int16))
		m.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// ActiveTracks counts tracks that still hold a device.
func (m *LocalMedia) ActiveTracks() int {
	n := 0
	for _, t := range m.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}
