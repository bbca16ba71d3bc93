// Package media owns local capture: device tracks with enable flags, the
// capture lifecycle and the loudness meter.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoicePair/internal/core"
	"github.com/pion/webrtc/v4"
)

var _ core.LocalTrack = (*Track)(nil)

// Track wraps a device track. Disabling keeps the device open.
type Track struct {
	kind  core.MediaKind
	local webrtc.TrackLocal
	stop  func()

	enabled atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	listeners map[uint64]func(bool)
	next      uint64
}

func NewTrack(kind core.MediaKind, local webrtc.TrackLocal, stop func()) *Track {
	t := &Track{
		kind:      kind,
		local:     local,
		stop:      stop,
		listeners: make(map[uint64]func(bool)),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                    { return t.local.ID() }
func (t *Track) Kind() core.MediaKind          { return t.kind }
func (t *Track) Enabled() bool                 { return t.enabled.Load() }
func (t *Track) Stopped() bool                 { return t.stopped.Load() }
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) == enabled {
		return
	}
	t.mu.Lock()
	fns := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(enabled)
	}
}

func (t *Track) OnEnabledChange(fn func(bool)) func() {
	t.mu.Lock()
	t.next++
	id := t.next
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Stop releases the device. Idempotent.
func (t *Track) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.stop != nil {
		t.stop()
	}
}
