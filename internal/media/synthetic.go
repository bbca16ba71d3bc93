package media

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/core"
)

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource generates a tone instead of reading a microphone. Audio
// goes out as Opus silence frames; the tone only feeds the PCM tap. Used by
// headless callers and tests.
type SyntheticSource struct {
	SampleRate int
	FrameSize  int
	Frequency  float64
	Amplitude  float64
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{SampleRate: 48000, FrameSize: 960, Frequency: 440, Amplitude: 0.3}
}

func (s *SyntheticSource) Open(ctx context.Context, wantVideo bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "voicepair-" + uuid.NewString()[:8]
	audioLocal, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString()[:8], stream)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	audio := NewTrack(core.KindAudio, audioLocal, nil)
	tracks := []*Track{audio}

	var videoLocal *webrtc.TrackLocalStaticSample
	if wantVideo {
		videoLocal, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+uuid.NewString()[:8], stream)
		if err != nil {
			cancel()
			return nil, err
		}
		tracks = append(tracks, NewTrack(core.KindVideo, videoLocal, nil))
	}

	m := NewLocalMedia(tracks...)
	m.OnClose(cancel)
	go s.pump(runCtx, m, audio, audioLocal)
	return m, nil
}

func (s *SyntheticSource) pump(ctx context.Context, m *LocalMedia, audio *Track, local *webrtc.TrackLocalStaticSample) {
	frame := time.Duration(s.FrameSize) * time.Second / time.Duration(s.SampleRate)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * s.Frequency / float64(s.SampleRate)
	pcm := make([]int16, s.FrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range pcm {
			pcm[i] = int16(s.Amplitude * 32767 * math.Sin(phase))
			phase += step
		}
		phase = math.Mod(phase, 2*math.Pi)
		m.EmitPCM(audio, pcm)
		if !audio.Enabled() {
			continue
		}
		if err := local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frame}); err != nil {
			log.Debug().Err(err).Str("module", "media.synthetic").Msg("write sample")
		}
	}
}
