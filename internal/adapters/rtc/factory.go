package rtc

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoicePair/internal/core"
)

// CodecPopulator registers encoder codecs with a media engine. The device
// source implements it so negotiated codecs match what it encodes.
type CodecPopulator interface {
	Populate(*webrtc.MediaEngine)
}

type Options struct {
	ICEServers []string
	// Codecs overrides the pion default codec set.
	Codecs CodecPopulator

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates; for same-host peers.
	IncludeLoopback bool
}

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

func DefaultOptions() Options {
	return Options{
		ICEServers:          DefaultICEServers(),
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       2 * time.Minute,
		KeepAliveInterval:   2 * time.Second,
	}
}

var _ core.PeerFactory = (*Factory)(nil)

// Factory builds pion peer connections sharing one configured API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		opts.Codecs.Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

func (f *Factory) Create(ctx context.Context, role core.Role, local core.LocalMedia) (core.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := newConnection(pc, role)
	if err := c.attach(local); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return c, nil
}
