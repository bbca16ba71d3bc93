package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoicePair/internal/adapters/rtc"
	"github.com/dkeye/VoicePair/internal/adapters/storews"
	"github.com/dkeye/VoicePair/internal/app"
	"github.com/dkeye/VoicePair/internal/app/orch"
	"github.com/dkeye/VoicePair/internal/config"
	"github.com/dkeye/VoicePair/internal/domain"
	"github.com/dkeye/VoicePair/internal/media"
)

const help = "commands: /mute /video /status /who /quit; anything else is sent as chat"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg, err := config.LoadCaller(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("caller failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Caller) error {
	uid := domain.UserID(cfg.UID)
	profile, err := domain.NewUserProfile(uid, cfg.DisplayName, cfg.PhotoURL)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	client, err := storews.Dial(dialCtx, cfg.StoreURL, storews.ClientOptions{
		UID:       cfg.UID,
		Token:     uuid.NewString(),
		Reconnect: true,
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer client.Close()

	dir := app.NewDirectory(client)
	if err := dir.Publish(ctx, profile); err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dir.Unpublish(c); err != nil {
			log.Warn().Err(err).Msg("unpublish")
		}
	}()

	src := pickSource(cfg)
	opts := rtc.DefaultOptions()
	opts.ICEServers = cfg.ICEServers
	if cp, ok := src.(rtc.CodecPopulator); ok {
		opts.Codecs = cp
	}
	peers, err := rtc.NewFactory(opts)
	if err != nil {
		return err
	}

	sid := domain.SessionID(cfg.Session)
	if sid == "" {
		sid = domain.NewSessionID()
	}
	partner := domain.UserID(cfg.Partner)
	if partner == "" {
		fmt.Printf("session %s created; ask your partner to join with --session %s --partner %s\n", sid, sid, uid)
	}

	o := orch.New(orch.Deps{
		Store:       client,
		Capture:     media.NewCapture(src),
		Peers:       peers,
		Policy:      app.SimpleWaitPolicy{Timeout: cfg.PartnerTimeout},
		Self:        uid,
		WantVideo:   cfg.Video,
		MeterBuffer: cfg.MeterBuffer,
	})

	updates, stopUpdates := o.Subscribe()
	defer stopUpdates()
	if err := o.Start(ctx, sid, partner); err != nil {
		return err
	}
	fmt.Println(help)

	lines := make(chan string)
	go readLines(lines)

	v := &view{o: o, dir: dir}
	for {
		select {
		case <-updates:
			v.render(ctx)
		case line, ok := <-lines:
			if !ok {
				return o.EndCall()
			}
			if quit := v.command(ctx, line); quit {
				return o.EndCall()
			}
		case <-o.Done():
			v.render(ctx)
			st := o.Status()
			if st.State == orch.StateError {
				return fmt.Errorf("%s: %w", st.Kind, st.Err)
			}
			return nil
		}
	}
}

func pickSource(cfg *config.Caller) media.Source {
	if cfg.FakeMedia {
		return media.NewSyntheticSource()
	}
	src, err := media.NewDeviceSource()
	if err != nil {
		log.Warn().Err(err).Msg("falling back to synthetic media")
		return media.NewSyntheticSource()
	}
	return src
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// view prints what changed since the last render.
type view struct {
	o   *orch.Orchestrator
	dir *app.Directory

	state    orch.State
	shown    int
	partner  string
	busy     bool
	activeOn bool
}

func (v *view) render(ctx context.Context) {
	st := v.o.Status()
	if st.State != v.state {
		v.state = st.State
		fmt.Printf("[%s]\n", st.State)
		v.onState(ctx, st)
	}
	if p := st.Partner; p != nil {
		line := fmt.Sprintf("%s (%s) connected=%t", p.DisplayName, p.UID, p.Connected)
		if line != v.partner {
			v.partner = line
			fmt.Printf("partner: %s\n", line)
		}
	}
	msgs := v.o.Messages()
	for _, m := range msgs[min(v.shown, len(msgs)):] {
		fmt.Printf("%s %s: %s\n", time.UnixMilli(m.Timestamp).Format(time.Kitchen), m.SenderUID, m.Text)
	}
	v.shown = len(msgs)
}

func (v *view) onState(ctx context.Context, st orch.Status) {
	switch st.State {
	case orch.StateWaitingForPartner:
		if v.activeOn {
			return
		}
		v.activeOn = true
		if _, err := v.dir.WatchActive(ctx, st.Self, func(users []domain.UserProfile) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, string(u.UID))
			}
			fmt.Printf("online: %s\n", strings.Join(names, ", "))
		}); err != nil {
			log.Warn().Err(err).Msg("watch active users")
		}
	case orch.StateConnected:
		v.busy = true
		if err := v.dir.SetStatus(ctx, domain.StatusBusy); err != nil {
			log.Warn().Err(err).Msg("set busy")
		}
	case orch.StateClosed, orch.StateError:
		if v.busy {
			if err := v.dir.SetStatus(ctx, domain.StatusOnline); err != nil {
				log.Warn().Err(err).Msg("set online")
			}
		}
		if st.Err != nil {
			fmt.Printf("error: %s (%v)\n", st.Kind, st.Err)
		}
	}
}

// command handles one input line and reports whether to quit.
func (v *view) command(ctx context.Context, line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/mute":
		if err := v.o.ToggleMute(); err != nil {
			fmt.Println(err)
		} else {
			fmt.Printf("muted=%t\n", v.o.Status().Muted)
		}
	case "/video":
		if err := v.o.ToggleVideo(); err != nil {
			fmt.Println(err)
		} else {
			fmt.Printf("video=%t\n", v.o.Status().VideoOn)
		}
	case "/status":
		st := v.o.Status()
		fmt.Printf("state=%s role=%s partner=%s muted=%t video=%t level=%.0f duration=%s remote=%d\n",
			st.State, st.Role, st.PartnerUID, st.Muted, st.VideoOn, v.o.AudioLevel(), st.Duration(time.Now()), len(v.o.RemoteTracks()))
		for _, t := range v.o.RemoteTracks() {
			if rt, ok := t.(*rtc.RemoteTrack); ok {
				fmt.Printf("  %s %s %d bytes\n", rt.Kind(), rt.ID(), rt.BytesReceived())
			}
		}
	case "/who":
		if p := v.o.Status().PartnerUID; p != "" {
			prof, err := v.dir.Fetch(ctx, p)
			if err != nil {
				fmt.Println(err)
				break
			}
			fmt.Printf("%s status=%s\n", prof.DisplayName, prof.Status)
		}
	case "":
	default:
		if err := v.o.SendMessage(line); err != nil {
			fmt.Println(err)
		}
	}
	return false
}
