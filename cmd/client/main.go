package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/VoiceClient/internal/adapters/http"
	"github.com/dkeye/VoiceClient/internal/adapters/rtc"
	sig "github.com/dkeye/VoiceClient/internal/adapters/signal"
	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/session"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const redialPeriod = 3 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	user, err := domain.NewUser(cfg.User.ID, cfg.User.Name, cfg.User.Avatar)
	if err != nil && cfg.AutoJoin {
		log.Fatal().Err(err).Msg("auto_join needs a valid user.name")
	}
	if user != nil {
		// Keep one identity for every join of this process.
		cfg.User.ID = string(user.ID)
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	client := sig.NewClient(sig.Options{
		URL:        cfg.SignalURL,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
	})
	sess := session.New(session.Deps{
		Signal:    client,
		NewDevice: func() core.Device { return rtc.NewDevice(iceServers) },
		Capture: rtc.NewFileCapture(rtc.CaptureConfig{
			AudioFile:  cfg.Capture.AudioFile,
			VideoFile:  cfg.Capture.VideoFile,
			ScreenFile: cfg.Capture.ScreenFile,
			Loop:       cfg.Capture.Loop,
		}),
		Sinks:      rtc.NewSinkFactory(cfg.RecordDir),
		SinkPolicy: app.TolerantPolicy{Limit: cfg.RecordFailureLimit},
	})
	sess.OnChange(func(st session.State) {
		log.Debug().
			Str("module", "main").
			Bool("joined", st.Joined).
			Int("remote", len(st.RemoteTracks)).
			Int("participants", len(st.Participants)).
			Msg("session changed")
	})

	lost := make(chan struct{}, 1)
	client.OnDisconnect(func(cause error) {
		sess.HandleSignalLost(cause)
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	if err := client.Dial(ctx); err != nil {
		log.Fatal().Err(err).Msg("signaling unavailable")
	}
	log.Info().Str("url", cfg.SignalURL).Str("peer", string(sess.PeerID())).Msg("signaling connected")

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, sess),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("control api started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		redial(gctx, client, lost)
		return nil
	})
	if cfg.AutoJoin && cfg.Room != "" {
		g.Go(func() error {
			if err := sess.Join(gctx, domain.RoomID(cfg.Room), *user); err != nil {
				log.Error().Err(err).Str("room", cfg.Room).Msg("auto join failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sess.Close()
		client.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("client stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}

// redial reconnects signaling after each loss until ctx ends.
func redial(ctx context.Context, client *sig.Client, lost <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
		}
		t := time.NewTicker(redialPeriod)
		for {
			err := client.Dial(ctx)
			if err == nil {
				log.Info().Str("module", "main").Msg("signaling reconnected")
				break
			}
			log.Warn().Str("module", "main").Err(err).Msg("redial failed")
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		t.Stop()
	}
}
