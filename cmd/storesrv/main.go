package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoicePair/internal/adapters/http"
	"github.com/dkeye/VoicePair/internal/adapters/storews"
	"github.com/dkeye/VoicePair/internal/config"
	"github.com/dkeye/VoicePair/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to open store backend")
	}
	hub := store.NewHub(backend)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("change feed stopped")
		}
	}()

	srv := storews.NewServer(hub, storews.Options{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		SendBuffer:  cfg.SendBuffer,
		WriteLimit:  cfg.WriteLimit,
		WriteWindow: cfg.WriteWindow,
		Policy:      storews.SimplePolicy{},
	})

	r := router.SetupRouter(ctx, cfg, srv)
	addr := fmt.Sprintf(":%d", cfg.Port)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("backend", cfg.Backend).Msg("VoicePair store server started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := hub.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("Server exited gracefully")
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg.Backend != "redis" {
		return store.NewMemoryBackend(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return store.NewRedisBackend(dialCtx, cfg.RedisAddr, cfg.RedisNamespace)
}
