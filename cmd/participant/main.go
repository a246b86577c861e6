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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/adapters/devices"
	router "github.com/dkeye/liveroom/internal/adapters/http"
	"github.com/dkeye/liveroom/internal/adapters/rtc"
	sig "github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/adapters/store"
	"github.com/dkeye/liveroom/internal/adapters/transport/memory"
	"github.com/dkeye/liveroom/internal/adapters/transport/redis"
	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
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
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	transport, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open transport")
	}
	defer closeTransport()

	meetings, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open meeting store")
	}
	defer closeStore()

	connections := rtc.NewFactory(cfg.WebRTC())
	deviceSet := openDevices(cfg)

	reg := session.NewRegistry(func(string) *session.Session {
		return session.New(session.Deps{
			Devices:     deviceSet,
			Transport:   transport,
			Store:       meetings,
			Connections: connections,
			Signaling:   sig.Options{SubscribeTimeout: cfg.Signaling.SubscribeTimeout},
		})
	})

	r := router.SetupRouter(ctx, cfg, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("liveroom participant started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions closed with errors")
	}
	log.Info().Msg("Server exited gracefully")
}

func openTransport(ctx context.Context, cfg *config.Config) (core.Transport, func(), error) {
	if cfg.Transport.Driver == "memory" {
		log.Warn().Str("module", "main").Msg("in-process transport: only sessions of this process meet")
		return memory.NewHub(), func() {}, nil
	}
	client, err := redis.Connect(ctx, cfg.Transport.Redis)
	if err != nil {
		return nil, nil, err
	}
	t := redis.New(client, redis.Options{
		Prefix:          cfg.Transport.Redis.Prefix,
		HeartbeatPeriod: cfg.Signaling.HeartbeatPeriod,
		PresenceTTL:     cfg.Signaling.PresenceTTL,
	})
	return t, func() { _ = client.Close() }, nil
}

func openStore(cfg *config.Config) (core.MeetingStore, func(), error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	s, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// openDevices plays media files when configured, else synthetic tracks.
func openDevices(cfg *config.Config) core.MediaDevices {
	m := cfg.Media
	if m.CameraFile == "" && m.MicrophoneFile == "" && m.ScreenFile == "" {
		log.Info().Str("module", "main").Msg("no media files configured, using synthetic devices")
		return &devices.Synthetic{}
	}
	return &devices.FileDevices{
		CameraFile:     m.CameraFile,
		MicrophoneFile: m.MicrophoneFile,
		ScreenFile:     m.ScreenFile,
	}
}
