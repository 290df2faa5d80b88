package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duetlabs/duet/internal/gateway"
	"github.com/duetlabs/duet/internal/httpapi"
	"github.com/duetlabs/duet/internal/realtime"
	"github.com/duetlabs/duet/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	zerolog.SetGlobalLevel(logLevel())
	log.Logger = log.With().Str("service", "duet").Logger()

	cfg, err := loadConfig(getEnv("DUET_CONFIG", "config.yaml"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	channel, err := realtime.Connect(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer channel.Close()

	sessions := store.NewPostgres(pool)

	bridge := gateway.NewBridge(channel.Conn())
	hub := gateway.NewHub(gateway.DefaultHubConfig(), bridge.Inbound)
	go hub.Run(ctx)
	if err := bridge.Start(hub); err != nil {
		return err
	}
	defer bridge.Stop(ctx)

	api := httpapi.NewHandler(sessions, channel, log.Logger)
	srv := setupServer(cfg, api, hub)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
