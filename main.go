package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/bookingline/app"
	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/server"
)

const shutdownTimeout = 10 * time.Second

type runnable interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := app.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	defer a.Close()

	var servers []runnable
	switch cfg.ServerType {
	case "websocket":
		servers = append(servers, server.NewServerWebsocket(cfg, a.Manager))
	case "twilio":
		servers = append(servers, server.NewTwilioServer(cfg, a.Manager))
	case "both":
		servers = append(servers, server.NewServerWebsocket(cfg, a.Manager), server.NewTwilioServer(cfg, a.Manager))
	default:
		log.Fatal().Str("server_type", cfg.ServerType).Msg("unknown SERVER_TYPE")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start cleanup routine
	g.Go(func() error {
		a.Manager.StartCleanupRoutine(gctx)
		return nil
	})

	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}
