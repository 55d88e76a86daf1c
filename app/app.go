// Package app wires configuration into a running booking line: store, model,
// extraction, dialog engine, outcome events and the session manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/catalog"
	"github.com/room4-2/bookingline/chatmodel"
	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/dialog"
	"github.com/room4-2/bookingline/events"
	"github.com/room4-2/bookingline/extraction"
	"github.com/room4-2/bookingline/gemini"
	"github.com/room4-2/bookingline/session"
	"github.com/room4-2/bookingline/store"
)

// SetupLogging configures the global zerolog logger.
func SetupLogging(level, format string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stderr
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

type App struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Store   store.Gateway
	Engine  *dialog.Engine
	Manager *session.Manager

	closers []func() error
}

// Build creates every component described by cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	model, err := NewModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return BuildWithModel(ctx, cfg, model)
}

// NewModel returns the text generation backend selected by MODEL_PROVIDER.
func NewModel(ctx context.Context, cfg *config.Config) (extraction.Model, error) {
	switch cfg.ModelProvider {
	case "openai":
		m, err := chatmodel.NewOpenAI(ctx, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return m, nil
	case "gemini", "":
		m, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.ModelProvider)
	}
}

// BuildWithModel is Build with an already constructed model.
func BuildWithModel(ctx context.Context, cfg *config.Config, model extraction.Model) (*App, error) {
	a := &App{
		Config:  cfg,
		Catalog: catalog.New(cfg.CompanyName, cfg.Services, cfg.TimeSlots),
	}

	var client *redis.Client
	connect := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		c, err := store.Connect(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		client = c
		a.closers = append(a.closers, func() error {
			// The event publisher may already have closed it.
			if err := c.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				return err
			}
			return nil
		})
		return c, nil
	}

	switch cfg.StorageBackend {
	case "memory":
		a.Store = store.NewMemoryStore()
		log.Warn().Msg("app: using in-memory conversation store, state is lost on restart")
	default:
		c, err := connect()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Store = store.NewRedisStore(c, store.WithRetention(cfg.StateRetention))
	}

	adapter := extraction.NewAdapter(model,
		extraction.WithTimeout(cfg.ExtractionTimeout),
		extraction.WithHistoryWindow(cfg.HistoryWindow),
		extraction.WithCatalog(a.Catalog),
	)

	opts := []dialog.Option{
		dialog.WithCatalog(a.Catalog),
		dialog.WithAttemptLimits(cfg.MaxAttempts, cfg.ServiceMaxAttempts),
	}
	if cfg.EventsEnabled {
		c, err := connect()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("outcome events need redis: %w", err)
		}
		pub, err := events.NewRedisPublisher(c, cfg.EventsTopicPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		// Registered after the client so it closes first.
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, dialog.WithNotifier(pub))
	}

	a.Engine = dialog.New(adapter, a.Store, opts...)
	a.Manager = session.NewManager(cfg, a.Engine)

	log.Info().
		Str("store", cfg.StorageBackend).
		Str("model", cfg.ModelProvider).
		Bool("events", cfg.EventsEnabled).
		Str("company", a.Catalog.CompanyName).
		Msg("app: components ready")
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	if a.Manager != nil {
		a.Manager.Shutdown()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
