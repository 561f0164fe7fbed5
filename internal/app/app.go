// Package app wires a workspace into a ready Engine: config, database,
// backend and telemetry.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"pagegen/internal/backend"
	"pagegen/internal/backend/anthropic"
	"pagegen/internal/config"
	"pagegen/internal/db"
	"pagegen/internal/engine"
	"pagegen/internal/migrate"
	"pagegen/internal/telemetry"
)

// APIKeyEnv holds the Anthropic API key.
const APIKeyEnv = "PAGEGEN_ANTHROPIC_API_KEY"

// Options select the workspace and override config values.
type Options struct {
	Workspace string
	// Provider overrides backend.provider when set.
	Provider string
	// APIKey is the Anthropic key; empty reads APIKeyEnv.
	APIKey  string
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// App is an opened workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger telemetry.Logger
}

// Open prepares the workspace, loads pagegen.yml (defaults when absent),
// migrates the database and marks runs interrupted by a previous process as
// failed.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Provider != "" {
		cfg.Backend.Provider = opts.Provider
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	b, err := NewBackend(cfg.Backend, opts.APIKey)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg,
		engine.WithBackend(b),
		engine.WithLogger(opts.Logger),
		engine.WithMetrics(opts.Metrics),
	)
	if _, err := e.Recover(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{DB: conn, Config: cfg, Engine: e, Logger: opts.Logger}, nil
}

// Start launches the governor's background loops.
func (a *App) Start(ctx context.Context) {
	a.Engine.Governor.Start(ctx)
}

// Close cancels live runs, stops background loops and closes the database.
func (a *App) Close(ctx context.Context) error {
	err := a.Engine.Shutdown(ctx)
	err = errors.Join(err, a.Engine.Governor.Close())
	return errors.Join(err, a.DB.Close())
}

// NewBackend builds the configured content backend. Provider none yields a
// backend that always fails, so every page comes from the fallback
// generator.
func NewBackend(cfg config.BackendConfig, apiKey string) (backend.Backend, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return backend.Unavailable{}, nil
	case config.ProviderAnthropic:
		if apiKey == "" {
			apiKey = os.Getenv(APIKeyEnv)
		}
		if apiKey == "" {
			return nil, fmt.Errorf("backend provider anthropic requires %s", APIKeyEnv)
		}
		b, err := anthropic.NewFromAPIKey(apiKey, anthropic.Options{Model: cfg.Model, MaxTokens: cfg.MaxTokens})
		if err != nil {
			return nil, err
		}
		return backend.RateLimited(b, cfg.RequestsPerMinute), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}
