package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/rxbox/internal/config"
	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/inbox"
	"github.com/ehr/rxbox/internal/domain/prescription"
	"github.com/ehr/rxbox/internal/platform/db"
)

// app is the wired object graph shared by the server and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry identity.Registry
	pool     *pgxpool.Pool
	store    *prescription.Store
	pipeline *inbox.Pipeline
	closers  []func()
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	registry, err := a.openRegistry(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = registry

	store, err := prescription.NewStore(cfg.DataDir, cfg.InboxDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.pipeline = inbox.NewPipeline(store, identity.NewReconciler(registry, logger), logger)

	logger.Info().
		Str("data_dir", store.DataDir()).
		Str("inbox_dir", store.InboxDir()).
		Str("registry", cfg.RegistryDriver).
		Msg("prescription store ready")
	return a, nil
}

func (a *app) openRegistry(ctx context.Context) (identity.Registry, error) {
	switch a.cfg.RegistryDriver {
	case config.RegistryMemory:
		a.logger.Warn().Msg("using in-memory patient registry, contacts are lost on exit")
		return identity.NewMemoryRegistry(), nil

	case config.RegistryPostgres:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		return identity.NewPGRegistry(pool), nil

	default:
		if err := os.MkdirAll(filepath.Dir(a.cfg.RegistryPath), 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
		reg, err := identity.OpenSQLiteRegistry(a.cfg.RegistryPath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := reg.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("closing patient registry")
			}
		})
		return reg, nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadApp is the common prologue of the commands.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(cfg, os.Stderr))
}
