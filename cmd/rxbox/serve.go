package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/rxbox/internal/config"
	"github.com/ehr/rxbox/internal/domain/identity"
	"github.com/ehr/rxbox/internal/domain/inbox"
	"github.com/ehr/rxbox/internal/domain/prescription"
	"github.com/ehr/rxbox/internal/platform/auth"
	"github.com/ehr/rxbox/internal/platform/db"
	"github.com/ehr/rxbox/internal/platform/middleware"
)

const (
	apiPrefix         = "/api/v1"
	authIssuer        = "rxbox"
	inboxCleanupEvery = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newServer(a)

	go watchStore(ctx, a)
	go cleanInboxPeriodically(ctx, a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with every route registered.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.ImportBodyLimit, apiPrefix+"/imports"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	if cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Issuer:     authIssuer,
			Skipper:    auth.PublicSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":   "ok",
			"registry": cfg.RegistryDriver,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	api := e.Group(apiPrefix)

	contacts := identity.NewService(a.registry)
	identity.NewHandler(contacts).RegisterRoutes(api)
	prescription.NewHandler(a.store, contacts).RegisterRoutes(api)
	inbox.NewHandler(a.pipeline).RegisterRoutes(api)

	return e
}

// watchStore logs store notifications until ctx is done.
func watchStore(ctx context.Context, a *app) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-a.store.Changes():
			evt := a.logger.Debug().Int("kind", int(ch.Kind))
			if ch.PatientUID != "" {
				evt = evt.Str("uid", ch.PatientUID)
			}
			evt.Msg("store changed")
		}
	}
}

func cleanInboxPeriodically(ctx context.Context, a *app) {
	if a.cfg.InboxRetention <= 0 {
		return
	}

	ticker := time.NewTicker(inboxCleanupEvery)
	defer ticker.Stop()
	for {
		if _, err := a.store.CleanInbox(ctx, a.cfg.InboxRetention); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("inbox cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
