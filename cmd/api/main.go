// Package main is the entry point for the streamdrop API server.
//
// It loads configuration, connects the Postgres pool, constructs the Shopify,
// Twitch, and Stripe clients, wires the issuance engine and HTTP handlers
// onto the core chassis, and runs the server alongside the Twitch token
// refresher until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"streamdrop/internal/api/handlers"
	"streamdrop/internal/billing"
	"streamdrop/internal/config"
	"streamdrop/internal/core"
	"streamdrop/internal/db"
	"streamdrop/internal/drops"
	"streamdrop/internal/external"
	"streamdrop/internal/scheduler"
	"streamdrop/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("streamdrop API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	streamerRepo := db.NewStreamerRepository(pool)
	dropRepo := db.NewDropRepository(pool)
	redemptionRepo := db.NewRedemptionRepository(pool)

	// External clients.
	clock := types.RealClock{}
	prices := external.PriceMap{
		cfg.Billing.ProPriceID:     types.PlanPro,
		cfg.Billing.CreatorPriceID: types.PlanCreator,
	}
	shopifyClient := external.NewShopifyClient(
		&http.Client{Timeout: cfg.Shopify.CallTimeout},
		external.ShopifyClientConfig{APIVersion: cfg.Shopify.APIVersion, Logger: logger},
	)
	twitchClient := external.NewTwitchClient(
		&http.Client{Timeout: 10 * time.Second},
		external.TwitchClientConfig{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			RedirectURL:  cfg.Twitch.RedirectURL,
			Logger:       logger,
		},
	)
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 10 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Prices:    prices,
			Logger:    logger,
		},
	)

	// Domain services.
	planRegistry := billing.NewStaticPlanRegistry()
	engine := drops.NewEngine(
		streamerRepo,
		dropRepo,
		shopifyClient,
		planRegistry,
		drops.NewCodeGenerator(),
		clock,
		drops.EngineConfig{
			ViewerCodeTTL: cfg.Drops.ViewerCodeTTL,
			GlobalCodeTTL: cfg.Drops.GlobalCodeTTL,
			StreamWindow:  cfg.Drops.StreamWindow,
		},
		logger,
	)
	usageReporter := billing.NewUsageReporter(dropRepo, planRegistry, clock, drops.MonthWindow)

	// Server chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, db.NewPoolProbe(pool))

	// Handlers.
	dropHandler := handlers.NewDropHandler(engine, streamerRepo, dropRepo, usageReporter, srv.Validator, logger)
	settingsHandler := handlers.NewSettingsHandler(streamerRepo, srv.Validator, logger)
	redemptionHandler := handlers.NewRedemptionHandler(streamerRepo, redemptionRepo, logger)
	connectionHandler := handlers.NewShopifyConnectionHandler(
		streamerRepo,
		shopifyClient,
		cfg.Shopify.APIVersion,
		cfg.Server.ExternalURL+"/v1/webhooks/shopify/orders",
		srv.Validator,
		logger,
	)
	authHandler := handlers.NewAuthHandler(twitchClient, streamerRepo, cfg.Environment != "local", logger)
	shopifyWebhookHandler := handlers.NewShopifyWebhookHandler(
		&external.ShopifyVerifier{},
		redemptionRepo,
		streamerRepo,
		cfg.Shopify.WebhookSecret,
		logger,
	)
	stripeWebhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		streamerRepo,
		stripeClient,
		prices,
		cfg.Billing.StripeWebhookSecret,
		logger,
	)
	adminHandler := handlers.NewAdminHandler(
		streamerRepo,
		dropRepo,
		srv.AdminKeyMiddleware,
		cfg.Admin.AllowPlanReset,
		clock,
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		dropHandler.RegisterRoutes,
		settingsHandler.RegisterRoutes,
		redemptionHandler.RegisterRoutes,
		connectionHandler.RegisterRoutes,
		authHandler.RegisterRoutes,
		shopifyWebhookHandler.RegisterRoutes,
		stripeWebhookHandler.RegisterRoutes,
		adminHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	// Background jobs.
	tokenJob := scheduler.NewTwitchTokenJob(streamerRepo, twitchClient, cfg.Twitch.RefreshInterval, clock, logger)

	return serve(ctx, srv, tokenJob, cfg, logger)
}

// serve runs the HTTP listener and the background jobs until the context is
// canceled, then drains both.
func serve(ctx context.Context, srv *core.Server, tokenJob *scheduler.TwitchTokenJob, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := tokenJob.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("token refresher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool with the configured tuning and
// verifies connectivity before the server starts accepting traffic.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
