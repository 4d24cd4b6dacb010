package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/account"
	"github.com/fanforge/socialcore/internal/config"
	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/limiter"
	"github.com/fanforge/socialcore/internal/oauth"
	"github.com/fanforge/socialcore/internal/publish"
	"github.com/fanforge/socialcore/internal/refresh"
	"github.com/fanforge/socialcore/internal/secrets"
	"github.com/fanforge/socialcore/internal/server"
	"github.com/fanforge/socialcore/internal/store/postgres"
	redisstore "github.com/fanforge/socialcore/internal/store/redis"
	"github.com/fanforge/socialcore/internal/webhook"
)

// stateTTL bounds how long an authorization redirect may stay pending.
const stateTTL = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("SOCIALCORE_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("SOCIALCORE_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis (OAuth state, refresh leases, reauth notices).
	rds, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rds.Close()

	// Token encryption.
	cipher, err := secrets.NewCipher(cfg.Crypto.MasterKey, cfg.Crypto.KeyIDs, cfg.Crypto.ActiveKeyID)
	if err != nil {
		return err
	}

	// OAuth providers and the connect flow.
	tiktok := oauth.NewTikTokProvider(cfg.TikTok.ClientID, cfg.TikTok.ClientSecret, cfg.TikTok.RedirectURL)
	instagram := oauth.NewInstagramProvider(cfg.Instagram.ClientID, cfg.Instagram.ClientSecret, cfg.Instagram.RedirectURL)

	flow := oauth.NewFlow(rds, store.Accounts(), cipher, stateTTL)
	flow.Register(tiktok)
	flow.Register(instagram)

	// Account lifecycle service; inline refresh reuses the flow's providers.
	accountSvc := account.NewService(store.Accounts(), flow, cipher, cfg.Refresh.SafetyMargin, rds)
	accountSvc.RegisterRefresher(domain.ProviderTikTok, tiktok)
	accountSvc.RegisterRefresher(domain.ProviderInstagram, instagram)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Publishing: per-account throttle, pending quota, platform clients.
	lim := limiter.New(ctx, cfg.Limits.RequestsPerMinute, time.Minute)
	publishSvc := publish.NewService(store.Accounts(), store.Posts(), accountSvc, lim,
		cfg.Limits.PendingQuota, cfg.Limits.QuotaWindow)
	publishSvc.RegisterPublisher(domain.ProviderTikTok, publish.NewTikTokClient(cfg.TikTok.APIBaseURL, http.DefaultClient))
	publishSvc.RegisterPublisher(domain.ProviderInstagram, publish.NewInstagramClient(cfg.Instagram.APIBaseURL, http.DefaultClient))

	// Webhook ingestion and asynchronous event processing.
	ingress := webhook.NewIngress(store.Events())
	ingress.RegisterSecret(domain.ProviderTikTok, cfg.TikTok.WebhookSecret)
	ingress.RegisterSecret(domain.ProviderInstagram, cfg.Instagram.WebhookSecret)

	processor := webhook.NewProcessor(store.Events(), webhook.ProcessorConfig{
		Workers:      cfg.Worker.Count,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
		Lease:        cfg.Worker.ClaimLease,
		BackoffBase:  cfg.Worker.BackoffBase,
		BackoffCap:   cfg.Worker.BackoffCap,
		MaxAttempts:  cfg.Worker.MaxAttempts,
	})
	go processor.Run(ctx)

	// Proactive token refresh, coordinated across replicas via Redis leases.
	scheduler := refresh.NewScheduler(store.Accounts(), accountSvc, rds, refresh.Config{
		Interval:   cfg.Refresh.Interval,
		Lookahead:  cfg.Refresh.Lookahead,
		LeaseTTL:   cfg.Refresh.LeaseTTL,
		BatchSize:  cfg.Refresh.BatchSize,
		MaxBackoff: cfg.Refresh.MaxBackoff,
	})
	go scheduler.Run(ctx)

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, accountSvc, publishSvc, ingress, store.Events())

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
