package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/internal/app"
	"marginalia/internal/config"
	"marginalia/internal/idempotency"
	"marginalia/internal/identity"
	"marginalia/internal/logger"
	"marginalia/internal/moderation"
	"marginalia/internal/ratelimit"
	"marginalia/internal/search"
	"marginalia/internal/store"
	"marginalia/internal/verify"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "marginalia-api"})
	log := logger.Get()
	ctx := context.Background()

	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid database driver")
	}
	if dialect == store.DialectSQLite {
		if err := os.MkdirAll("./data", 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create data dir")
		}
	}

	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewSQLStore(db, dialect)

	var gatekeeper idempotency.Gatekeeper
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using Redis for idempotency keys")
		redisGatekeeper, err := idempotency.NewRedisGatekeeper(cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisGatekeeper.Close()
		gatekeeper = redisGatekeeper
	} else {
		log.Info().Str("driver", string(dialect)).Msg("using the database for idempotency keys")
		gatekeeper = idempotency.NewStoreGatekeeper(dataStore)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewSQL(dataStore))

	verifier := verify.New(cfg.TurnstileMode, verify.Options{
		Secret:    cfg.TurnstileSecret,
		VerifyURL: cfg.TurnstileVerifyURL,
		RPS:       cfg.TurnstileRPS,
	})
	if _, mock := verifier.(verify.Mock); mock {
		log.Warn().Msg("bot verification is in mock mode")
	}

	service := app.New(app.Deps{
		Store:    dataStore,
		Verifier: verifier,
		RateGuard: ratelimit.New(dataStore, ratelimit.Rules{
			IPLimit:         cfg.RateIPLimit,
			IPWindow:        cfg.RateIPWindow,
			VisitorCooldown: cfg.RateVisitorCooldown,
		}, time.Now),
		Gatekeeper:    gatekeeper,
		Fingerprinter: identity.NewFingerprinter(cfg.IPHashSalt, time.Now),
		Index:         searchService,
		Searcher:      searchService,
		Policy: moderation.Policy{
			LengthThreshold: cfg.ModerationLengthThreshold,
			URLThreshold:    cfg.ModerationURLThreshold,
			BodyMax:         cfg.BodyHTMLMax,
		},
		RepeatWindow:     cfg.RepeatQuoteWindow,
		ListDefaultLimit: cfg.ListDefaultLimit,
		ListMaxLimit:     cfg.ListMaxLimit,
	})
	if cfg.ModeratorTokenHash == "" {
		log.Warn().Msg("MODERATOR_TOKEN_HASH is empty; moderation routes are disabled")
	}

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:         cfg.CORSOrigin,
		OriginHost:         cfg.OriginHost,
		ModeratorTokenHash: cfg.ModeratorTokenHash,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("marginalia API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
