package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/ledger"
	"escrowflow/notify"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "escrowflow").Logger()

	var store agreement.Store = agreement.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("bootstrap database pool")
		}
		defer pool.Close()

		pgStore := agreement.NewPGStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		store = pgStore

		authRepo := auth.NewRepository(pool)
		if err := authRepo.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure auth schema")
		}
		authService := auth.NewService(authRepo, cfg.JWTSecret)
		log.Info().Bool("ready", authService != nil).Msg("identity service ready")
	}

	var notifier agreement.Notifier
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer nc.Drain()
		notifier = notify.NewPublisher(nc, log)
		log.Info().Str("url", cfg.NATSURL).Msg("event publication enabled")
	}

	svc, err := agreement.NewService(ctx, agreement.Options{
		Store:    store,
		Ledger:   ledger.NewHTTPClient(cfg.LedgerURL, log),
		Notifier: notifier,
		Admin:    cfg.AdminID,
		Logger:   log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initialize agreement service")
	}

	log.Info().
		Str("ledger_url", cfg.LedgerURL).
		Int("events_replayed", len(svc.ListEvents())).
		Msg("agreement service ready")
}
