// Package main is the entry point for the VPN shop bot.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vpn-shop-bot/internal/bot"
	"vpn-shop-bot/internal/config"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/pkg/cursor"
	"vpn-shop-bot/internal/pkg/db"
	"vpn-shop-bot/internal/pkg/events"
	"vpn-shop-bot/internal/pkg/lock"
	"vpn-shop-bot/internal/pkg/tracing"
	"vpn-shop-bot/internal/repository"
	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/webhook"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().Msg("Configuration loaded successfully")

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, "vpn-shop-bot")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := db.Migrate(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool.Pool)
	txRepo := repository.NewTransactionRepository(dbPool.Pool)
	discountRepo := repository.NewDiscountRepository(dbPool.Pool)
	cardRepo := repository.NewBankCardRepository(dbPool.Pool)
	paymentAdminRepo := repository.NewPaymentAdminRepository(dbPool.Pool)
	planRepo := repository.NewPlanRepository(dbPool.Pool)
	serverRepo := repository.NewServerRepository(dbPool.Pool)
	accountRepo := repository.NewRemoteAccountRepository(dbPool.Pool)
	jobRepo := repository.NewProvisioningJobRepository(dbPool.Pool)
	cleanupRepo := repository.NewCleanupRepository(dbPool.Pool)

	// Card rotation cursor
	cur, closeCursor := newCursor(ctx, cfg)
	defer closeCursor()

	publisher := events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to flush events")
		}
	}()

	panelClient := panel.NewXUIClient(cfg.Panel.Timeout)
	policy := service.RetryPolicy{
		MaxRetries:        cfg.Provisioning.MaxRetries,
		InitialBackoff:    cfg.Provisioning.InitialBackoff,
		BackoffMultiplier: cfg.Provisioning.BackoffMultiplier,
	}

	// Initialize services
	accountService := service.NewAccountService(userRepo, txRepo, accountRepo)
	discountService := service.NewDiscountService(discountRepo)
	rotator := service.NewRotator(cardRepo, paymentAdminRepo, cur, cfg.Admin.IDs, time.Now)
	ledger := service.NewLedger(txRepo, userRepo, discountService, publisher, time.Now)
	paymentService := service.NewPaymentService(ledger, discountService, rotator, planRepo, service.ManualReview{}, time.Now)
	provisioner := service.NewProvisioner(txRepo, userRepo, planRepo, serverRepo, accountRepo, panelClient, publisher, policy, time.Now)
	// Migration and audit repair serialize on the same account
	accountLocks := lock.NewKeyLock()
	migrator := service.NewMigrator(accountRepo, serverRepo, cleanupRepo, panelClient, publisher, policy, accountLocks)

	// Completed purchases go through the outbox to the worker pool
	dispatcher := service.NewDispatcher(provisioner, jobRepo, cfg.Provisioning.Workers, cfg.Provisioning.QueueSize, time.Minute)
	ledger.SetEnqueuer(dispatcher)
	auditor := service.NewAuditor(txRepo, serverRepo, accountRepo, cleanupRepo, panelClient, publisher, dispatcher, policy, accountLocks, time.Now)

	// Initialize bot
	telegramBot, err := bot.New(&bot.Dependencies{
		Config:         cfg,
		AccountService: accountService,
		PaymentService: paymentService,
		Provisioner:    provisioner,
		Migrator:       migrator,
		Auditor:        auditor,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	notifier := bot.NewNotifier(telegramBot.GetBot(), cfg.Admin.IDs)
	ledger.SetNotifier(notifier)
	paymentService.SetNotifier(notifier)
	provisioner.SetNotifier(notifier)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		auditor.RunEvery(gctx, cfg.Audit.Interval)
		return nil
	})
	g.Go(func() error {
		return webhook.NewServer(paymentService, cfg.Gateway.Secret).Run(gctx, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		telegramBot.Stop()
		return nil
	})

	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Background worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
	log.Info().Msg("Bot stopped gracefully")
}

// newCursor keeps the card cursor in Redis when configured, in memory otherwise.
func newCursor(ctx context.Context, cfg *config.Config) (cursor.Store, func()) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("No Redis configured, card rotation cursor kept in memory")
		return cursor.NewMemoryStore(), func() {}
	}

	store, err := cursor.NewRedisStore(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cursor.DefaultKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis")
		}
	}
}
