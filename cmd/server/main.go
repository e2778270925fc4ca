package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/ReferralCreditService/internal/api"
	"github.com/honeynil/ReferralCreditService/internal/config"
	"github.com/honeynil/ReferralCreditService/internal/handler"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/kafka"
	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
	"github.com/honeynil/ReferralCreditService/internal/observability"
	"github.com/honeynil/ReferralCreditService/internal/repository"
	"github.com/honeynil/ReferralCreditService/internal/repository/memory"
	"github.com/honeynil/ReferralCreditService/internal/repository/postgres"
	service "github.com/honeynil/ReferralCreditService/internal/services"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// logs, metrics, traces
	shutdownObservability := observability.Setup(ctx, observability.Options{
		ServiceName:  "referral-credit-service",
		LogLevel:     cfg.LogLevel,
		LogFile:      cfg.LogFile,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		_ = shutdownObservability(context.Background())
		os.Exit(1)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownObservability(flushCtx); err != nil {
		slog.Error("failed to shut down observability", "error", err)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var cache redis.RedisClient
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer client.Close()
		cache = client
	} else {
		slog.Warn("REDIS_ADDR not set, sessions are not revocable and lookups are not cached")
	}

	var producer kafka.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewProducer(cfg.KafkaBrokers)
		defer p.Close()
		producer = p
	} else {
		slog.Warn("KAFKA_BROKERS not set, events are not published")
	}

	registry := service.NewReferralRegistry(store)
	engine := service.NewSettlementEngine(store, service.SettlementConfig{
		ReferralCredit: cfg.ReferralCredit,
		PurchaseCredit: cfg.PurchaseCredit,
		MaxRetries:     cfg.SettlementMaxRetries,
	}, producer, cache)

	h := handler.NewHandler(
		service.NewAccountService(store, registry, cache, producer, cfg.JWTSecret, cfg.JWTTTL),
		service.NewPurchaseService(store, engine, producer),
		service.NewLedgerView(store, registry, cache),
	)

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.SetupRouter(h, cache, api.RouterConfig{
			JWTSecret:       cfg.JWTSecret,
			FrontendURL:     cfg.FrontendURL,
			PublicRateLimit: cfg.PublicRateLimit,
			TrustedProxies:  cfg.TrustedProxies,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, engine, producer)
		g.Go(func() error {
			defer consumer.Close()
			slog.Info("settlement consumer started", "group_id", cfg.KafkaGroupID)
			return consumer.Consume(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store, data is lost on restart")
		return memory.NewMemoryStore(), nil
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
