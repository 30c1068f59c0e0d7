package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"chatwire/internal/adapter/gateway"
	"chatwire/internal/adapter/pubsub"
	"chatwire/internal/adapter/store"
	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
	"chatwire/internal/infra/logger"
	"chatwire/internal/infra/tracer"
	"chatwire/internal/usecase/chat"
	"chatwire/internal/usecase/feed"
)

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Store
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	// 4. Change-event bus
	bus, err := buildBus(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer bus.Close()

	// 5. Chat service
	svc := chat.NewService(st, feed.NewEmitter(bus, log), log)

	// 6. Gateway
	auth, err := buildAuth(cfg, log)
	if err != nil {
		return fmt.Errorf("gateway keys: %w", err)
	}
	srv, err := gateway.NewServer(cfg.Gateway, svc, bus, auth, log)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 7. Retention
	if cfg.Retention.Enabled {
		retention := feed.NewRetention(st, cfg.Retention, log)
		if err := retention.Start(ctx); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		defer retention.Stop()
	}

	log.Info("chatwire starting",
		"addr", cfg.Gateway.Addr,
		"store", cfg.Store.Path,
		"pubsub", cfg.PubSub.Backend,
		"retention", cfg.Retention.Enabled,
	)

	// Start blocks until the signal context is cancelled, then shuts down.
	return srv.Start(ctx)
}

// buildBus picks the change-feed backend. Memory serves a single gateway
// process; redis fans events out across several.
func buildBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.Bus, error) {
	switch cfg.PubSub.Backend {
	case "", "memory":
		return pubsub.NewMemoryBus(cfg.PubSub.Buffer, log), nil
	case "redis":
		return pubsub.NewRedisBus(ctx, cfg.PubSub.Redis, cfg.PubSub.Buffer, log)
	default:
		return nil, fmt.Errorf("unknown pubsub backend %q", cfg.PubSub.Backend)
	}
}

func buildAuth(cfg *config.Config, log *slog.Logger) (gateway.Authenticator, error) {
	if len(cfg.Gateway.Keys) == 0 {
		log.Warn("no gateway keys configured, accepting any token")
		return gateway.AllowAll(), nil
	}
	return gateway.NewKeyAuth(cfg.Gateway.Keys)
}
