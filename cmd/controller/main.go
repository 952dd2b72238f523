// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Command controller runs the OpenTalk conference signaling core: the
// websocket signaling endpoint, the room start endpoint and the
// authorization services, supervised as one suture tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentalk/controller/internal/api"
	"github.com/opentalk/controller/internal/authz"
	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/modules/automod"
	"github.com/opentalk/controller/internal/signaling/modules/breakout"
	"github.com/opentalk/controller/internal/signaling/modules/chat"
	"github.com/opentalk/controller/internal/signaling/modules/control"
	"github.com/opentalk/controller/internal/signaling/modules/legalvote"
	"github.com/opentalk/controller/internal/signaling/modules/media"
	"github.com/opentalk/controller/internal/signaling/modules/moderation"
	"github.com/opentalk/controller/internal/signaling/modules/recording"
	"github.com/opentalk/controller/internal/signaling/modules/recordingservice"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/ticket"
	"github.com/opentalk/controller/internal/storage"
	"github.com/opentalk/controller/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("controller exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("storage", cfg.Storage.Backend).
		Str("exchange", cfg.Exchange.Backend).
		Msg("controller starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ex, embedded, err := buildExchange(cfg)
	if err != nil {
		return err
	}
	defer ex.Close()
	if embedded != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.Timeout)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("embedded exchange server shutdown failed")
			}
		}()
	}

	adapter, err := authz.NewBadgerAdapter(cfg.Authz.PolicyDir)
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}
	defer adapter.Close()

	enforcer, err := authz.NewEnforcer(adapter)
	if err != nil {
		return err
	}
	defer enforcer.Close()
	enforcer.SetReloadNotifier(authz.PublishReloadNotifier(ex))
	enforcer.StartAutoReload(cfg.Authz.ReloadInterval)

	coord := room.NewCoordinator(store)
	tickets := ticket.NewService(store, cfg.Signaling.TicketTTL, cfg.Resumption.TTL)
	registry, err := buildRegistry(cfg, coord)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Options{
		Config:          cfg.HTTP,
		SignalingConfig: cfg.Signaling,
		Enforcer:        enforcer,
		Tickets:         tickets,
		Registry:        registry,
		Storage:         store,
		Exchange:        ex,
		Coordinator:     coord,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.HTTP.Timeout,
	})
	tree.AddMessagingService(authz.NewReloadListener(enforcer, ex))
	tree.AddAPIService(server)

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("controller stopped")
	return nil
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "redis":
		store, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect storage backend: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func buildExchange(cfg *config.Config) (exchange.Exchange, *exchange.EmbeddedServer, error) {
	if cfg.Exchange.Backend != "nats" {
		return exchange.NewLocalExchange(), nil, nil
	}

	url := cfg.Exchange.NATS.URL
	var embedded *exchange.EmbeddedServer
	if cfg.Exchange.NATS.EmbeddedServer {
		var err error
		embedded, err = exchange.NewEmbeddedServer(exchange.EmbeddedServerConfig{
			Host: cfg.Exchange.NATS.EmbeddedHost,
			Port: cfg.Exchange.NATS.EmbeddedPort,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded exchange server: %w", err)
		}
		url = embedded.ClientURL()
	}

	ex, err := exchange.NewNATSExchange(exchange.NATSConfig{
		URL:           url,
		MaxReconnects: cfg.Exchange.NATS.MaxReconnects,
		ReconnectWait: cfg.Exchange.NATS.ReconnectWait,
	}, exchange.NewWatermillLogger(logging.Logger()))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown(context.Background()) //nolint:errcheck
		}
		return nil, nil, fmt.Errorf("connect exchange backend: %w", err)
	}
	return ex, embedded, nil
}

// buildRegistry registers the signaling modules. Registration order is
// dispatch order for every session event.
func buildRegistry(cfg *config.Config, coord *room.Coordinator) (*module.Registry, error) {
	registry := module.NewRegistry()
	entries := []struct {
		namespace string
		init      module.Init
	}{
		{control.Namespace, control.NewInit(coord)},
		{moderation.Namespace, moderation.NewInit(coord)},
		{chat.Namespace, chat.NewInit(coord, cfg.Chat.HistoryLimit)},
		{recording.Namespace, recording.NewInit(coord)},
		{recordingservice.Namespace, recordingservice.NewInit(coord)},
		{automod.Namespace, automod.NewInit()},
		{legalvote.Namespace, legalvote.NewInit()},
		{media.Namespace, media.NewInit(cfg.Media)},
		{breakout.Namespace, breakout.NewInit()},
	}
	for _, e := range entries {
		if err := registry.Register(e.namespace, e.init); err != nil {
			return nil, fmt.Errorf("register module %s: %w", e.namespace, err)
		}
	}
	return registry, nil
}
