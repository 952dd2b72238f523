// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package authz

import (
	"context"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
)

// reloadMessage is the (empty) payload published on the reload topic.
type reloadMessage struct{}

// PublishReloadNotifier returns the notifier callback wiring policy
// writes to the exchange, so every replica reloads its snapshot.
func PublishReloadNotifier(ex exchange.Exchange) func(ctx context.Context) {
	return func(ctx context.Context) {
		env, err := exchange.NewEnvelope("authz", reloadMessage{})
		if err != nil {
			logging.Error().Err(err).Msg("build authz reload envelope")
			return
		}
		if err := ex.Publish(ctx, exchange.TopicAuthzReload, env); err != nil {
			logging.Error().Err(err).Msg("publish authz reload notification")
		}
	}
}

// ReloadListener reloads the enforcer snapshot whenever another replica
// announces a policy write. Runs as a supervised service.
type ReloadListener struct {
	enforcer *Enforcer
	exchange exchange.Exchange
}

// NewReloadListener creates the listener.
func NewReloadListener(enforcer *Enforcer, ex exchange.Exchange) *ReloadListener {
	return &ReloadListener{enforcer: enforcer, exchange: ex}
}

// Serve implements suture.Service: it blocks until the context ends.
func (l *ReloadListener) Serve(ctx context.Context) error {
	sub, err := l.exchange.Subscribe(ctx, exchange.TopicAuthzReload)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			if err := l.enforcer.Reload(); err != nil {
				logging.Error().Err(err).Msg("reload authz policy snapshot")
			} else {
				logging.Debug().Msg("authz policy snapshot reloaded")
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (l *ReloadListener) String() string { return "authz-reload-listener" }
