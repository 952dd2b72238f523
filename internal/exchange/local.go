// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package exchange

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/metrics"
)

// LocalExchange is the in-process backend: a watermill GoChannel broadcast
// with per-subscriber bounded queues. Used for single-replica and test
// deployments.
type LocalExchange struct {
	pubsub *gochannel.GoChannel
}

// NewLocalExchange creates the in-process exchange.
func NewLocalExchange() *LocalExchange {
	return &LocalExchange{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: SubscriberQueueSize,
		}, watermill.NopLogger{}),
	}
}

var _ Exchange = (*LocalExchange)(nil)

// Publish sends an envelope to all current subscribers of the topic.
func (l *LocalExchange) Publish(_ context.Context, topic string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := l.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), raw)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.ExchangePublished.Inc()
	return nil
}

// Subscribe starts delivery for all given topics on one bounded channel.
func (l *LocalExchange) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	sub, subCtx := newSubscription(ctx)
	for _, topic := range topics {
		messages, err := l.pubsub.Subscribe(subCtx, topic)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		sub.wg.Add(1)
		go sub.forward(topic, messages)
	}
	return sub, nil
}

// Close shuts the broadcast down; all subscriptions end.
func (l *LocalExchange) Close() error {
	return l.pubsub.Close()
}
