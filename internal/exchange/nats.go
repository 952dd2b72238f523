// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/opentalk/controller/internal/metrics"
)

// NATSConfig holds the shared exchange backend settings.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSExchange is the shared backend: NATS core pub/sub without JetStream.
// Delivery is at-most-once by construction; consumers that miss messages
// refetch authoritative state from volatile storage.
type NATSExchange struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[any]
}

// NewNATSExchange connects publisher and subscriber to the NATS server.
func NewNATSExchange(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSExchange, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("exchange disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("exchange reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	publisher, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create exchange publisher: %w", err)
	}

	subscriber, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		NatsOptions:      natsOpts,
		SubscribersCount: 1,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create exchange subscriber: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: "exchange-publish",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 10 * time.Second,
	})

	return &NATSExchange{
		publisher:  publisher,
		subscriber: subscriber,
		breaker:    breaker,
	}, nil
}

var _ Exchange = (*NATSExchange)(nil)

// Publish sends an envelope through the circuit breaker. A tripped breaker
// fails fast while the NATS connection recovers.
func (n *NATSExchange) Publish(_ context.Context, topic string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = n.breaker.Execute(func() (any, error) {
		return nil, n.publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), raw))
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.ExchangePublished.Inc()
	return nil
}

// Subscribe starts delivery for all given topics on one bounded channel.
func (n *NATSExchange) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	sub, subCtx := newSubscription(ctx)
	for _, topic := range topics {
		messages, err := n.subscriber.Subscribe(subCtx, topic)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		sub.wg.Add(1)
		go sub.forward(topic, messages)
	}
	return sub, nil
}

// Close shuts both connections down.
func (n *NATSExchange) Close() error {
	pubErr := n.publisher.Close()
	subErr := n.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
