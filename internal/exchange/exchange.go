// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package exchange implements the topic-routed pub/sub used between
// session runners and controller replicas.
//
// Delivery is at-most-once and nothing is persisted: consumers that miss
// a message refetch authoritative state from volatile storage. Two
// backends exist — an in-process broadcast for single-replica
// deployments and NATS core for clusters. Per-subscriber queues are
// bounded; a subscriber that cannot keep up is disconnected and its
// session closed with a protocol error.
package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/metrics"
)

// SubscriberQueueSize bounds the per-subscriber delivery queue.
const SubscriberQueueSize = 64

// ErrSubscriptionOverflow is reported by Subscription.Err after the
// subscriber's bounded queue overflowed and the subscription was torn down.
var ErrSubscriptionOverflow = errors.New("exchange subscription queue overflow")

// Envelope is the JSON message exchanged on every topic.
type Envelope struct {
	Module    string          `json:"module"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope stamped with the current
// time.
func NewEnvelope(module string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Module: module, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// Message is one delivered envelope together with its topic.
type Message struct {
	Topic    string
	Envelope Envelope
}

// Exchange is the pub/sub surface consumed by the signaling core.
type Exchange interface {
	// Publish sends an envelope to a topic. Publishers may be on any replica.
	Publish(ctx context.Context, topic string, env Envelope) error

	// Subscribe delivers messages from all given topics on one bounded
	// channel until the subscription is closed or overflows.
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)

	// Close shuts the backend down.
	Close() error
}

// Subscription is one consumer's bounded delivery queue.
type Subscription struct {
	c        chan Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	overflow atomic.Bool
	once     sync.Once
}

func newSubscription(parent context.Context) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		c:      make(chan Message, SubscriberQueueSize),
		cancel: cancel,
	}, ctx
}

// C returns the delivery channel. It is closed when the subscription ends;
// check Err to distinguish overflow from a normal close.
func (s *Subscription) C() <-chan Message { return s.c }

// Err returns ErrSubscriptionOverflow when the subscription was torn down
// because its queue overflowed, nil otherwise.
func (s *Subscription) Err() error {
	if s.overflow.Load() {
		return ErrSubscriptionOverflow
	}
	return nil
}

// Close ends the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		go func() {
			s.wg.Wait()
			close(s.c)
		}()
	})
}

// deliver pushes one message into the bounded queue. On overflow the whole
// subscription is torn down: the consumer must treat this as fatal.
func (s *Subscription) deliver(msg Message) {
	select {
	case s.c <- msg:
		metrics.ExchangeDelivered.Inc()
	default:
		s.overflow.Store(true)
		metrics.ExchangeDropped.Inc()
		s.Close()
	}
}

// forward consumes a watermill message stream into the subscription until
// the stream closes. Messages are always acked: delivery is at-most-once.
func (s *Subscription) forward(topic string, messages <-chan *message.Message) {
	defer s.wg.Done()
	for msg := range messages {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			msg.Ack()
			continue
		}
		msg.Ack()
		s.deliver(Message{Topic: topic, Envelope: env})
	}
}
