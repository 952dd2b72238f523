// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package metrics exposes the Prometheus instrumentation of the signaling
// core: session lifecycle, websocket traffic, exchange delivery, storage
// locks and authorization decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts accepted signaling sessions.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_sessions_started_total",
		Help: "Total number of signaling sessions that completed the join ceremony",
	})

	// SessionsClosed counts closed sessions by websocket close code.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_sessions_closed_total",
		Help: "Total number of signaling sessions closed, by close code",
	}, []string{"code"})

	// SessionsActive tracks currently open sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_sessions_active",
		Help: "Number of currently open signaling sessions",
	})

	// FramesReceived counts inbound websocket frames by module namespace.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_frames_received_total",
		Help: "Total number of inbound websocket frames, by module namespace",
	}, []string{"namespace"})

	// ExchangePublished counts envelopes published to the exchange.
	ExchangePublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_exchange_published_total",
		Help: "Total number of envelopes published to the exchange",
	})

	// ExchangeDelivered counts envelopes delivered to subscribers.
	ExchangeDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_exchange_delivered_total",
		Help: "Total number of envelopes delivered to exchange subscribers",
	})

	// ExchangeDropped counts subscriber queue overflows. Each overflow
	// tears down the affected subscription.
	ExchangeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_exchange_dropped_total",
		Help: "Total number of envelopes dropped due to subscriber queue overflow",
	})

	// LockAcquireDuration tracks distributed lock acquisition latency.
	LockAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signaling_lock_acquire_duration_seconds",
		Help:    "Duration of distributed lock acquisitions in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// AuthzDecisions counts authorization decisions by outcome.
	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_decisions_total",
		Help: "Total number of authorization decisions, by decision",
	}, []string{"decision"})

	// TicketsIssued counts minted join tickets.
	TicketsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_tickets_issued_total",
		Help: "Total number of join tickets issued",
	})

	// ResumptionReplays counts rejected resumption replay attempts.
	ResumptionReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_resumption_replays_total",
		Help: "Total number of resumption refreshes rejected as replays",
	})
)

// ObserveLockAcquire records one lock acquisition duration.
func ObserveLockAcquire(d time.Duration) {
	LockAcquireDuration.Observe(d.Seconds())
}

// RecordAuthzDecision records one allow/deny decision.
func RecordAuthzDecision(allowed bool) {
	if allowed {
		AuthzDecisions.WithLabelValues("allow").Inc()
	} else {
		AuthzDecisions.WithLabelValues("deny").Inc()
	}
}
