// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package config loads and validates the controller configuration from
// layered sources: built-in defaults, an optional YAML file, and
// OT_-prefixed environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration of the controller process.
type Config struct {
	Controller ControllerConfig `koanf:"controller"`
	HTTP       HTTPConfig       `koanf:"http"`
	Storage    StorageConfig    `koanf:"storage"`
	Exchange   ExchangeConfig   `koanf:"exchange"`
	Authz      AuthzConfig      `koanf:"authz"`
	Signaling  SignalingConfig  `koanf:"signaling"`
	Chat       ChatConfig       `koanf:"chat"`
	Resumption ResumptionConfig `koanf:"resumption"`
	Deletion   DeletionConfig   `koanf:"deletion"`
	Media      MediaConfig      `koanf:"media"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ControllerConfig identifies this replica.
type ControllerConfig struct {
	// InstanceID distinguishes replicas in logs. Auto-generated if empty.
	InstanceID string `koanf:"instance_id"`
}

// HTTPConfig configures the HTTP/WebSocket listener.
type HTTPConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout        time.Duration `koanf:"timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	RateLimitReqs  int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitSpan  time.Duration `koanf:"rate_limit_span"`
	MetricsEnabled bool          `koanf:"metrics_enabled"`
}

// StorageConfig selects and configures the volatile storage backend.
type StorageConfig struct {
	// Backend is "local" (in-process) or "redis" (shared).
	Backend string `koanf:"backend" validate:"oneof=local redis"`

	Redis RedisConfig `koanf:"redis"`
}

// RedisConfig holds the shared backend connection settings.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0,max=15"`
}

// ExchangeConfig selects and configures the exchange backend.
type ExchangeConfig struct {
	// Backend is "local" (in-process broadcast) or "nats".
	Backend string `koanf:"backend" validate:"oneof=local nats"`

	NATS NATSExchangeConfig `koanf:"nats"`
}

// NATSExchangeConfig holds the NATS backend settings.
type NATSExchangeConfig struct {
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	EmbeddedHost   string        `koanf:"embedded_host"`
	EmbeddedPort   int           `koanf:"embedded_port"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
}

// AuthzConfig configures the authorization core.
type AuthzConfig struct {
	// PolicyDir is the badger directory persisting the policy store.
	PolicyDir string `koanf:"policy_dir" validate:"required"`

	// ReloadInterval is the periodic snapshot refresh, in addition to
	// exchange-driven reload notifications.
	ReloadInterval time.Duration `koanf:"reload_interval"`
}

// SignalingConfig tunes the session runner.
type SignalingConfig struct {
	// Keepalive is the ping interval.
	Keepalive time.Duration `koanf:"keepalive"`

	// PongTimeout closes the session when no pong arrived in time.
	PongTimeout time.Duration `koanf:"pong_timeout"`

	// MaxFrameSize bounds inbound websocket frames in bytes.
	MaxFrameSize int64 `koanf:"max_frame_size" validate:"min=1024"`

	// FrameRate and FrameBurst rate-limit inbound frames per session.
	FrameRate  float64 `koanf:"frame_rate" validate:"gt=0"`
	FrameBurst int     `koanf:"frame_burst" validate:"min=1"`

	// TicketTTL is the join ticket lifetime.
	TicketTTL time.Duration `koanf:"ticket_ttl"`

	// ResumptionWait bounds how long a resuming session waits for the
	// prior runner lock to be released.
	ResumptionWait time.Duration `koanf:"resumption_wait"`
}

// ChatConfig tunes the chat module.
type ChatConfig struct {
	// HistoryLimit bounds stored messages per scope; oldest entries are
	// trimmed on insert.
	HistoryLimit int64 `koanf:"history_limit" validate:"min=1"`
}

// ResumptionConfig tunes resumption tokens.
type ResumptionConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// DeletionConfig tunes the deletion engine.
type DeletionConfig struct {
	// FailOnSharedFolderDeletionError aborts a deletion when the external
	// shared folder cannot be removed; otherwise the failure is logged
	// and the commit proceeds.
	FailOnSharedFolderDeletionError bool `koanf:"fail_on_shared_folder_deletion_error"`
}

// MediaConfig configures SFU access token minting.
type MediaConfig struct {
	// SFUURL is handed to clients alongside their access token.
	SFUURL string `koanf:"sfu_url"`

	// TokenSecret signs the ephemeral access tokens.
	TokenSecret string `koanf:"token_secret"`

	// TokenTTL bounds access token validity.
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. File and
// environment layers override these.
func defaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			InstanceID: "",
		},
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           11311,
			Timeout:        30 * time.Second,
			CORSOrigins:    []string{"*"},
			RateLimitReqs:  100,
			RateLimitSpan:  time.Minute,
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Backend: "local",
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				DB:   0,
			},
		},
		Exchange: ExchangeConfig{
			Backend: "local",
			NATS: NATSExchangeConfig{
				URL:            "nats://127.0.0.1:4222",
				EmbeddedServer: false,
				EmbeddedHost:   "127.0.0.1",
				EmbeddedPort:   4222,
				MaxReconnects:  -1,
				ReconnectWait:  time.Second,
			},
		},
		Authz: AuthzConfig{
			PolicyDir:      "/data/authz",
			ReloadInterval: 30 * time.Second,
		},
		Signaling: SignalingConfig{
			Keepalive:      20 * time.Second,
			PongTimeout:    30 * time.Second,
			MaxFrameSize:   512 * 1024,
			FrameRate:      20,
			FrameBurst:     40,
			TicketTTL:      30 * time.Second,
			ResumptionWait: 5 * time.Second,
		},
		Chat: ChatConfig{
			HistoryLimit: 1000,
		},
		Resumption: ResumptionConfig{
			TTL: 2 * time.Hour,
		},
		Deletion: DeletionConfig{
			FailOnSharedFolderDeletionError: false,
		},
		Media: MediaConfig{
			SFUURL:   "",
			TokenTTL: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration. Called after all layers are merged.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr required with the redis backend")
	}
	if c.Exchange.Backend == "nats" && !c.Exchange.NATS.EmbeddedServer && c.Exchange.NATS.URL == "" {
		return fmt.Errorf("exchange.nats.url required without an embedded server")
	}
	if c.Signaling.PongTimeout <= c.Signaling.Keepalive {
		return fmt.Errorf("signaling.pong_timeout must exceed signaling.keepalive")
	}
	return nil
}
