// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"controller.yaml",
	"controller.yml",
	"/etc/opentalk/controller.yaml",
	"/etc/opentalk/controller.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "OT_CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. OT_-prefixed environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("OT_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps OT_* environment variables onto koanf paths.
// Unmapped variables are dropped so stray environment entries cannot
// pollute the configuration.
//
// Examples:
//   - OT_HTTP_PORT              -> http.port
//   - OT_STORAGE_BACKEND        -> storage.backend
//   - OT_STORAGE_REDIS_ADDR     -> storage.redis.addr
//   - OT_EXCHANGE_NATS_URL      -> exchange.nats.url
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "OT_"))

	envMappings := map[string]string{
		"instance_id": "controller.instance_id",

		"http_host":            "http.host",
		"http_port":            "http.port",
		"http_timeout":         "http.timeout",
		"http_cors_origins":    "http.cors_origins",
		"http_rate_limit":      "http.rate_limit_reqs",
		"http_rate_span":       "http.rate_limit_span",
		"http_metrics_enabled": "http.metrics_enabled",

		"storage_backend":        "storage.backend",
		"storage_redis_addr":     "storage.redis.addr",
		"storage_redis_password": "storage.redis.password",
		"storage_redis_db":       "storage.redis.db",

		"exchange_backend":             "exchange.backend",
		"exchange_nats_url":            "exchange.nats.url",
		"exchange_nats_embedded":       "exchange.nats.embedded_server",
		"exchange_nats_embedded_host":  "exchange.nats.embedded_host",
		"exchange_nats_embedded_port":  "exchange.nats.embedded_port",
		"exchange_nats_max_reconnects": "exchange.nats.max_reconnects",
		"exchange_nats_reconnect_wait": "exchange.nats.reconnect_wait",

		"authz_policy_dir":      "authz.policy_dir",
		"authz_reload_interval": "authz.reload_interval",

		"signaling_keepalive":       "signaling.keepalive",
		"signaling_pong_timeout":    "signaling.pong_timeout",
		"signaling_max_frame_size":  "signaling.max_frame_size",
		"signaling_frame_rate":      "signaling.frame_rate",
		"signaling_frame_burst":     "signaling.frame_burst",
		"signaling_ticket_ttl":      "signaling.ticket_ttl",
		"signaling_resumption_wait": "signaling.resumption_wait",

		"chat_history_limit": "chat.history_limit",

		"resumption_ttl": "resumption.ttl",

		"deletion_fail_on_shared_folder_deletion_error": "deletion.fail_on_shared_folder_deletion_error",

		"media_sfu_url":      "media.sfu_url",
		"media_token_secret": "media.token_secret",
		"media_token_ttl":    "media.token_ttl",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
