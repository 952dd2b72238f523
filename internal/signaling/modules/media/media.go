// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package media hands sessions ephemeral SFU access tokens. The module
// carries no room state; it mints a signed token on join and again on
// request when the previous one nears expiry.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/signaling/module"
)

// Namespace is the module's protocol identifier.
const Namespace = "media"

// Command is one inbound media command.
type Command struct {
	Action string `json:"action"`
}

// AccessToken carries an SFU credential to the client.
type AccessToken struct {
	Message     string    `json:"message,omitempty"`
	SFUURL      string    `json:"sfu_url"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// claims is the signed token payload consumed by the SFU.
type claims struct {
	Room        string `json:"room"`
	Participant string `json:"participant"`
	Moderator   bool   `json:"moderator"`
	jwt.RegisteredClaims
}

// Media is the per-session module instance.
type Media struct {
	cfg config.MediaConfig
}

// NewInit builds the registration hook. The module is disabled entirely
// when no SFU is configured.
func NewInit(cfg config.MediaConfig) module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		if cfg.SFUURL == "" || cfg.TokenSecret == "" {
			return nil, nil
		}
		return &Media{cfg: cfg}, nil
	}
}

// Namespace implements module.Module.
func (m *Media) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (m *Media) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		token, err := m.mint(mctx)
		if err != nil {
			return err
		}
		ev.FrontendData = token
		return nil

	case module.WsMessage:
		var cmd Command
		if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
			return mctx.SendError("invalid_command")
		}
		if cmd.Action != "renew_token" {
			return mctx.SendError("invalid_command")
		}
		token, err := m.mint(mctx)
		if err != nil {
			return err
		}
		token.Message = "token_renewed"
		return mctx.Send(token)

	default:
		return nil
	}
}

// OnDestroy implements module.Module. Nothing to clean up; tokens expire
// on their own.
func (m *Media) OnDestroy(context.Context, *module.DestroyContext) {}

// mint signs a fresh access token scoped to this session.
func (m *Media) mint(mctx *module.Context) (AccessToken, error) {
	ttl := m.cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Room:        mctx.Room().String(),
		Participant: mctx.Participant().String(),
		Moderator:   mctx.Role().IsModerator(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "opentalk-controller",
			Subject:   mctx.Participant().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(m.cfg.TokenSecret))
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign sfu access token: %w", err)
	}
	return AccessToken{
		SFUURL:      m.cfg.SFUURL,
		AccessToken: signed,
		ExpiresAt:   expiresAt,
	}, nil
}
