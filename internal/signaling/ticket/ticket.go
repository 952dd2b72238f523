// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package ticket implements one-shot join tickets and resumption tokens.
//
// A ticket is minted over REST, lives 30 seconds and is consumed
// atomically on websocket upgrade, so replay is impossible. A resumption
// token lives longer and lets a disconnected participant reclaim their
// prior participant id; refreshing it is single-use per TTL period and a
// concurrent second refresh is rejected as a replay.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/metrics"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/storage"
)

var (
	// ErrTicketInvalid is returned when a ticket is unknown, expired or
	// already consumed. The runner maps it to close code 4401.
	ErrTicketInvalid = errors.New("invalid or expired ticket")

	// ErrResumptionInvalid is returned when a resumption token is unknown
	// or expired.
	ErrResumptionInvalid = errors.New("invalid or expired resumption token")

	// ErrResumptionReplay is returned when a refresh lost against a
	// concurrent refresh of the same token.
	ErrResumptionReplay = errors.New("resumption token replay detected")
)

// Data is the state bound to one ticket.
type Data struct {
	Room        ids.RoomID               `json:"room"`
	Breakout    *ids.BreakoutID          `json:"breakout,omitempty"`
	User        *ids.UserID              `json:"user,omitempty"`
	Kind        module.ParticipationKind `json:"participant_kind"`
	Role        module.Role              `json:"role"`
	DisplayName string                   `json:"display_name,omitempty"`

	// Groups are the user's tenant groups, carried into the session for
	// group-scoped chat.
	Groups []string `json:"groups,omitempty"`

	// Resumption names the prior participant id to reclaim when the
	// ticket was minted against a valid resumption token.
	Resumption *ids.ParticipantID `json:"resumption,omitempty"`
}

// SignalingRoom returns the breakout-scoped room the ticket admits to.
func (d Data) SignalingRoom() ids.SignalingRoomID {
	room := ids.NewSignalingRoomID(d.Room)
	if d.Breakout != nil {
		room = room.WithBreakout(*d.Breakout)
	}
	return room
}

// ResumptionData is the state bound to one resumption token.
type ResumptionData struct {
	Room        ids.RoomID        `json:"room"`
	Breakout    *ids.BreakoutID   `json:"breakout,omitempty"`
	Participant ids.ParticipantID `json:"participant"`
}

// Service mints and consumes tickets and resumption tokens.
type Service struct {
	storage       storage.Storage
	ticketTTL     time.Duration
	resumptionTTL time.Duration
}

// NewService creates the service. Zero TTLs fall back to 30 seconds for
// tickets and two hours for resumption tokens.
func NewService(s storage.Storage, ticketTTL, resumptionTTL time.Duration) *Service {
	if ticketTTL <= 0 {
		ticketTTL = 30 * time.Second
	}
	if resumptionTTL <= 0 {
		resumptionTTL = 2 * time.Hour
	}
	return &Service{storage: s, ticketTTL: ticketTTL, resumptionTTL: resumptionTTL}
}

// Issue mints a fresh ticket bound to data.
func (s *Service) Issue(ctx context.Context, data Data) (ids.TicketToken, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	token := ids.NewTicketToken()
	if _, err := s.storage.Set(ctx, storage.TicketKey(token), string(raw), storage.SetOptions{TTL: s.ticketTTL}); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	metrics.TicketsIssued.Inc()
	return token, nil
}

// Consume atomically resolves and invalidates a ticket. A second call
// with the same token fails with ErrTicketInvalid.
func (s *Service) Consume(ctx context.Context, token ids.TicketToken) (Data, error) {
	raw, ok, err := s.storage.GetDel(ctx, storage.TicketKey(token))
	if err != nil {
		return Data{}, fmt.Errorf("consume ticket: %w", err)
	}
	if !ok {
		return Data{}, ErrTicketInvalid
	}
	var data Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Data{}, fmt.Errorf("corrupt ticket data: %w", err)
	}
	return data, nil
}

// MintResumption stores a fresh resumption token for the session. SET NX
// guards against the negligible chance of a token collision.
func (s *Service) MintResumption(ctx context.Context, data ResumptionData) (ids.ResumptionToken, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal resumption data: %w", err)
	}
	for {
		token := ids.NewResumptionToken()
		ok, err := s.storage.Set(ctx, storage.ResumptionKey(token), string(raw), storage.SetOptions{
			TTL:          s.resumptionTTL,
			OnlyIfAbsent: true,
		})
		if err != nil {
			return "", fmt.Errorf("store resumption token: %w", err)
		}
		if ok {
			return token, nil
		}
	}
}

// Resolve reads a resumption token without consuming it.
func (s *Service) Resolve(ctx context.Context, token ids.ResumptionToken) (ResumptionData, error) {
	raw, ok, err := s.storage.Get(ctx, storage.ResumptionKey(token))
	if err != nil {
		return ResumptionData{}, fmt.Errorf("resolve resumption token: %w", err)
	}
	if !ok {
		return ResumptionData{}, ErrResumptionInvalid
	}
	var data ResumptionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ResumptionData{}, fmt.Errorf("corrupt resumption data: %w", err)
	}
	return data, nil
}

// Refresh extends a resumption token's TTL. The take-and-remint sequence
// is atomic per step, so of two concurrent refreshes exactly one wins;
// the loser observes a missing key and fails with ErrResumptionReplay.
func (s *Service) Refresh(ctx context.Context, token ids.ResumptionToken) error {
	key := storage.ResumptionKey(token)
	raw, ok, err := s.storage.GetDel(ctx, key)
	if err != nil {
		return fmt.Errorf("refresh resumption token: %w", err)
	}
	if !ok {
		metrics.ResumptionReplays.Inc()
		return ErrResumptionReplay
	}
	ok, err = s.storage.Set(ctx, key, raw, storage.SetOptions{TTL: s.resumptionTTL, OnlyIfAbsent: true})
	if err != nil {
		return fmt.Errorf("remint resumption token: %w", err)
	}
	if !ok {
		// A concurrent mint raced the remint. Treat as replay.
		metrics.ResumptionReplays.Inc()
		return ErrResumptionReplay
	}
	return nil
}

// Drop invalidates a resumption token, e.g. after a ban.
func (s *Service) Drop(ctx context.Context, token ids.ResumptionToken) error {
	return s.storage.Delete(ctx, storage.ResumptionKey(token))
}
