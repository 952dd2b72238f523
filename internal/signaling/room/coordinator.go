// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package room implements the room coordinator: membership, namespaced
// participant attributes, waiting room, moderation flags, bans and the
// room-level distributed lock, all backed by volatile storage.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/storage"
)

// Key suffixes under the room prefix.
const (
	suffixParticipants    = "participants"
	suffixWaiting         = "waiting:participants"
	suffixWaitingAccepted = "waiting:accepted"
	suffixFlags           = "moderation-flags"
	suffixBans            = "bans"
	suffixLock            = "lock"
	suffixRecorderBusy    = "recorder-transitioning"
)

// Moderation flag fields.
const (
	FlagWaitingRoomEnabled = "waiting_room_enabled"
	FlagRaiseHandsEnabled  = "raise_hands_enabled"
	FlagChatEnabled        = "chat_enabled"
)

// Coordinator surfaces every room-scoped storage operation the runners
// and modules need. It is stateless; one instance serves all rooms.
type Coordinator struct {
	storage storage.Storage
}

// NewCoordinator creates the coordinator over the given backend.
func NewCoordinator(s storage.Storage) *Coordinator {
	return &Coordinator{storage: s}
}

// Storage exposes the backend for module-level operations.
func (c *Coordinator) Storage() storage.Storage { return c.storage }

// AcquireRoomLock takes the room-level distributed lock. Operations
// spanning multiple keys run under it and must finish well within the
// 30 second TTL.
func (c *Coordinator) AcquireRoomLock(ctx context.Context, room ids.SignalingRoomID) (*storage.LockGuard, error) {
	return storage.Lock(ctx, c.storage, storage.RoomKey(room, suffixLock), storage.DefaultLockTTL)
}

// AddParticipant adds a participant to the room's active set. The caller
// holds the room lock. A participant never sits in both the waiting and
// the active set, so any waiting-room entries are dropped in the same
// sequence.
func (c *Coordinator) AddParticipant(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	if _, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixWaiting), participant.String()); err != nil {
		return fmt.Errorf("leave waiting room: %w", err)
	}
	if _, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixWaitingAccepted), participant.String()); err != nil {
		return fmt.Errorf("clear waiting-room acceptance: %w", err)
	}
	if err := c.storage.SAdd(ctx, storage.RoomKey(room, suffixParticipants), participant.String()); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant removes a participant from the active set and
// returns how many remain. The caller holds the room lock.
func (c *Coordinator) RemoveParticipant(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) (int64, error) {
	if _, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixParticipants), participant.String()); err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	remaining, err := c.storage.SCard(ctx, storage.RoomKey(room, suffixParticipants))
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return remaining, nil
}

// Participants returns the room's active participant set.
func (c *Coordinator) Participants(ctx context.Context, room ids.SignalingRoomID) ([]ids.ParticipantID, error) {
	members, err := c.storage.SMembers(ctx, storage.RoomKey(room, suffixParticipants))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]ids.ParticipantID, 0, len(members))
	for _, member := range members {
		id, err := ids.ParseParticipantID(member)
		if err != nil {
			return nil, fmt.Errorf("corrupt participant set entry %q: %w", member, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// ParticipantCount returns the active set's cardinality.
func (c *Coordinator) ParticipantCount(ctx context.Context, room ids.SignalingRoomID) (int64, error) {
	return c.storage.SCard(ctx, storage.RoomKey(room, suffixParticipants))
}

// SetAttribute writes one module-namespaced attribute of a participant.
func (c *Coordinator) SetAttribute(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID, module, key, value string) error {
	return c.storage.HSet(ctx, storage.AttributeKey(room, participant, module), map[string]string{key: value})
}

// Attribute reads one module-namespaced attribute of a participant.
func (c *Coordinator) Attribute(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID, module, key string) (string, bool, error) {
	return c.storage.HGet(ctx, storage.AttributeKey(room, participant, module), key)
}

// AllParticipantData collects a participant's attributes across the
// given module namespaces: module -> key -> value.
func (c *Coordinator) AllParticipantData(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID, modules []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(modules))
	for _, module := range modules {
		fields, err := c.storage.HGetAll(ctx, storage.AttributeKey(room, participant, module))
		if err != nil {
			return nil, fmt.Errorf("read %s attributes: %w", module, err)
		}
		if len(fields) > 0 {
			out[module] = fields
		}
	}
	return out, nil
}

// Waiting room operations.

// WaitingRoomAdd puts a participant into the waiting set.
func (c *Coordinator) WaitingRoomAdd(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	return c.storage.SAdd(ctx, storage.RoomKey(room, suffixWaiting), participant.String())
}

// MoveToWaitingRoom shifts a participant from the active set into the
// waiting set in one sequence, keeping the two sets disjoint. Any prior
// acceptance is revoked. The caller holds the room lock.
func (c *Coordinator) MoveToWaitingRoom(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	if _, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixParticipants), participant.String()); err != nil {
		return fmt.Errorf("leave active set: %w", err)
	}
	if _, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixWaitingAccepted), participant.String()); err != nil {
		return fmt.Errorf("revoke acceptance: %w", err)
	}
	if err := c.storage.SAdd(ctx, storage.RoomKey(room, suffixWaiting), participant.String()); err != nil {
		return fmt.Errorf("enter waiting room: %w", err)
	}
	return nil
}

// WaitingRoomRemove drops a participant from the waiting set.
func (c *Coordinator) WaitingRoomRemove(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	_, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixWaiting), participant.String())
	return err
}

// WaitingRoomContains reports waiting-set membership.
func (c *Coordinator) WaitingRoomContains(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) (bool, error) {
	return c.storage.SIsMember(ctx, storage.RoomKey(room, suffixWaiting), participant.String())
}

// WaitingRoomParticipants returns the waiting set.
func (c *Coordinator) WaitingRoomParticipants(ctx context.Context, room ids.SignalingRoomID) ([]string, error) {
	return c.storage.SMembers(ctx, storage.RoomKey(room, suffixWaiting))
}

// WaitingRoomCount returns the waiting set's cardinality.
func (c *Coordinator) WaitingRoomCount(ctx context.Context, room ids.SignalingRoomID) (int64, error) {
	return c.storage.SCard(ctx, storage.RoomKey(room, suffixWaiting))
}

// AcceptedAdd marks a waiting participant as accepted but not yet
// entered. The entry clears when the participant joins the active set.
func (c *Coordinator) AcceptedAdd(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	return c.storage.SAdd(ctx, storage.RoomKey(room, suffixWaitingAccepted), participant.String())
}

// AcceptedContains reports acceptance.
func (c *Coordinator) AcceptedContains(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) (bool, error) {
	return c.storage.SIsMember(ctx, storage.RoomKey(room, suffixWaitingAccepted), participant.String())
}

// AcceptedRemove drops an acceptance entry.
func (c *Coordinator) AcceptedRemove(ctx context.Context, room ids.SignalingRoomID, participant ids.ParticipantID) error {
	_, err := c.storage.SRem(ctx, storage.RoomKey(room, suffixWaitingAccepted), participant.String())
	return err
}

// Moderation flags.

// flagDefault returns the default for an unset moderation flag. Chat is
// on unless a moderator disables it; the rest are opt-in.
func flagDefault(flag string) bool {
	return flag == FlagChatEnabled
}

// Flag reads one moderation flag, applying its default when unset.
func (c *Coordinator) Flag(ctx context.Context, room ids.SignalingRoomID, flag string) (bool, error) {
	v, ok, err := c.storage.HGet(ctx, storage.RoomKey(room, suffixFlags), flag)
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", flag, err)
	}
	if !ok {
		return flagDefault(flag), nil
	}
	return v == "true", nil
}

// SetFlag writes one moderation flag.
func (c *Coordinator) SetFlag(ctx context.Context, room ids.SignalingRoomID, flag string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return c.storage.HSet(ctx, storage.RoomKey(room, suffixFlags), map[string]string{flag: value})
}

// Bans. The ban set holds user ids, not participant ids: bans survive
// reconnects for the room's lifetime. Guests have no user id and are
// therefore unbannable; callers enforce that before reaching here.

// BanUser adds a user to the room's ban set.
func (c *Coordinator) BanUser(ctx context.Context, room ids.SignalingRoomID, user ids.UserID) error {
	return c.storage.SAdd(ctx, storage.RoomKey(room, suffixBans), user.String())
}

// IsBanned reports ban-set membership.
func (c *Coordinator) IsBanned(ctx context.Context, room ids.SignalingRoomID, user ids.UserID) (bool, error) {
	return c.storage.SIsMember(ctx, storage.RoomKey(room, suffixBans), user.String())
}

// Recorder transition guard. While a recorder start is pending the room
// namespace must survive even when the active set empties.

// SetRecorderTransitioning marks or clears the pending-recorder state.
func (c *Coordinator) SetRecorderTransitioning(ctx context.Context, room ids.SignalingRoomID, transitioning bool) error {
	key := storage.RoomKey(room, suffixRecorderBusy)
	if !transitioning {
		return c.storage.Delete(ctx, key)
	}
	// The flag carries a TTL so a crashed recorder start cannot pin the
	// room namespace forever.
	_, err := c.storage.Set(ctx, key, "true", storage.SetOptions{TTL: 5 * time.Minute})
	return err
}

// RecorderTransitioning reports whether a recorder start is pending.
func (c *Coordinator) RecorderTransitioning(ctx context.Context, room ids.SignalingRoomID) (bool, error) {
	_, ok, err := c.storage.Get(ctx, storage.RoomKey(room, suffixRecorderBusy))
	return ok, err
}

// PurgeRoom drops every key of the room's volatile namespace. Called
// after the last participant leaves and no recorder is transitioning.
func (c *Coordinator) PurgeRoom(ctx context.Context, room ids.SignalingRoomID) error {
	return c.storage.DeletePrefix(ctx, storage.RoomPrefix(room))
}
