// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package moderation implements the moderation signaling module: kick,
// ban, waiting room control, raise-hands and chat toggles, display-name
// enforcement, role changes and debrief.
package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
	"github.com/opentalk/controller/internal/storage"
)

// Namespace is the module's protocol identifier.
const Namespace = "moderation"

// Command is one inbound moderation command.
type Command struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	NewName string `json:"new_name,omitempty"`
}

// Event is the module's broadcast payload for flag changes.
type Event struct {
	Message string `json:"message"`
	Enabled bool   `json:"enabled"`
}

// Moderation is the per-session module instance.
type Moderation struct {
	coord *room.Coordinator
}

// NewInit builds the registration hook.
func NewInit(coord *room.Coordinator) module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &Moderation{coord: coord}, nil
	}
}

// Namespace implements module.Module.
func (m *Moderation) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (m *Moderation) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case module.WsMessage:
		return m.handleCommand(ctx, mctx, ev)
	case module.ExchangeMessage:
		// Flag-change broadcasts are forwarded to the client verbatim.
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)
	default:
		return nil
	}
}

// OnDestroy implements module.Module. Moderation state (flags, bans) is
// room-scoped and falls with the room namespace purge.
func (m *Moderation) OnDestroy(context.Context, *module.DestroyContext) {}

func (m *Moderation) handleCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}
	if !mctx.Role().IsModerator() {
		return mctx.SendError("insufficient_permissions")
	}

	switch cmd.Action {
	case "kick":
		return m.directed(ctx, mctx, cmd.Target, runner.ControlEvent{Message: runner.MsgKicked})

	case "ban":
		return m.ban(ctx, mctx, cmd.Target)

	case "send_to_waiting_room":
		return m.sendToWaitingRoom(ctx, mctx, cmd.Target)

	case "accept":
		target, err := ids.ParseParticipantID(cmd.Target)
		if err != nil {
			return mctx.SendError("invalid_target")
		}
		if err := m.coord.AcceptedAdd(ctx, mctx.Room(), target); err != nil {
			return fmt.Errorf("accept waiting participant: %w", err)
		}
		return nil

	case "enable_waiting_room", "disable_waiting_room":
		return m.setFlag(ctx, mctx, room.FlagWaitingRoomEnabled, "waiting_room_toggled", cmd.Action == "enable_waiting_room")

	case "enable_raise_hands", "disable_raise_hands":
		return m.setFlag(ctx, mctx, room.FlagRaiseHandsEnabled, "raise_hands_toggled", cmd.Action == "enable_raise_hands")

	case "enable_chat", "disable_chat":
		return m.setFlag(ctx, mctx, room.FlagChatEnabled, "chat_toggled", cmd.Action == "enable_chat")

	case "change_display_name":
		return m.changeDisplayName(ctx, mctx, cmd)

	case "grant_moderator", "revoke_moderator":
		role := module.RoleModerator
		if cmd.Action == "revoke_moderator" {
			role = module.RoleUser
		}
		return m.changeRole(ctx, mctx, cmd.Target, role)

	case "debrief":
		return m.debrief(ctx, mctx)

	default:
		return mctx.SendError("invalid_command")
	}
}

// directed publishes a control event to one participant's runner.
func (m *Moderation) directed(ctx context.Context, mctx *module.Context, target string, event runner.ControlEvent) error {
	id, err := ids.ParseParticipantID(target)
	if err != nil {
		return mctx.SendError("invalid_target")
	}
	return m.publishControl(ctx, mctx, id, event)
}

// publishControl sends a control-namespace envelope to one participant
// topic. Moderation acts through runner-level control events, so the
// envelope's module is control, not moderation.
func (m *Moderation) publishControl(ctx context.Context, mctx *module.Context, target ids.ParticipantID, event runner.ControlEvent) error {
	env, err := newControlEnvelope(event)
	if err != nil {
		return err
	}
	return mctx.Exchange().Publish(ctx, topicParticipant(mctx, target), env)
}

func (m *Moderation) ban(ctx context.Context, mctx *module.Context, target string) error {
	id, err := ids.ParseParticipantID(target)
	if err != nil {
		return mctx.SendError("invalid_target")
	}
	rawUser, ok, err := m.coord.Attribute(ctx, mctx.Room(), id, room.NamespaceControl, room.AttrUserID)
	if err != nil {
		return fmt.Errorf("read target user id: %w", err)
	}
	if !ok {
		// Guests carry no user id and cannot be banned.
		return mctx.SendError("cannot_ban_guest")
	}
	user, err := ids.ParseUserID(rawUser)
	if err != nil {
		return fmt.Errorf("corrupt user id attribute: %w", err)
	}
	if err := m.coord.BanUser(ctx, mctx.Room(), user); err != nil {
		return fmt.Errorf("ban user: %w", err)
	}
	return m.publishControl(ctx, mctx, id, runner.ControlEvent{Message: runner.MsgBanned})
}

func (m *Moderation) sendToWaitingRoom(ctx context.Context, mctx *module.Context, target string) error {
	id, err := ids.ParseParticipantID(target)
	if err != nil {
		return mctx.SendError("invalid_target")
	}
	role, _, err := m.coord.Attribute(ctx, mctx.Room(), id, room.NamespaceControl, room.AttrRole)
	if err != nil {
		return fmt.Errorf("read target role: %w", err)
	}
	if module.Role(role).IsModerator() {
		return mctx.SendError("cannot_send_room_owner_to_waiting_room")
	}
	// The target must never sit in the waiting and active set at once,
	// so the move runs as one sequence under the room lock.
	guard, err := m.coord.AcquireRoomLock(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("acquire room lock: %w", err)
	}
	defer func() {
		if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
			logging.Warn().Err(err).Msg("waiting room lock release failed")
		}
	}()
	if err := m.coord.MoveToWaitingRoom(ctx, mctx.Room(), id); err != nil {
		return fmt.Errorf("move to waiting room: %w", err)
	}
	return m.publishControl(ctx, mctx, id, runner.ControlEvent{Message: runner.MsgSentToWaitingRoom})
}

func (m *Moderation) setFlag(ctx context.Context, mctx *module.Context, flag, message string, enabled bool) error {
	if err := m.coord.SetFlag(ctx, mctx.Room(), flag, enabled); err != nil {
		return fmt.Errorf("set %s: %w", flag, err)
	}
	return mctx.PublishRoom(ctx, Event{Message: message, Enabled: enabled})
}

func (m *Moderation) changeDisplayName(ctx context.Context, mctx *module.Context, cmd Command) error {
	id, err := ids.ParseParticipantID(cmd.Target)
	if err != nil {
		return mctx.SendError("invalid_target")
	}
	if cmd.NewName == "" {
		return mctx.SendError("invalid_display_name")
	}
	if err := m.coord.SetAttribute(ctx, mctx.Room(), id, room.NamespaceControl, room.AttrDisplayName, cmd.NewName); err != nil {
		return fmt.Errorf("write display name: %w", err)
	}
	return m.broadcastUpdate(ctx, mctx, id)
}

func (m *Moderation) changeRole(ctx context.Context, mctx *module.Context, target string, role module.Role) error {
	id, err := ids.ParseParticipantID(target)
	if err != nil {
		return mctx.SendError("invalid_target")
	}
	if err := m.coord.SetAttribute(ctx, mctx.Room(), id, room.NamespaceControl, room.AttrRole, string(role)); err != nil {
		return fmt.Errorf("write role: %w", err)
	}
	if err := m.publishControl(ctx, mctx, id, runner.ControlEvent{Message: runner.MsgRoleUpdated, Role: role}); err != nil {
		return err
	}
	return m.broadcastUpdate(ctx, mctx, id)
}

// debrief ends the session of every non-moderator in the room.
func (m *Moderation) debrief(ctx context.Context, mctx *module.Context) error {
	participants, err := m.coord.Participants(ctx, mctx.Room())
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	for _, participant := range participants {
		role, _, err := m.coord.Attribute(ctx, mctx.Room(), participant, room.NamespaceControl, room.AttrRole)
		if err != nil {
			return fmt.Errorf("read participant role: %w", err)
		}
		if module.Role(role).IsModerator() {
			continue
		}
		event := runner.ControlEvent{Message: runner.MsgSessionEnded, Reason: "debriefed"}
		if err := m.publishControl(ctx, mctx, participant, event); err != nil {
			return err
		}
	}
	return nil
}

// broadcastUpdate announces changed attributes of a participant on the
// room topic; runners reread them from storage.
func (m *Moderation) broadcastUpdate(ctx context.Context, mctx *module.Context, id ids.ParticipantID) error {
	env, err := newControlEnvelope(runner.ControlEvent{
		Message: runner.MsgParticipantUpdated,
		ID:      id.String(),
	})
	if err != nil {
		return err
	}
	return mctx.Exchange().Publish(ctx, topicRoomAll(mctx), env)
}
