// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package control implements the control signaling module: hand raising
// and display-name changes. Join and leave themselves are runner-level;
// this module covers the in-session participant commands.
package control

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
)

// Namespace is the module's protocol identifier.
const Namespace = room.NamespaceControl

// maxDisplayNameLen bounds display names in UTF-8 runes.
const maxDisplayNameLen = 100

// Command is one inbound control command.
type Command struct {
	Action  string `json:"action"`
	NewName string `json:"new_name,omitempty"`
}

// Control is the per-session module instance.
type Control struct {
	coord *room.Coordinator
}

// NewInit builds the registration hook.
func NewInit(coord *room.Coordinator) module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &Control{coord: coord}, nil
	}
}

// Namespace implements module.Module.
func (c *Control) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (c *Control) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	msg, ok := event.(module.WsMessage)
	if !ok {
		return nil
	}
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}

	switch cmd.Action {
	case "raise_hand":
		enabled, err := c.coord.Flag(ctx, mctx.Room(), room.FlagRaiseHandsEnabled)
		if err != nil {
			return fmt.Errorf("read raise-hands flag: %w", err)
		}
		if !enabled {
			return mctx.SendError("raise_hands_disabled")
		}
		return c.setHand(ctx, mctx, true)

	case "lower_hand":
		return c.setHand(ctx, mctx, false)

	case "update_display_name":
		if !ValidDisplayName(cmd.NewName) {
			return mctx.SendError("invalid_display_name")
		}
		if err := mctx.SetAttribute(ctx, room.AttrDisplayName, cmd.NewName); err != nil {
			return fmt.Errorf("write display name: %w", err)
		}
		mctx.Session().DisplayName = cmd.NewName
		return c.broadcastUpdate(ctx, mctx)

	default:
		return mctx.SendError("invalid_command")
	}
}

// OnDestroy implements module.Module. Control attributes are cleaned up
// by the runner's teardown sequence.
func (c *Control) OnDestroy(context.Context, *module.DestroyContext) {}

func (c *Control) setHand(ctx context.Context, mctx *module.Context, up bool) error {
	if err := mctx.SetAttribute(ctx, room.AttrHandIsUp, strconv.FormatBool(up)); err != nil {
		return fmt.Errorf("write hand state: %w", err)
	}
	return c.broadcastUpdate(ctx, mctx)
}

// broadcastUpdate announces changed attributes; every runner rereads
// them from storage on receipt.
func (c *Control) broadcastUpdate(ctx context.Context, mctx *module.Context) error {
	return mctx.PublishRoom(ctx, runner.ControlEvent{
		Message: runner.MsgParticipantUpdated,
		ID:      mctx.Participant().String(),
	})
}

// ValidDisplayName reports whether a display name is acceptable.
func ValidDisplayName(name string) bool {
	if name == "" {
		return false
	}
	return utf8.RuneCountInString(name) <= maxDisplayNameLen
}
