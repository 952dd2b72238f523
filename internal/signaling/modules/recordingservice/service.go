// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package recordingservice implements the recorder-side half of the
// recording pipeline. It only activates inside recorder-kind sessions,
// receives start/pause/stop commands from moderators over the recorders
// topic, exposes them to the recorder process and persists the status
// transitions the process reports back.
package recordingservice

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/modules/recording"
	"github.com/opentalk/controller/internal/signaling/room"
)

// Namespace is the module's protocol identifier.
const Namespace = recording.ServiceNamespace

// Command is one inbound command from the recorder process.
type Command struct {
	Action       string                 `json:"action"`
	TargetID     string                 `json:"target_id"`
	Status       recording.StreamStatus `json:"status,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// FrontendData hands the recorder process the full target map including
// the stream secrets.
type FrontendData struct {
	Targets map[string]recording.StreamTarget `json:"targets"`
	Secrets map[string]string                 `json:"secrets"`
}

// Service is the per-session module instance.
type Service struct {
	coord *room.Coordinator
}

// NewInit builds the registration hook. Non-recorder sessions disable
// the module.
func NewInit(coord *room.Coordinator) module.Init {
	return func(_ context.Context, mctx *module.Context, _ module.InitContext) (module.Module, error) {
		if mctx.Session().Kind != module.KindRecorder {
			return nil, nil
		}
		return &Service{coord: coord}, nil
	}
}

// Namespace implements module.Module.
func (s *Service) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (s *Service) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		return s.onJoined(ctx, mctx, ev)
	case module.WsMessage:
		return s.onCommand(ctx, mctx, ev)
	case module.ExchangeMessage:
		// Moderator commands from the recorders topic go straight to the
		// recorder process.
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)
	case module.Leaving:
		return s.deactivateAll(ctx, mctx)
	default:
		return nil
	}
}

// OnDestroy implements module.Module.
func (s *Service) OnDestroy(context.Context, *module.DestroyContext) {}

// onJoined clears the pending-recorder flag and hands the process its
// targets and secrets.
func (s *Service) onJoined(ctx context.Context, mctx *module.Context, ev *module.Joined) error {
	if err := s.coord.SetRecorderTransitioning(ctx, mctx.Room(), false); err != nil {
		return err
	}
	targets, err := recording.LoadTargets(ctx, mctx.Storage(), mctx.Room())
	if err != nil {
		return err
	}
	secrets, err := mctx.Storage().HGetAll(ctx, recording.SecretsKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read stream secrets: %w", err)
	}
	ev.FrontendData = FrontendData{Targets: targets, Secrets: secrets}
	return nil
}

// onCommand persists a status transition reported by the recorder
// process and broadcasts it.
func (s *Service) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}
	if cmd.Action != "status" {
		return mctx.SendError("invalid_command")
	}

	targets, err := recording.LoadTargets(ctx, mctx.Storage(), mctx.Room())
	if err != nil {
		return err
	}
	target, ok := targets[cmd.TargetID]
	if !ok {
		return mctx.SendError("invalid_target")
	}
	if !recording.ValidTransition(target.Status, cmd.Status) {
		return mctx.SendError("invalid_stream_transition")
	}

	target.Status = cmd.Status
	target.ErrorCode, target.ErrorMessage = "", ""
	if cmd.Status == recording.StatusError {
		target.ErrorCode, target.ErrorMessage = cmd.ErrorCode, cmd.ErrorMessage
	}
	if err := recording.SaveTarget(ctx, mctx.Storage(), mctx.Room(), target); err != nil {
		return err
	}
	return recording.PublishUpdate(ctx, mctx.Exchange(), mctx.Room(), target)
}

// deactivateAll transitions every non-inactive stream to inactive on
// recorder leave, broadcasting each transition.
func (s *Service) deactivateAll(ctx context.Context, mctx *module.Context) error {
	if err := s.coord.SetRecorderTransitioning(ctx, mctx.Room(), false); err != nil {
		return err
	}
	targets, err := recording.LoadTargets(ctx, mctx.Storage(), mctx.Room())
	if err != nil {
		return err
	}
	for _, target := range targets {
		if target.Status == recording.StatusInactive {
			continue
		}
		target.Status = recording.StatusInactive
		target.ErrorCode, target.ErrorMessage = "", ""
		if err := recording.SaveTarget(ctx, mctx.Storage(), mctx.Room(), target); err != nil {
			return err
		}
		if err := recording.PublishUpdate(ctx, mctx.Exchange(), mctx.Room(), target); err != nil {
			logging.Warn().Err(err).Str("target", target.ID).Msg("stream deactivation broadcast failed")
		}
	}
	return nil
}
