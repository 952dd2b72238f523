// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package recording implements the recording/streaming signaling module.
// It holds the authoritative stream target map of a room; the cooperating
// recording_service module runs inside the recorder participant and
// drives the actual status transitions.
package recording

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/storage"
)

// Namespace is the module's protocol identifier.
const Namespace = "recording"

// ServiceNamespace is the cooperating recorder-side module's identifier.
const ServiceNamespace = "recording_service"

// StreamKind distinguishes plain recordings from livestreams.
type StreamKind string

const (
	KindRecording  StreamKind = "recording"
	KindLivestream StreamKind = "livestream"
)

// StreamStatus is one state of the stream FSM.
type StreamStatus string

const (
	StatusInactive StreamStatus = "inactive"
	StatusStarting StreamStatus = "starting"
	StatusActive   StreamStatus = "active"
	StatusPaused   StreamStatus = "paused"
	StatusError    StreamStatus = "error"
)

// ValidTransition reports whether the stream FSM permits from -> to:
// inactive -> starting -> active <-> paused -> inactive, any -> error,
// error -> inactive. A starting stream may also stop straight to
// inactive (recorder teardown before going live).
func ValidTransition(from, to StreamStatus) bool {
	if to == StatusError {
		return from != StatusError
	}
	switch from {
	case StatusInactive:
		return to == StatusStarting
	case StatusStarting:
		return to == StatusActive || to == StatusInactive
	case StatusActive:
		return to == StatusPaused || to == StatusInactive
	case StatusPaused:
		return to == StatusActive || to == StatusInactive
	case StatusError:
		return to == StatusInactive
	}
	return false
}

// StreamTarget is one recording or livestream target.
type StreamTarget struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      StreamKind   `json:"kind"`
	Endpoint  string       `json:"endpoint,omitempty"`
	PublicURL string       `json:"public_url,omitempty"`
	Status    StreamStatus `json:"status"`

	// Error details, set while Status is error.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StreamUpdated is the broadcast sent on every status transition.
type StreamUpdated struct {
	Message string       `json:"message"`
	Target  StreamTarget `json:"target"`
}

// ServiceCommand is the command forwarded to the recorder participant.
type ServiceCommand struct {
	Action   string `json:"action"`
	TargetID string `json:"target_id"`
}

// Command is one inbound recording command.
type Command struct {
	Action    string     `json:"action"`
	TargetID  string     `json:"target_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	Kind      StreamKind `json:"kind,omitempty"`
	Endpoint  string     `json:"endpoint,omitempty"`
	PublicURL string     `json:"public_url,omitempty"`
}

// FrontendData is the stream map injected into join_success. Secrets
// are not included; only the recorder-side module sees them.
type FrontendData struct {
	Targets map[string]StreamTarget `json:"targets"`
}

// Storage keys.

// StreamsKey addresses the hash target_id -> StreamTarget JSON.
func StreamsKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(r, "recording:streams")
}

// SecretsKey addresses the hash target_id -> stream secret.
func SecretsKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(r, "recording:secrets")
}

// LoadTargets reads the room's stream target map.
func LoadTargets(ctx context.Context, s storage.Storage, r ids.SignalingRoomID) (map[string]StreamTarget, error) {
	fields, err := s.HGetAll(ctx, StreamsKey(r))
	if err != nil {
		return nil, fmt.Errorf("read stream targets: %w", err)
	}
	out := make(map[string]StreamTarget, len(fields))
	for id, raw := range fields {
		var target StreamTarget
		if err := json.Unmarshal([]byte(raw), &target); err != nil {
			return nil, fmt.Errorf("corrupt stream target %s: %w", id, err)
		}
		out[id] = target
	}
	return out, nil
}

// SaveTarget persists one stream target.
func SaveTarget(ctx context.Context, s storage.Storage, r ids.SignalingRoomID, target StreamTarget) error {
	raw, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal stream target: %w", err)
	}
	return s.HSet(ctx, StreamsKey(r), map[string]string{target.ID: string(raw)})
}

// PublishUpdate broadcasts a StreamUpdated on the room topic.
func PublishUpdate(ctx context.Context, ex exchange.Exchange, r ids.SignalingRoomID, target StreamTarget) error {
	env, err := exchange.NewEnvelope(Namespace, StreamUpdated{Message: "stream_updated", Target: target})
	if err != nil {
		return err
	}
	return ex.Publish(ctx, exchange.TopicRoomAll(r), env)
}

// Recording is the per-session module instance.
type Recording struct {
	coord *room.Coordinator
}

// NewInit builds the registration hook. Recorder sessions run the
// recording_service module instead.
func NewInit(coord *room.Coordinator) module.Init {
	return func(_ context.Context, mctx *module.Context, _ module.InitContext) (module.Module, error) {
		if mctx.Session().Kind == module.KindRecorder {
			return nil, nil
		}
		return &Recording{coord: coord}, nil
	}
}

// Namespace implements module.Module.
func (r *Recording) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (r *Recording) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		targets, err := LoadTargets(ctx, mctx.Storage(), mctx.Room())
		if err != nil {
			return err
		}
		ev.FrontendData = FrontendData{Targets: targets}
		return nil

	case module.WsMessage:
		return r.onCommand(ctx, mctx, ev)

	case module.ExchangeMessage:
		// StreamUpdated broadcasts are forwarded verbatim.
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)

	default:
		return nil
	}
}

// OnDestroy implements module.Module. Stream state is room-scoped.
func (r *Recording) OnDestroy(context.Context, *module.DestroyContext) {}

func (r *Recording) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}
	if !mctx.Role().IsModerator() {
		return mctx.SendError("insufficient_permissions")
	}

	switch cmd.Action {
	case "create_target":
		return r.createTarget(ctx, mctx, cmd)
	case "start":
		return r.start(ctx, mctx, cmd.TargetID)
	case "pause", "stop":
		return r.forward(ctx, mctx, cmd.Action, cmd.TargetID)
	default:
		return mctx.SendError("invalid_command")
	}
}

func (r *Recording) createTarget(ctx context.Context, mctx *module.Context, cmd Command) error {
	if cmd.Name == "" || (cmd.Kind != KindRecording && cmd.Kind != KindLivestream) {
		return mctx.SendError("invalid_target")
	}
	target := StreamTarget{
		ID:        ids.NewTargetID().String(),
		Name:      cmd.Name,
		Kind:      cmd.Kind,
		Endpoint:  cmd.Endpoint,
		PublicURL: cmd.PublicURL,
		Status:    StatusInactive,
	}
	if err := SaveTarget(ctx, mctx.Storage(), mctx.Room(), target); err != nil {
		return err
	}
	secret := string(ids.NewTicketToken())
	if err := mctx.Storage().HSet(ctx, SecretsKey(mctx.Room()), map[string]string{target.ID: secret}); err != nil {
		return fmt.Errorf("store stream secret: %w", err)
	}
	return PublishUpdate(ctx, mctx.Exchange(), mctx.Room(), target)
}

// start transitions the target to starting, flags the pending recorder
// so the room namespace survives an empty active set, and forwards the
// command to the recorders.
func (r *Recording) start(ctx context.Context, mctx *module.Context, targetID string) error {
	targets, err := LoadTargets(ctx, mctx.Storage(), mctx.Room())
	if err != nil {
		return err
	}
	target, ok := targets[targetID]
	if !ok {
		return mctx.SendError("invalid_target")
	}
	if !ValidTransition(target.Status, StatusStarting) {
		return mctx.SendError("invalid_stream_transition")
	}
	target.Status = StatusStarting
	target.ErrorCode, target.ErrorMessage = "", ""
	if err := SaveTarget(ctx, mctx.Storage(), mctx.Room(), target); err != nil {
		return err
	}
	if err := r.coord.SetRecorderTransitioning(ctx, mctx.Room(), true); err != nil {
		return err
	}
	if err := PublishUpdate(ctx, mctx.Exchange(), mctx.Room(), target); err != nil {
		return err
	}
	return r.forward(ctx, mctx, "start", targetID)
}

// forward publishes a command on the recorders topic in the
// recording_service namespace.
func (r *Recording) forward(ctx context.Context, mctx *module.Context, action, targetID string) error {
	env, err := exchange.NewEnvelope(ServiceNamespace, ServiceCommand{Action: action, TargetID: targetID})
	if err != nil {
		return err
	}
	return mctx.Exchange().Publish(ctx, exchange.TopicRoomRecorders(mctx.Room()), env)
}
