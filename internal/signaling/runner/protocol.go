// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package runner

import (
	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
)

// Subprotocol is the negotiated websocket subprotocol naming the message
// encoding.
const Subprotocol = "opentalk-signaling-json-v1.0"

// Close codes used by the runner.
const (
	CloseNormal           = 1000
	CloseInvalidTicket    = 4401
	CloseBanned           = 4403
	CloseParticipantInUse = 4409
	CloseInternal         = 4500
)

// Frame is the namespaced wire envelope for both directions.
type Frame struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// ParticipantPayload describes one peer in client-facing frames.
type ParticipantPayload struct {
	ID          ids.ParticipantID `json:"id"`
	DisplayName string            `json:"display_name"`
	Role        module.Role       `json:"role"`
	HandIsUp    bool              `json:"hand_is_up"`
	JoinedAt    string            `json:"joined_at,omitempty"`
	ModuleData  map[string]any    `json:"module_data,omitempty"`
}

// JoinSuccess is the first frame sent after the join ceremony.
type JoinSuccess struct {
	Message      string               `json:"message"`
	ID           ids.ParticipantID    `json:"id"`
	Role         module.Role          `json:"role"`
	Participants []ParticipantPayload `json:"participants"`
	ModuleData   map[string]any       `json:"module_data"`
}

// Control message kinds exchanged between runners and forwarded to
// clients in the control namespace.
const (
	MsgJoinSuccess        = "join_success"
	MsgParticipantJoined  = "joined"
	MsgParticipantUpdated = "updated"
	MsgParticipantLeft    = "left"
	MsgRoleUpdated        = "role_updated"
	MsgRoomDeleted        = "room_deleted"
	MsgKicked             = "kicked"
	MsgBanned             = "banned"
	MsgSessionEnded       = "session_ended"
	MsgSentToWaitingRoom  = "sent_to_waiting_room"
)

// ControlEvent is the runner-level payload on control-namespace exchange
// envelopes and the corresponding client frames. Fields are populated
// per message kind.
type ControlEvent struct {
	Message string `json:"message"`

	// Participant lifecycle fields.
	ID          string         `json:"id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Role        module.Role    `json:"role,omitempty"`
	HandIsUp    bool           `json:"hand_is_up,omitempty"`
	ModuleData  map[string]any `json:"module_data,omitempty"`

	// Reason accompanies session_ended.
	Reason string `json:"reason,omitempty"`
}
