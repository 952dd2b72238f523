// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package module

import (
	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/signaling/ids"
)

// Event is the sum type dispatched to Module.OnEvent. Concrete events
// with out-parameters are passed as pointers.
type Event interface {
	isEvent()
}

// Joined is dispatched once per session, after init and before the
// join_success frame is sent. The module fills FrontendData with its
// initial client state and PeerFrontendData with one entry per visible
// peer already in the room.
type Joined struct {
	// Participants lists the peers present before this session joined.
	Participants []ids.ParticipantID

	// FrontendData is the module's contribution to join_success
	// module_data. Nil omits the namespace.
	FrontendData any

	// PeerFrontendData maps peers to this module's per-peer state,
	// merged into each peer's module_data in the participants list.
	PeerFrontendData map[ids.ParticipantID]any
}

// WsMessage is one client command addressed to the module's namespace.
type WsMessage struct {
	Payload json.RawMessage
}

// ExchangeMessage is one cross-runner message for this module.
type ExchangeMessage struct {
	Topic   string
	Payload json.RawMessage
}

// ParticipantJoined announces a new peer. The module fills
// PeerFrontendData with its per-peer state for the announcement frame.
type ParticipantJoined struct {
	ID ids.ParticipantID

	// PeerFrontendData is merged into the joined frame's module_data.
	PeerFrontendData any
}

// ParticipantUpdated announces changed peer attributes. Out-parameter
// semantics match ParticipantJoined.
type ParticipantUpdated struct {
	ID ids.ParticipantID

	PeerFrontendData any
}

// ParticipantLeft announces a departed peer.
type ParticipantLeft struct {
	ID ids.ParticipantID
}

// RoleUpdated announces that this session's own role changed, e.g. a
// moderator promotion.
type RoleUpdated struct {
	Role Role
}

// Leaving is dispatched when the participant leaves voluntarily, before
// OnDestroy. Last chance to publish on the exchange.
type Leaving struct{}

// Ext wraps a module-declared external event, e.g. a timer tick or an
// async notification from an external service.
type Ext struct {
	Payload any
}

func (*Joined) isEvent()             {}
func (WsMessage) isEvent()           {}
func (ExchangeMessage) isEvent()     {}
func (*ParticipantJoined) isEvent()  {}
func (*ParticipantUpdated) isEvent() {}
func (ParticipantLeft) isEvent()     {}
func (RoleUpdated) isEvent()         {}
func (Leaving) isEvent()             {}
func (Ext) isEvent()                 {}
