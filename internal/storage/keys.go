// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package storage

import (
	"github.com/opentalk/controller/internal/signaling/ids"
)

// KeyPrefix namespaces every key the signaling core writes.
const KeyPrefix = "opentalk-signaling:"

// RoomPrefix returns the prefix under which all volatile state of a
// signaling room lives. Purging this prefix tears the room down.
func RoomPrefix(room ids.SignalingRoomID) string {
	return KeyPrefix + "room=" + room.String() + ":"
}

// RoomKey builds a room-scoped key: opentalk-signaling:room={room}:{suffix}.
func RoomKey(room ids.SignalingRoomID, suffix string) string {
	return RoomPrefix(room) + suffix
}

// ParticipantKey builds a key scoped to one participant of a room:
// opentalk-signaling:room={room}:participant={id}:{suffix}.
func ParticipantKey(room ids.SignalingRoomID, participant ids.ParticipantID, suffix string) string {
	return RoomPrefix(room) + "participant=" + participant.String() + ":" + suffix
}

// AttributeKey addresses the hash holding one module's attributes for a
// participant: room → participant → module → key → value.
func AttributeKey(room ids.SignalingRoomID, participant ids.ParticipantID, module string) string {
	return ParticipantKey(room, participant, "attributes:"+module)
}

// TicketKey addresses a stored one-shot join ticket.
func TicketKey(token ids.TicketToken) string {
	return KeyPrefix + "ticket=" + string(token)
}

// ResumptionKey addresses a stored resumption token.
func ResumptionKey(token ids.ResumptionToken) string {
	return KeyPrefix + "resumption=" + string(token)
}

// RunnerKey addresses the lock owned by the session runner of a
// participant for the lifetime of its connection.
func RunnerKey(participant ids.ParticipantID) string {
	return KeyPrefix + "runner:" + participant.String()
}
