// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package exchange

import (
	"github.com/opentalk/controller/internal/signaling/ids"
)

// Topic grammar. Room-scoped topics address the signaling room (parent
// room plus optional breakout); the global variant addresses every
// breakout of a parent room at once.

// TopicRoomAll is the topic every runner of a room subscribes to.
func TopicRoomAll(room ids.SignalingRoomID) string {
	return "room." + topicRoomPart(room) + ".all-participants"
}

// TopicRoomParticipant addresses the runner owning one participant.
func TopicRoomParticipant(room ids.SignalingRoomID, participant ids.ParticipantID) string {
	return "room." + topicRoomPart(room) + ".participant." + participant.String()
}

// TopicRoomRecorders addresses only recorder-kind participants of a room.
func TopicRoomRecorders(room ids.SignalingRoomID) string {
	return "room." + topicRoomPart(room) + ".recorders"
}

// TopicGlobalRoomAll is the cross-breakout topic of the parent room.
func TopicGlobalRoomAll(room ids.RoomID) string {
	return "global.room." + room.String() + ".all-participants"
}

// TopicAuthzReload notifies replicas that the policy store changed.
const TopicAuthzReload = "authz.reload"

// topicRoomPart renders a SignalingRoomID without the colon separator,
// which NATS reserves. Breakout scoping uses a dash instead.
func topicRoomPart(room ids.SignalingRoomID) string {
	if room.Breakout == nil {
		return room.Room.String()
	}
	return room.Room.String() + "-" + room.Breakout.String()
}
