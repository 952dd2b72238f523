// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package moderation

import (
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
)

// newControlEnvelope wraps a runner-level control event for the
// exchange.
func newControlEnvelope(event runner.ControlEvent) (exchange.Envelope, error) {
	return exchange.NewEnvelope(room.NamespaceControl, event)
}

func topicParticipant(mctx *module.Context, target ids.ParticipantID) string {
	return exchange.TopicRoomParticipant(mctx.Room(), target)
}

func topicRoomAll(mctx *module.Context) string {
	return exchange.TopicRoomAll(mctx.Room())
}
