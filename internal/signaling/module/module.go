// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package module defines the signaling module SPI: the interface every
// namespaced protocol handler implements, the event sum type dispatched
// to handlers, the per-session context handed to every hook and the
// registry resolving namespaces to handlers at session start.
//
// All hooks of one session run strictly serially on the runner's
// goroutine. Modules never share mutable memory across sessions; state
// shared between sessions lives in volatile storage or travels over the
// exchange.
package module

import (
	"context"
)

// Role is a participant's permission level inside a room.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// IsModerator reports whether the role carries moderation rights.
func (r Role) IsModerator() bool { return r == RoleModerator }

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleModerator:
		return true
	}
	return false
}

// ParticipationKind distinguishes how a participant entered the room.
type ParticipationKind string

const (
	KindUser     ParticipationKind = "user"
	KindGuest    ParticipationKind = "guest"
	KindRecorder ParticipationKind = "recorder"
	KindSip      ParticipationKind = "sip"
)

// Visible reports whether participants of this kind appear in the peer
// list sent to clients. Recorders stay hidden.
func (k ParticipationKind) Visible() bool { return k != KindRecorder }

// Module is one namespaced protocol handler plugged into a session
// runner. Implementations are per-session: Build constructs a fresh
// instance for every join.
type Module interface {
	// Namespace returns the module's unique protocol identifier.
	Namespace() string

	// OnEvent handles one lifecycle or protocol event. Events carrying
	// out-parameters (Joined, ParticipantJoined, ParticipantUpdated) are
	// passed as pointers so the handler can fill them. Returning an error
	// is session-fatal.
	OnEvent(ctx context.Context, mctx *Context, event Event) error

	// OnDestroy cleans the module's volatile state up. When
	// dctx.DestroyRoom() is true this session was the room's last and the
	// module must drop its room-global state too.
	OnDestroy(ctx context.Context, dctx *DestroyContext)
}

// DestroyContext carries teardown information into OnDestroy.
type DestroyContext struct {
	destroyRoom bool
}

// NewDestroyContext builds the teardown context. destroyRoom is true when
// the departing participant was the room's last.
func NewDestroyContext(destroyRoom bool) *DestroyContext {
	return &DestroyContext{destroyRoom: destroyRoom}
}

// DestroyRoom reports whether the whole room is being torn down.
func (d *DestroyContext) DestroyRoom() bool { return d.destroyRoom }
