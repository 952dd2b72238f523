// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package ids defines the typed identifiers used throughout the signaling
// core. Every entity kind gets its own type so a RoomID can never be
// passed where a ParticipantID is expected.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// RoomID identifies a room. Rooms are created by the surrounding CRUD
// service; the signaling core only reads them.
type RoomID struct{ uuid.UUID }

// ParticipantID identifies one open session. A returning user receives a
// fresh ParticipantID unless they resume.
type ParticipantID struct{ uuid.UUID }

// BreakoutID identifies a breakout sub-room within a parent room.
type BreakoutID struct{ uuid.UUID }

// UserID identifies a registered user across sessions.
type UserID struct{ uuid.UUID }

// EventID identifies a calendar event owning a room.
type EventID struct{ uuid.UUID }

// InviteID identifies a room invite code.
type InviteID struct{ uuid.UUID }

// TargetID identifies a recording or livestream target.
type TargetID struct{ uuid.UUID }

// NewRoomID generates a random RoomID.
func NewRoomID() RoomID { return RoomID{uuid.New()} }

// NewParticipantID generates a random ParticipantID.
func NewParticipantID() ParticipantID { return ParticipantID{uuid.New()} }

// NewBreakoutID generates a random BreakoutID.
func NewBreakoutID() BreakoutID { return BreakoutID{uuid.New()} }

// NewUserID generates a random UserID.
func NewUserID() UserID { return UserID{uuid.New()} }

// NewEventID generates a random EventID.
func NewEventID() EventID { return EventID{uuid.New()} }

// NewTargetID generates a random TargetID.
func NewTargetID() TargetID { return TargetID{uuid.New()} }

// ParseRoomID parses a RoomID from its string form.
func ParseRoomID(s string) (RoomID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RoomID{}, fmt.Errorf("parse room id: %w", err)
	}
	return RoomID{u}, nil
}

// ParseParticipantID parses a ParticipantID from its string form.
func ParseParticipantID(s string) (ParticipantID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ParticipantID{}, fmt.Errorf("parse participant id: %w", err)
	}
	return ParticipantID{u}, nil
}

// ParseBreakoutID parses a BreakoutID from its string form.
func ParseBreakoutID(s string) (BreakoutID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BreakoutID{}, fmt.Errorf("parse breakout id: %w", err)
	}
	return BreakoutID{u}, nil
}

// ParseUserID parses a UserID from its string form.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("parse user id: %w", err)
	}
	return UserID{u}, nil
}

// SignalingRoomID is the breakout-scoped room identifier: a parent room
// plus an optional breakout sub-room.
type SignalingRoomID struct {
	Room     RoomID
	Breakout *BreakoutID
}

// NewSignalingRoomID builds a SignalingRoomID for the parent room itself.
func NewSignalingRoomID(room RoomID) SignalingRoomID {
	return SignalingRoomID{Room: room}
}

// WithBreakout returns the identifier scoped to the given breakout room.
func (s SignalingRoomID) WithBreakout(b BreakoutID) SignalingRoomID {
	return SignalingRoomID{Room: s.Room, Breakout: &b}
}

// String renders the identifier in the form used inside storage keys and
// exchange topics: "{room}" or "{room}:{breakout}".
func (s SignalingRoomID) String() string {
	if s.Breakout == nil {
		return s.Room.String()
	}
	return s.Room.String() + ":" + s.Breakout.String()
}

// Equal reports whether both identifiers address the same signaling room.
func (s SignalingRoomID) Equal(o SignalingRoomID) bool {
	if s.Room != o.Room {
		return false
	}
	if (s.Breakout == nil) != (o.Breakout == nil) {
		return false
	}
	return s.Breakout == nil || *s.Breakout == *o.Breakout
}

// Token is a 128-bit random credential rendered as 32 hex characters.
// Tickets and resumption tokens share this representation but carry
// distinct types.
type Token string

// TicketToken is a one-shot join credential.
type TicketToken Token

// ResumptionToken is a reusable reconnection credential.
type ResumptionToken Token

// newToken draws 128 bits from crypto/rand.
func newToken() Token {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("read random token: %v", err))
	}
	return Token(hex.EncodeToString(buf[:]))
}

// NewTicketToken generates a random ticket token.
func NewTicketToken() TicketToken { return TicketToken(newToken()) }

// NewResumptionToken generates a random resumption token.
func NewResumptionToken() ResumptionToken { return ResumptionToken(newToken()) }
