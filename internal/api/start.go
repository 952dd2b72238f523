// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/authz"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/modules/control"
	"github.com/opentalk/controller/internal/signaling/ticket"
)

// startRequest is the body of POST /v1/rooms/{id}/start.
type startRequest struct {
	// Breakout scopes the session to a breakout sub-room.
	Breakout string `json:"breakout_room,omitempty"`

	// Resumption reclaims a prior participant id after a disconnect.
	Resumption string `json:"resumption,omitempty"`

	DisplayName string `json:"display_name"`

	// Kind requests a service participation kind; recorder and sip
	// require a matching service policy.
	Kind string `json:"kind,omitempty"`

	// Groups are the subject's tenant groups as asserted upstream.
	Groups []string `json:"groups,omitempty"`
}

// startResponse hands the client its join credentials.
type startResponse struct {
	Ticket     string `json:"ticket"`
	Resumption string `json:"resumption"`
}

// handleRoomStart mints a one-shot join ticket plus resumption token.
// The authz middleware already checked the endpoint itself; on top of
// that the subject needs read access to the room.
func (s *Server) handleRoomStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, err := ids.ParseRoomID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room_id")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	subject, _ := authz.SubjectFromContext(ctx)
	if !s.enforcer.Check(subject, "/rooms/"+roomID.String(), http.MethodGet) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	data := ticket.Data{Room: roomID}

	if req.Breakout != "" {
		breakout, err := ids.ParseBreakoutID(req.Breakout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_breakout_id")
			return
		}
		data.Breakout = &breakout
	}

	kind, role, user, ok := s.resolveIdentity(subject, req.Kind, roomID)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	data.Kind = kind
	data.Role = role
	data.User = user
	data.Groups = req.Groups

	if kind != module.KindRecorder {
		if !control.ValidDisplayName(req.DisplayName) {
			writeError(w, http.StatusBadRequest, "invalid_display_name")
			return
		}
		data.DisplayName = req.DisplayName
	}

	// A resuming session reclaims its prior participant id; everyone
	// else gets a fresh one bound to a fresh resumption token.
	var participant ids.ParticipantID
	if req.Resumption != "" {
		resumption, err := s.tickets.Resolve(ctx, ids.ResumptionToken(req.Resumption))
		if err != nil {
			if errors.Is(err, ticket.ErrResumptionInvalid) {
				writeError(w, http.StatusUnauthorized, "invalid_resumption")
				return
			}
			s.internalError(w, err, "resumption resolution failed")
			return
		}
		if resumption.Room != roomID || !breakoutMatches(resumption.Breakout, data.Breakout) {
			writeError(w, http.StatusUnauthorized, "invalid_resumption")
			return
		}
		if err := s.tickets.Refresh(ctx, ids.ResumptionToken(req.Resumption)); err != nil {
			if errors.Is(err, ticket.ErrResumptionReplay) {
				writeError(w, http.StatusUnauthorized, "resumption_replay")
				return
			}
			s.internalError(w, err, "resumption refresh failed")
			return
		}
		participant = resumption.Participant
	} else {
		participant = ids.NewParticipantID()
	}
	data.Resumption = &participant

	resumptionToken := ids.ResumptionToken(req.Resumption)
	if req.Resumption == "" {
		resumptionToken, err = s.tickets.MintResumption(ctx, ticket.ResumptionData{
			Room:        roomID,
			Breakout:    data.Breakout,
			Participant: participant,
		})
		if err != nil {
			s.internalError(w, err, "resumption mint failed")
			return
		}
	}

	ticketToken, err := s.tickets.Issue(ctx, data)
	if err != nil {
		s.internalError(w, err, "ticket issue failed")
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		Ticket:     string(ticketToken),
		Resumption: string(resumptionToken),
	})
}

// resolveIdentity derives the session's participation kind, role and
// registered user from the policy subject. Service kinds (recorder, sip)
// need a matching service policy.
func (s *Server) resolveIdentity(subject, requestedKind string, roomID ids.RoomID) (module.ParticipationKind, module.Role, *ids.UserID, bool) {
	switch requestedKind {
	case string(module.KindRecorder):
		if !s.enforcer.Check(subject, "/services/recorder", http.MethodPost) {
			return "", "", nil, false
		}
		return module.KindRecorder, module.RoleUser, nil, true
	case string(module.KindSip):
		if !s.enforcer.Check(subject, "/services/call-in", http.MethodPost) {
			return "", "", nil, false
		}
		return module.KindSip, module.RoleGuest, nil, true
	case "", string(module.KindUser), string(module.KindGuest):
	default:
		return "", "", nil, false
	}

	if raw, ok := strings.CutPrefix(subject, "user::"); ok {
		userID, err := ids.ParseUserID(raw)
		if err != nil {
			return "", "", nil, false
		}
		role := module.RoleUser
		// Write access on the room marks its owner and moderators.
		if s.enforcer.Check(subject, "/rooms/"+roomID.String(), http.MethodPut) {
			role = module.RoleModerator
		}
		return module.KindUser, role, &userID, true
	}
	return module.KindGuest, module.RoleGuest, nil, true
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	logging.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func breakoutMatches(a, b *ids.BreakoutID) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
