// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/runner"
)

// ticketProtocolPrefix carries the ticket inside the subprotocol list
// for clients that cannot set query parameters on upgrade requests.
const ticketProtocolPrefix = "ticket#"

// handleSignaling upgrades to the signaling websocket and hands the
// connection to a session runner. The one-shot ticket authenticates the
// session; it arrives as a query parameter or a subprotocol entry.
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	token, ok := extractTicket(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_ticket")
		return
	}

	upgrader := websocket.Upgrader{
		Subprotocols:    []string{runner.Subprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	run := runner.New(runner.Options{
		Config:      s.sigCfg,
		Registry:    s.registry,
		Storage:     s.storage,
		Exchange:    s.exchange,
		Coordinator: s.coordinator,
		Tickets:     s.tickets,
	}, conn)
	run.Run(r.Context(), token)
}

// extractTicket pulls the ticket token from the query or the
// Sec-WebSocket-Protocol header.
func extractTicket(r *http.Request) (ids.TicketToken, bool) {
	if token := r.URL.Query().Get("ticket"); token != "" {
		return ids.TicketToken(token), true
	}
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, entry := range strings.Split(header, ",") {
			entry = strings.TrimSpace(entry)
			if token, ok := strings.CutPrefix(entry, ticketProtocolPrefix); ok && token != "" {
				return ids.TicketToken(token), true
			}
		}
	}
	return "", false
}

// checkOrigin applies the configured CORS origins to the upgrade
// handshake. Requests without an Origin header (non-browser clients,
// e.g. the recorder) pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
