// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/authz"
	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/ticket"
	"github.com/opentalk/controller/internal/storage"
)

type testEnv struct {
	server   *Server
	enforcer *authz.Enforcer
	tickets  *ticket.Service
	store    storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	adapter, err := authz.NewBadgerAdapterInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adapter.Close() })
	enforcer, err := authz.NewEnforcer(adapter)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(enforcer.Close)

	store := storage.NewMemoryStore()
	ex := exchange.NewLocalExchange()
	t.Cleanup(func() { ex.Close() })

	tickets := ticket.NewService(store, time.Minute, time.Hour)
	registry := module.NewRegistry()

	server := NewServer(Options{
		Config: config.HTTPConfig{
			Host:          "127.0.0.1",
			Port:          0,
			Timeout:       5 * time.Second,
			CORSOrigins:   []string{"*"},
			RateLimitReqs: 1000,
			RateLimitSpan: time.Minute,
		},
		SignalingConfig: config.SignalingConfig{},
		Enforcer:        enforcer,
		Tickets:         tickets,
		Registry:        registry,
		Storage:         store,
		Exchange:        ex,
		Coordinator:     room.NewCoordinator(store),
	})
	return &testEnv{server: server, enforcer: enforcer, tickets: tickets, store: store}
}

// grantRoomRead lets the subject read the room, the minimum for /start.
func (e *testEnv) grantRoomRead(t *testing.T, user ids.UserID, roomID ids.RoomID, actions ...string) {
	t.Helper()
	if len(actions) == 0 {
		actions = []string{"GET"}
	}
	err := e.enforcer.GrantUserAccess(user).
		AddResource("/v1/rooms/"+roomID.String()+"/start", "POST").
		AddResource("/rooms/"+roomID.String(), actions...).
		Finish(context.Background())
	if err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) startRoom(t *testing.T, subject string, roomID ids.RoomID, body startRequest) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/rooms/"+roomID.String()+"/start", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set(subjectHeader, subject)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeStart(t *testing.T, rec *httptest.ResponseRecorder) startResponse {
	t.Helper()
	var resp startResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ticket == "" || resp.Resumption == "" {
		t.Fatalf("response = %+v", resp)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStartWithoutSubject(t *testing.T) {
	e := newTestEnv(t)
	rec := e.startRoom(t, "", ids.NewRoomID(), startRequest{DisplayName: "alice"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStartWithoutRoomPolicy(t *testing.T) {
	e := newTestEnv(t)
	user := ids.NewUserID()
	roomID := ids.NewRoomID()

	// Endpoint access alone is not enough; the room read check also runs.
	err := e.enforcer.GrantUserAccess(user).
		AddResource("/v1/rooms/"+roomID.String()+"/start", "POST").
		Finish(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	rec := e.startRoom(t, authz.UserSubject(user.String()), roomID, startRequest{DisplayName: "alice"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStartIssuesConsumableCredentials(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID)

	rec := e.startRoom(t, authz.UserSubject(user.String()), roomID, startRequest{
		DisplayName: "alice",
		Groups:      []string{"staff"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeStart(t, rec)

	data, err := e.tickets.Consume(ctx, ids.TicketToken(resp.Ticket))
	if err != nil {
		t.Fatal(err)
	}
	if data.Room != roomID || data.Kind != module.KindUser || data.Role != module.RoleUser {
		t.Fatalf("ticket data = %+v", data)
	}
	if data.User == nil || *data.User != user {
		t.Fatalf("ticket user = %v", data.User)
	}
	if data.DisplayName != "alice" || len(data.Groups) != 1 {
		t.Fatalf("ticket data = %+v", data)
	}

	// The ticket is one-shot.
	if _, err := e.tickets.Consume(ctx, ids.TicketToken(resp.Ticket)); err == nil {
		t.Fatal("ticket consumed twice")
	}

	// The resumption token resolves to the pre-assigned participant.
	resumption, err := e.tickets.Resolve(ctx, ids.ResumptionToken(resp.Resumption))
	if err != nil {
		t.Fatal(err)
	}
	if resumption.Room != roomID {
		t.Fatalf("resumption = %+v", resumption)
	}
	if data.Resumption == nil || *data.Resumption != resumption.Participant {
		t.Fatalf("ticket participant %v != resumption participant %v", data.Resumption, resumption.Participant)
	}
}

func TestStartModeratorViaWritePolicy(t *testing.T) {
	e := newTestEnv(t)
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID, "GET", "PUT")

	rec := e.startRoom(t, authz.UserSubject(user.String()), roomID, startRequest{DisplayName: "owner"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeStart(t, rec)

	data, err := e.tickets.Consume(context.Background(), ids.TicketToken(resp.Ticket))
	if err != nil {
		t.Fatal(err)
	}
	if data.Role != module.RoleModerator {
		t.Fatalf("role = %q", data.Role)
	}
}

func TestStartValidatesInput(t *testing.T) {
	e := newTestEnv(t)
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID)
	subject := authz.UserSubject(user.String())

	rec := e.startRoom(t, subject, roomID, startRequest{DisplayName: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty display name: status = %d", rec.Code)
	}

	rec = e.startRoom(t, subject, roomID, startRequest{DisplayName: "alice", Breakout: "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad breakout id: status = %d", rec.Code)
	}

	rec = e.startRoom(t, subject, roomID, startRequest{DisplayName: "alice", Kind: "drone"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown kind: status = %d", rec.Code)
	}

	// Service kinds need a service policy the user does not hold.
	rec = e.startRoom(t, subject, roomID, startRequest{Kind: string(module.KindRecorder)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("recorder without policy: status = %d", rec.Code)
	}
}

func TestStartRecorderKind(t *testing.T) {
	e := newTestEnv(t)
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID)
	err := e.enforcer.GrantUserAccess(user).
		AddResource("/services/recorder", "POST").
		Finish(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Recorders carry no display name.
	rec := e.startRoom(t, authz.UserSubject(user.String()), roomID, startRequest{Kind: string(module.KindRecorder)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeStart(t, rec)

	data, err := e.tickets.Consume(context.Background(), ids.TicketToken(resp.Ticket))
	if err != nil {
		t.Fatal(err)
	}
	if data.Kind != module.KindRecorder || data.DisplayName != "" {
		t.Fatalf("ticket data = %+v", data)
	}
}

func TestStartResumptionReclaimsParticipant(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID)
	subject := authz.UserSubject(user.String())

	first := decodeStart(t, e.startRoom(t, subject, roomID, startRequest{DisplayName: "alice"}))
	firstData, err := e.tickets.Consume(ctx, ids.TicketToken(first.Ticket))
	if err != nil {
		t.Fatal(err)
	}

	second := decodeStart(t, e.startRoom(t, subject, roomID, startRequest{
		DisplayName: "alice",
		Resumption:  first.Resumption,
	}))
	secondData, err := e.tickets.Consume(ctx, ids.TicketToken(second.Ticket))
	if err != nil {
		t.Fatal(err)
	}
	if *secondData.Resumption != *firstData.Resumption {
		t.Fatalf("participant changed across resumption: %v != %v", secondData.Resumption, firstData.Resumption)
	}
	if second.Resumption != first.Resumption {
		t.Fatalf("resumption token changed: %q != %q", second.Resumption, first.Resumption)
	}

	// A replayed (refreshed but unconsumed) token from another room fails.
	otherRoom := ids.NewRoomID()
	e.grantRoomRead(t, user, otherRoom)
	rec := e.startRoom(t, subject, otherRoom, startRequest{
		DisplayName: "alice",
		Resumption:  first.Resumption,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-room resumption: status = %d", rec.Code)
	}
}

func TestStartInvalidResumption(t *testing.T) {
	e := newTestEnv(t)
	user := ids.NewUserID()
	roomID := ids.NewRoomID()
	e.grantRoomRead(t, user, roomID)

	rec := e.startRoom(t, authz.UserSubject(user.String()), roomID, startRequest{
		DisplayName: "alice",
		Resumption:  "bogus-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestExtractTicket(t *testing.T) {
	cases := []struct {
		name      string
		url       string
		protocols string
		want      ids.TicketToken
		ok        bool
	}{
		{"query", "/signaling?ticket=abc", "", "abc", true},
		{"subprotocol", "/signaling", "opentalk-signaling-json-v1.0, ticket#xyz", "xyz", true},
		{"subprotocol only prefix", "/signaling", "ticket#", "", false},
		{"missing", "/signaling", "opentalk-signaling-json-v1.0", "", false},
		{"none", "/signaling", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.protocols != "" {
				req.Header.Set("Sec-Websocket-Protocol", tc.protocols)
			}
			token, ok := extractTicket(req)
			if ok != tc.ok || token != tc.want {
				t.Fatalf("extractTicket = %q, %v; want %q, %v", token, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSignalingWithoutTicket(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/signaling", nil)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	e := newTestEnv(t)

	withOrigin := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/signaling", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	// Wildcard config admits any origin; absent Origin always passes.
	if !e.server.checkOrigin(withOrigin("")) || !e.server.checkOrigin(withOrigin("https://evil.example")) {
		t.Fatal("wildcard origins must admit everything")
	}

	e.server.cfg.CORSOrigins = []string{"https://app.example.com"}
	if !e.server.checkOrigin(withOrigin("HTTPS://APP.EXAMPLE.COM")) {
		t.Fatal("origin comparison must be case-insensitive")
	}
	if e.server.checkOrigin(withOrigin("https://evil.example")) {
		t.Fatal("unlisted origin must be rejected")
	}
}
