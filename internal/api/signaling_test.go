// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/opentalk/controller/internal/authz"
	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/modules/chat"
	"github.com/opentalk/controller/internal/signaling/modules/control"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
	"github.com/opentalk/controller/internal/signaling/ticket"
	"github.com/opentalk/controller/internal/storage"
)

type wsEnv struct {
	server  *Server
	tickets *ticket.Service
	coord   *room.Coordinator
	httpSrv *httptest.Server
}

// newWsEnv builds a server with a live module registry and signaling
// timings suitable for end-to-end websocket sessions.
func newWsEnv(t *testing.T) *wsEnv {
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

	coord := room.NewCoordinator(store)
	tickets := ticket.NewService(store, time.Minute, time.Hour)

	registry := module.NewRegistry()
	if err := registry.Register(control.Namespace, control.NewInit(coord)); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(chat.Namespace, chat.NewInit(coord, 100)); err != nil {
		t.Fatal(err)
	}

	server := NewServer(Options{
		Config: config.HTTPConfig{
			Host:          "127.0.0.1",
			Port:          0,
			Timeout:       5 * time.Second,
			CORSOrigins:   []string{"*"},
			RateLimitReqs: 1000,
			RateLimitSpan: time.Minute,
		},
		SignalingConfig: config.SignalingConfig{
			Keepalive:      10 * time.Second,
			PongTimeout:    30 * time.Second,
			MaxFrameSize:   1 << 20,
			FrameRate:      100,
			FrameBurst:     100,
			TicketTTL:      time.Minute,
			ResumptionWait: time.Second,
		},
		Enforcer:    enforcer,
		Tickets:     tickets,
		Registry:    registry,
		Storage:     store,
		Exchange:    ex,
		Coordinator: coord,
	})

	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)
	return &wsEnv{server: server, tickets: tickets, coord: coord, httpSrv: httpSrv}
}

func (e *wsEnv) dial(t *testing.T, token ids.TicketToken) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.httpSrv.URL, "http") + "/signaling?ticket=" + string(token)
	dialer := websocket.Dialer{Subprotocols: []string{runner.Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) runner.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame runner.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, namespace string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(runner.Frame{Namespace: namespace, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func TestSignalingJoinAndCommand(t *testing.T) {
	e := newWsEnv(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	token, err := e.tickets.Issue(ctx, ticket.Data{
		Room:        roomID,
		Kind:        module.KindUser,
		Role:        module.RoleUser,
		DisplayName: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}

	conn := e.dial(t, token)

	frame := readFrame(t, conn)
	if frame.Namespace != room.NamespaceControl {
		t.Fatalf("first frame namespace = %q", frame.Namespace)
	}
	var join runner.JoinSuccess
	if err := json.Unmarshal(frame.Payload, &join); err != nil {
		t.Fatal(err)
	}
	if join.Message != runner.MsgJoinSuccess || join.Role != module.RoleUser {
		t.Fatalf("join = %+v", join)
	}
	if len(join.Participants) != 0 {
		t.Fatalf("participants = %+v", join.Participants)
	}
	if _, ok := join.ModuleData[chat.Namespace]; !ok {
		t.Fatalf("module data = %+v", join.ModuleData)
	}

	participants, err := e.coord.Participants(ctx, ids.NewSignalingRoomID(roomID))
	if err != nil || len(participants) != 1 || participants[0] != join.ID {
		t.Fatalf("coordinator participants = %v, %v", participants, err)
	}

	// Hand raising is disabled by default; the command yields an error
	// frame in the control namespace.
	writeFrame(t, conn, control.Namespace, control.Command{Action: "raise_hand"})
	frame = readFrame(t, conn)
	if frame.Namespace != control.Namespace {
		t.Fatalf("frame namespace = %q", frame.Namespace)
	}
	var errPayload module.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &errPayload); err != nil {
		t.Fatal(err)
	}
	if errPayload.Error != "raise_hands_disabled" {
		t.Fatalf("error = %+v", errPayload)
	}

	// Unknown namespaces are answered, not fatal.
	writeFrame(t, conn, "telepathy", map[string]string{"action": "ping"})
	frame = readFrame(t, conn)
	if frame.Namespace != "telepathy" {
		t.Fatalf("frame namespace = %q", frame.Namespace)
	}
	if err := json.Unmarshal(frame.Payload, &errPayload); err != nil {
		t.Fatal(err)
	}
	if errPayload.Error != "unknown_namespace" {
		t.Fatalf("error = %+v", errPayload)
	}

	// A clean close tears the session down and purges the room.
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()

	for end := time.Now().Add(5 * time.Second); ; {
		count, err := e.coord.ParticipantCount(ctx, ids.NewSignalingRoomID(roomID))
		if err != nil {
			t.Fatal(err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(end) {
			t.Fatalf("session not torn down, %d participants left", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalingInvalidTicketCloses4401(t *testing.T) {
	e := newWsEnv(t)
	conn := e.dial(t, "no-such-ticket")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, runner.CloseInvalidTicket) {
		t.Fatalf("err = %v, want close %d", err, runner.CloseInvalidTicket)
	}
}

func TestSignalingBannedUserCloses4403(t *testing.T) {
	e := newWsEnv(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()
	user := ids.NewUserID()

	if err := e.coord.BanUser(ctx, ids.NewSignalingRoomID(roomID), user); err != nil {
		t.Fatal(err)
	}
	token, err := e.tickets.Issue(ctx, ticket.Data{
		Room:        roomID,
		User:        &user,
		Kind:        module.KindUser,
		Role:        module.RoleUser,
		DisplayName: "mallory",
	})
	if err != nil {
		t.Fatal(err)
	}

	conn := e.dial(t, token)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, runner.CloseBanned) {
		t.Fatalf("err = %v, want close %d", err, runner.CloseBanned)
	}
}

func TestSignalingResumedParticipantInUseCloses4409(t *testing.T) {
	e := newWsEnv(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	token, err := e.tickets.Issue(ctx, ticket.Data{
		Room:        roomID,
		Kind:        module.KindUser,
		Role:        module.RoleUser,
		DisplayName: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	first := e.dial(t, token)
	var join runner.JoinSuccess
	if err := json.Unmarshal(readFrame(t, first).Payload, &join); err != nil {
		t.Fatal(err)
	}

	resume := func() ids.TicketToken {
		token, err := e.tickets.Issue(ctx, ticket.Data{
			Room:        roomID,
			Kind:        module.KindUser,
			Role:        module.RoleUser,
			DisplayName: "alice",
			Resumption:  &join.ID,
		})
		if err != nil {
			t.Fatal(err)
		}
		return token
	}

	// While the first session holds the runner lock, a resuming
	// connection waits out ResumptionWait and is then refused.
	second := e.dial(t, resume())
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, runner.CloseParticipantInUse) {
		t.Fatalf("err = %v, want close %d", err, runner.CloseParticipantInUse)
	}

	// After the first session ends, the same participant id is reclaimable.
	deadline := time.Now().Add(time.Second)
	first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	first.Close()

	var resumedJoin runner.JoinSuccess
	var lastErr error
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		third := e.dial(t, resume())
		third.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := third.ReadMessage()
		if err == nil {
			var frame runner.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(frame.Payload, &resumedJoin); err != nil {
				t.Fatal(err)
			}
			break
		}
		lastErr = err
		third.Close()
		time.Sleep(50 * time.Millisecond)
	}
	if resumedJoin.Message != runner.MsgJoinSuccess {
		t.Fatalf("resumed join never succeeded, last err: %v", lastErr)
	}
	if resumedJoin.ID != join.ID {
		t.Fatalf("resumed id = %s, want %s", resumedJoin.ID, join.ID)
	}
}

func TestSignalingPeerSeesJoin(t *testing.T) {
	e := newWsEnv(t)
	ctx := context.Background()
	roomID := ids.NewRoomID()

	issue := func(name string) ids.TicketToken {
		token, err := e.tickets.Issue(ctx, ticket.Data{
			Room:        roomID,
			Kind:        module.KindUser,
			Role:        module.RoleUser,
			DisplayName: name,
		})
		if err != nil {
			t.Fatal(err)
		}
		return token
	}

	alice := e.dial(t, issue("alice"))
	readFrame(t, alice) // join_success

	bob := e.dial(t, issue("bob"))
	var bobJoin runner.JoinSuccess
	if err := json.Unmarshal(readFrame(t, bob).Payload, &bobJoin); err != nil {
		t.Fatal(err)
	}
	if len(bobJoin.Participants) != 1 || bobJoin.Participants[0].DisplayName != "alice" {
		t.Fatalf("bob's peer list = %+v", bobJoin.Participants)
	}

	// Alice is told about bob.
	frame := readFrame(t, alice)
	if frame.Namespace != room.NamespaceControl {
		t.Fatalf("frame namespace = %q", frame.Namespace)
	}
	var event runner.ControlEvent
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		t.Fatal(err)
	}
	if event.Message != runner.MsgParticipantJoined || event.DisplayName != "bob" {
		t.Fatalf("event = %+v", event)
	}
}
