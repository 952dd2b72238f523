// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package recordingservice

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/modules/recording"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/storage"
)

type captureSink struct {
	frames []any
}

func (s *captureSink) SendFrame(_ string, payload any) error {
	s.frames = append(s.frames, payload)
	return nil
}

func (s *captureSink) lastError(t *testing.T) string {
	t.Helper()
	if len(s.frames) == 0 {
		t.Fatal("no frames captured")
	}
	errPayload, ok := s.frames[len(s.frames)-1].(module.ErrorPayload)
	if !ok {
		t.Fatalf("last frame is %T, want ErrorPayload", s.frames[len(s.frames)-1])
	}
	return errPayload.Error
}

type fixture struct {
	mctx  *module.Context
	sink  *captureSink
	coord *room.Coordinator
	ex    exchange.Exchange
	mod   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ex := exchange.NewLocalExchange()
	t.Cleanup(func() { ex.Close() })

	coord := room.NewCoordinator(store)
	session := module.NewSession(
		ids.NewSignalingRoomID(ids.NewRoomID()),
		ids.NewParticipantID(),
		module.KindRecorder, module.RoleGuest, "",
	)
	sink := &captureSink{}
	mctx := module.NewContext(session, Namespace, store, ex, sink, nil)
	return &fixture{mctx: mctx, sink: sink, coord: coord, ex: ex, mod: &Service{coord: coord}}
}

func (f *fixture) command(t *testing.T, cmd Command) {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mod.OnEvent(context.Background(), f.mctx, module.WsMessage{Payload: raw}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) saveTarget(t *testing.T, status recording.StreamStatus) recording.StreamTarget {
	t.Helper()
	target := recording.StreamTarget{
		ID:     ids.NewTargetID().String(),
		Name:   "main",
		Kind:   recording.KindRecording,
		Status: status,
	}
	if err := recording.SaveTarget(context.Background(), f.mctx.Storage(), f.mctx.Room(), target); err != nil {
		t.Fatal(err)
	}
	return target
}

func recvUpdate(t *testing.T, sub *exchange.Subscription) recording.StreamUpdated {
	t.Helper()
	select {
	case msg := <-sub.C():
		if msg.Envelope.Module != recording.Namespace {
			t.Fatalf("envelope module = %q", msg.Envelope.Module)
		}
		var update recording.StreamUpdated
		if err := json.Unmarshal(msg.Envelope.Payload, &update); err != nil {
			t.Fatal(err)
		}
		return update
	case <-time.After(5 * time.Second):
		t.Fatal("no stream update delivered")
		return recording.StreamUpdated{}
	}
}

func TestNonRecorderSessionsSkipModule(t *testing.T) {
	store := storage.NewMemoryStore()
	ex := exchange.NewLocalExchange()
	t.Cleanup(func() { ex.Close() })
	coord := room.NewCoordinator(store)

	session := module.NewSession(
		ids.NewSignalingRoomID(ids.NewRoomID()),
		ids.NewParticipantID(),
		module.KindUser, module.RoleModerator, "mod",
	)
	mctx := module.NewContext(session, Namespace, store, ex, &captureSink{}, nil)

	mod, err := NewInit(coord)(context.Background(), mctx, module.InitContext{})
	if err != nil {
		t.Fatal(err)
	}
	if mod != nil {
		t.Fatalf("user session got a recorder module instance: %T", mod)
	}
}

func TestJoinedClearsTransitioningAndHandsSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.saveTarget(t, recording.StatusStarting)
	if err := f.mctx.Storage().HSet(ctx, recording.SecretsKey(f.mctx.Room()),
		map[string]string{target.ID: "s3cret"}); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.SetRecorderTransitioning(ctx, f.mctx.Room(), true); err != nil {
		t.Fatal(err)
	}

	ev := &module.Joined{}
	if err := f.mod.OnEvent(ctx, f.mctx, ev); err != nil {
		t.Fatal(err)
	}

	transitioning, err := f.coord.RecorderTransitioning(ctx, f.mctx.Room())
	if err != nil || transitioning {
		t.Fatalf("RecorderTransitioning = %v, %v", transitioning, err)
	}
	data, ok := ev.FrontendData.(FrontendData)
	if !ok {
		t.Fatalf("frontend data is %T", ev.FrontendData)
	}
	if data.Targets[target.ID].Status != recording.StatusStarting {
		t.Fatalf("targets = %+v", data.Targets)
	}
	if data.Secrets[target.ID] != "s3cret" {
		t.Fatalf("secrets = %+v", data.Secrets)
	}
}

func TestStatusTransitionPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.saveTarget(t, recording.StatusStarting)

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "status", TargetID: target.ID, Status: recording.StatusActive})

	update := recvUpdate(t, sub)
	if update.Target.Status != recording.StatusActive {
		t.Fatalf("update = %+v", update)
	}
	targets, err := recording.LoadTargets(ctx, f.mctx.Storage(), f.mctx.Room())
	if err != nil {
		t.Fatal(err)
	}
	if targets[target.ID].Status != recording.StatusActive {
		t.Fatalf("stored status = %q", targets[target.ID].Status)
	}
}

func TestStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	target := f.saveTarget(t, recording.StatusInactive)

	f.command(t, Command{Action: "status", TargetID: target.ID, Status: recording.StatusPaused})
	if got := f.sink.lastError(t); got != "invalid_stream_transition" {
		t.Fatalf("error = %q", got)
	}

	f.command(t, Command{Action: "status", TargetID: "missing", Status: recording.StatusActive})
	if got := f.sink.lastError(t); got != "invalid_target" {
		t.Fatalf("error = %q", got)
	}
}

func TestStatusErrorKeepsDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.saveTarget(t, recording.StatusActive)

	f.command(t, Command{
		Action:       "status",
		TargetID:     target.ID,
		Status:       recording.StatusError,
		ErrorCode:    "ingest_unreachable",
		ErrorMessage: "connection refused",
	})

	targets, err := recording.LoadTargets(ctx, f.mctx.Storage(), f.mctx.Room())
	if err != nil {
		t.Fatal(err)
	}
	stored := targets[target.ID]
	if stored.Status != recording.StatusError || stored.ErrorCode != "ingest_unreachable" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestLeavingDeactivatesAllStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active := f.saveTarget(t, recording.StatusActive)
	paused := f.saveTarget(t, recording.StatusPaused)
	idle := f.saveTarget(t, recording.StatusInactive)

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := f.mod.OnEvent(ctx, f.mctx, module.Leaving{}); err != nil {
		t.Fatal(err)
	}

	targets, err := recording.LoadTargets(ctx, f.mctx.Storage(), f.mctx.Room())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{active.ID, paused.ID, idle.ID} {
		if targets[id].Status != recording.StatusInactive {
			t.Fatalf("target %s status = %q", id, targets[id].Status)
		}
	}

	// One broadcast per deactivated stream, none for the idle one.
	for i := 0; i < 2; i++ {
		update := recvUpdate(t, sub)
		if update.Target.Status != recording.StatusInactive {
			t.Fatalf("update = %+v", update)
		}
		if update.Target.ID == idle.ID {
			t.Fatal("idle target must not be re-announced")
		}
	}
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected extra broadcast: %s", msg.Envelope.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
