// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package automod

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
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
	mctx *module.Context
	sink *captureSink
	ex   exchange.Exchange
	mod  *Automod
}

func newFixture(t *testing.T, role module.Role) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ex := exchange.NewLocalExchange()
	t.Cleanup(func() { ex.Close() })

	session := module.NewSession(
		ids.NewSignalingRoomID(ids.NewRoomID()),
		ids.NewParticipantID(),
		module.KindUser, role, "mod",
	)
	sink := &captureSink{}
	mctx := module.NewContext(session, Namespace, store, ex, sink, nil)
	return &fixture{mctx: mctx, sink: sink, ex: ex, mod: &Automod{}}
}

// peer builds a second session sharing the fixture's room and storage.
func (f *fixture) peer(role module.Role) (*module.Context, *captureSink) {
	session := module.NewSession(
		f.mctx.Room(),
		ids.NewParticipantID(),
		module.KindUser, role, "peer",
	)
	sink := &captureSink{}
	return module.NewContext(session, Namespace, f.mctx.Storage(), f.ex, sink, nil), sink
}

func (f *fixture) command(t *testing.T, cmd Command) {
	t.Helper()
	f.commandAs(t, f.mctx, cmd)
}

func (f *fixture) commandAs(t *testing.T, mctx *module.Context, cmd Command) {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mod.OnEvent(context.Background(), mctx, module.WsMessage{Payload: raw}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) speaker(t *testing.T) string {
	t.Helper()
	v, _, err := f.mctx.Storage().Get(context.Background(), speakerKey(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func (f *fixture) history(t *testing.T) []HistoryEntry {
	t.Helper()
	entries, err := f.mctx.Storage().ZRangeByScore(context.Background(),
		historyKey(f.mctx.Room()), 0, float64(time.Now().Add(time.Hour).UnixNano()))
	if err != nil {
		t.Fatal(err)
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, raw := range entries {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.Fatal(err)
		}
		out = append(out, entry)
	}
	return out
}

func TestStartRequiresModerator(t *testing.T) {
	f := newFixture(t, module.RoleUser)
	f.command(t, Command{Action: "start", Strategy: StrategyNone})
	if got := f.sink.lastError(t); got != "insufficient_permissions" {
		t.Fatalf("error = %q", got)
	}
}

func TestStartRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	f.command(t, Command{Action: "start", Strategy: "alphabetical"})
	if got := f.sink.lastError(t); got != "invalid_strategy" {
		t.Fatalf("error = %q", got)
	}
}

func TestStopWithoutSession(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	f.command(t, Command{Action: "stop"})
	if got := f.sink.lastError(t); got != "not_started" {
		t.Fatalf("error = %q", got)
	}
}

func TestStartAndStopBroadcast(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "start", Strategy: StrategyNone})
	recvEvent(t, sub, "started")

	ev := &module.Joined{}
	if err := f.mod.OnEvent(ctx, f.mctx, ev); err != nil {
		t.Fatal(err)
	}
	data, ok := ev.FrontendData.(FrontendData)
	if !ok || data.Config.Strategy != StrategyNone {
		t.Fatalf("frontend data = %+v", ev.FrontendData)
	}

	f.command(t, Command{Action: "stop"})
	recvEvent(t, sub, "speaker_updated")
	recvEvent(t, sub, "stopped")

	// Joining after stop gets no automod state.
	ev = &module.Joined{}
	if err := f.mod.OnEvent(ctx, f.mctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.FrontendData != nil {
		t.Fatalf("frontend data after stop = %+v", ev.FrontendData)
	}
}

func recvEvent(t *testing.T, sub *exchange.Subscription, message string) Event {
	t.Helper()
	select {
	case msg := <-sub.C():
		var event Event
		if err := json.Unmarshal(msg.Envelope.Payload, &event); err != nil {
			t.Fatal(err)
		}
		if event.Message != message {
			t.Fatalf("event = %+v, want message %q", event, message)
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("no %q event delivered", message)
		return Event{}
	}
}

func TestPlaylistStrategyPopsInOrder(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	first := ids.NewParticipantID().String()
	second := ids.NewParticipantID().String()

	f.command(t, Command{Action: "start", Strategy: StrategyPlaylist, Playlist: []string{first, second}})

	f.command(t, Command{Action: "select"})
	if got := f.speaker(t); got != first {
		t.Fatalf("speaker = %q, want %q", got, first)
	}
	f.command(t, Command{Action: "select"})
	if got := f.speaker(t); got != second {
		t.Fatalf("speaker = %q, want %q", got, second)
	}
	f.command(t, Command{Action: "select"})
	if got := f.sink.lastError(t); got != "playlist_empty" {
		t.Fatalf("error = %q", got)
	}
}

func TestRandomStrategyConsumesAllowList(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	members := map[string]bool{
		ids.NewParticipantID().String(): true,
		ids.NewParticipantID().String(): true,
	}
	var allow []string
	for m := range members {
		allow = append(allow, m)
	}

	f.command(t, Command{Action: "start", Strategy: StrategyRandom, AllowList: allow})

	for i := 0; i < len(allow); i++ {
		f.command(t, Command{Action: "select"})
		speaker := f.speaker(t)
		if !members[speaker] {
			t.Fatalf("speaker %q not from allow list", speaker)
		}
		delete(members, speaker)
	}
	f.command(t, Command{Action: "select"})
	if got := f.sink.lastError(t); got != "allow_list_empty" {
		t.Fatalf("error = %q", got)
	}
}

func TestNominationOnlyByCurrentSpeaker(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	peerCtx, peerSink := f.peer(module.RoleUser)
	nominee := ids.NewParticipantID().String()

	f.command(t, Command{Action: "start", Strategy: StrategyNomination})

	// Nobody speaks yet, so even the peer cannot nominate.
	f.commandAs(t, peerCtx, Command{Action: "select", Participant: nominee})
	if got := peerSink.lastError(t); got != "insufficient_permissions" {
		t.Fatalf("error = %q", got)
	}

	// Seed the peer as current speaker, then its nomination passes.
	if _, err := f.mctx.Storage().Set(context.Background(), speakerKey(f.mctx.Room()),
		peerCtx.Participant().String(), storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	f.commandAs(t, peerCtx, Command{Action: "select", Participant: nominee})
	if got := f.speaker(t); got != nominee {
		t.Fatalf("speaker = %q, want %q", got, nominee)
	}
}

func TestNoneStrategyRequiresModeratorAndValidNominee(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	f.command(t, Command{Action: "start", Strategy: StrategyNone})

	f.command(t, Command{Action: "select", Participant: "not-a-uuid"})
	if got := f.sink.lastError(t); got != "invalid_selection" {
		t.Fatalf("error = %q", got)
	}

	peerCtx, peerSink := f.peer(module.RoleUser)
	f.commandAs(t, peerCtx, Command{Action: "select", Participant: ids.NewParticipantID().String()})
	if got := peerSink.lastError(t); got != "insufficient_permissions" {
		t.Fatalf("error = %q", got)
	}
}

func TestYield(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	f.command(t, Command{Action: "start", Strategy: StrategyNone})
	f.command(t, Command{Action: "select", Participant: f.mctx.Participant().String()})

	peerCtx, peerSink := f.peer(module.RoleUser)
	f.commandAs(t, peerCtx, Command{Action: "yield"})
	if got := peerSink.lastError(t); got != "insufficient_permissions" {
		t.Fatalf("error = %q", got)
	}

	f.command(t, Command{Action: "yield"})
	if got := f.speaker(t); got != "" {
		t.Fatalf("speaker after yield = %q", got)
	}
}

func TestHistoryPairsStartAndStop(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	first := ids.NewParticipantID().String()
	second := ids.NewParticipantID().String()

	f.command(t, Command{Action: "start", Strategy: StrategyNone})
	f.command(t, Command{Action: "select", Participant: first})
	f.command(t, Command{Action: "select", Participant: second})
	f.command(t, Command{Action: "stop"})

	entries := f.history(t)
	want := []struct{ participant, kind string }{
		{first, "start"},
		{first, "stop"},
		{second, "start"},
		{second, "stop"},
	}
	if len(entries) != len(want) {
		t.Fatalf("history = %+v", entries)
	}
	counts := map[string]int{}
	for _, entry := range entries {
		counts[entry.Participant+"/"+entry.Kind]++
	}
	for _, w := range want {
		if counts[w.participant+"/"+w.kind] != 1 {
			t.Fatalf("missing %s %s in history %+v", w.kind, w.participant, entries)
		}
	}
	// Every speaker's start never follows its stop.
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.Kind == "stop" && seen[entry.Participant] != "start" {
			t.Fatalf("stop before start for %s: %+v", entry.Participant, entries)
		}
		seen[entry.Participant] = entry.Kind
	}
}
