// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package legalvote

import (
	"context"
	"strconv"
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
	mod  *LegalVote
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
	return &fixture{mctx: mctx, sink: sink, ex: ex, mod: &LegalVote{}}
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

// startVote starts a vote for the fixture moderator plus the given extra
// participants and collects every issued token.
func startVote(t *testing.T, f *fixture, params Parameters, voters []ids.ParticipantID) (string, map[ids.ParticipantID]string) {
	t.Helper()
	ctx := context.Background()

	allowed := make([]string, 0, len(voters))
	subs := make(map[ids.ParticipantID]*exchange.Subscription, len(voters))
	for _, voter := range voters {
		allowed = append(allowed, voter.String())
		sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomParticipant(f.mctx.Room(), voter))
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Close()
		subs[voter] = sub
	}
	params.AllowedParticipants = allowed

	roomSub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer roomSub.Close()

	f.command(t, Command{Action: "start", Parameters: params})
	started := recvEvent(t, roomSub, "started")
	if started.VoteID == "" || started.Parameters == nil {
		t.Fatalf("started = %+v", started)
	}

	tokens := make(map[ids.ParticipantID]string, len(voters))
	for voter, sub := range subs {
		issued := recvEvent(t, sub, "token_issued")
		if issued.VoteID != started.VoteID || issued.Token == "" {
			t.Fatalf("token event = %+v", issued)
		}
		tokens[voter] = issued.Token
	}
	return started.VoteID, tokens
}

func TestStartRequiresModerator(t *testing.T) {
	f := newFixture(t, module.RoleUser)
	f.command(t, Command{Action: "start", Parameters: Parameters{
		Kind: KindRollCall, Name: "q", AllowedParticipants: []string{ids.NewParticipantID().String()},
	}})
	if got := f.sink.lastError(t); got != "insufficient_permissions" {
		t.Fatalf("error = %q", got)
	}
}

func TestStartValidatesParameters(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	cases := []Parameters{
		{Kind: "secret", Name: "q", AllowedParticipants: []string{"p"}},
		{Kind: KindRollCall, Name: "", AllowedParticipants: []string{"p"}},
		{Kind: KindRollCall, Name: "q"},
	}
	for _, params := range cases {
		f.command(t, Command{Action: "start", Parameters: params})
		if got := f.sink.lastError(t); got != "invalid_parameters" {
			t.Fatalf("params %+v: error = %q", params, got)
		}
	}
}

func TestSecondStartRejected(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	voter := ids.NewParticipantID()
	startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	f.command(t, Command{Action: "start", Parameters: Parameters{
		Kind: KindRollCall, Name: "again", AllowedParticipants: []string{voter.String()},
	}})
	if got := f.sink.lastError(t); got != "vote_already_active" {
		t.Fatalf("error = %q", got)
	}
}

func TestVoteTokenConsumedOnce(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	voter := ids.NewParticipantID()
	voteID, tokens := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionYes})
	if len(f.sink.frames) != 0 {
		t.Fatalf("unexpected frames: %+v", f.sink.frames)
	}

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionYes})
	if got := f.sink.lastError(t); got != "invalid_vote_token" {
		t.Fatalf("error = %q", got)
	}
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	voter := ids.NewParticipantID()
	voteID, tokens := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	f.command(t, Command{Action: "vote", VoteID: "bogus", Token: tokens[voter], Option: OptionYes})
	if got := f.sink.lastError(t); got != "invalid_vote_id" {
		t.Fatalf("error = %q", got)
	}

	// Abstain is rejected unless the parameters enable it.
	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionAbstain})
	if got := f.sink.lastError(t); got != "invalid_option" {
		t.Fatalf("error = %q", got)
	}
	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: "maybe"})
	if got := f.sink.lastError(t); got != "invalid_option" {
		t.Fatalf("error = %q", got)
	}
}

func TestLiveRollCallPublishesRunningTally(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, tokens := startVote(t, f, Parameters{Kind: KindLiveRollCall, Name: "q"}, []ids.ParticipantID{voter})

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionNo})

	event := recvEvent(t, sub, "voted")
	if event.Tally == nil || event.Tally.No != 1 {
		t.Fatalf("event = %+v", event)
	}
}

func TestAutoCloseTalliesOnLastToken(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	a, b := ids.NewParticipantID(), ids.NewParticipantID()
	voteID, tokens := startVote(t, f,
		Parameters{Kind: KindRollCall, Name: "q", AutoClose: true, Abstain: true},
		[]ids.ParticipantID{a, b})

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[a], Option: OptionYes})
	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[b], Option: OptionAbstain})

	event := recvEvent(t, sub, "final_results")
	if event.StopKind != "auto" {
		t.Fatalf("event = %+v", event)
	}
	if event.Tally == nil || event.Tally.Yes != 1 || event.Tally.Abstain != 1 || event.Tally.No != 0 {
		t.Fatalf("tally = %+v", event.Tally)
	}

	// The protocol closes with stop then final_results.
	entries, err := Protocol(ctx, f.mctx.Storage(), f.mctx.Room(), voteID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("protocol = %+v", entries)
	}
	if entries[0].Kind != "start" || entries[3].Kind != "stop" || entries[4].Kind != "final_results" {
		t.Fatalf("protocol = %+v", entries)
	}
	if entries[3].StopKind != "auto" || entries[4].Tally.Yes != 1 {
		t.Fatalf("protocol tail = %+v", entries[3:])
	}

	// The vote is closed; further ballots are rejected.
	f.command(t, Command{Action: "vote", VoteID: voteID, Token: "left-over", Option: OptionYes})
	if got := f.sink.lastError(t); got != "invalid_vote_id" {
		t.Fatalf("error = %q", got)
	}
}

func TestStopByModerator(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, _ := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "stop", VoteID: voteID})

	event := recvEvent(t, sub, "final_results")
	if event.StopKind != "by_moderator" {
		t.Fatalf("event = %+v", event)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, _ := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	sub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	f.command(t, Command{Action: "cancel", VoteID: voteID, Reason: "typo in question"})

	event := recvEvent(t, sub, "canceled")
	if event.VoteID != voteID || event.Reason != "typo in question" {
		t.Fatalf("event = %+v", event)
	}

	entries, err := Protocol(ctx, f.mctx.Storage(), f.mctx.Room(), voteID)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Kind != "cancel" || last.Reason != "typo in question" {
		t.Fatalf("last entry = %+v", last)
	}
}

func TestExpireIgnoresClosedVote(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, _ := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q"}, []ids.ParticipantID{voter})

	f.command(t, Command{Action: "stop", VoteID: voteID})
	before, err := Protocol(ctx, f.mctx.Storage(), f.mctx.Room(), voteID)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mod.OnEvent(ctx, f.mctx, module.Ext{Payload: expiry{voteID: voteID}}); err != nil {
		t.Fatal(err)
	}
	after, err := Protocol(ctx, f.mctx.Storage(), f.mctx.Room(), voteID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("expiry reopened a closed vote: %+v", after)
	}
}

func TestPseudonymousOmitsUserInfo(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, tokens := startVote(t, f, Parameters{Kind: KindPseudonymous, Name: "q"}, []ids.ParticipantID{voter})

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionYes})

	entries, err := Protocol(ctx, f.mctx.Storage(), f.mctx.Room(), voteID)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Kind == "vote" && entry.UserInfo != "" {
			t.Fatalf("pseudonymous ballot carries user info: %+v", entry)
		}
	}
}

func TestLateBallotSettlesExpiredVote(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, tokens := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q", Duration: 3600}, []ids.ParticipantID{voter})

	// Backdate the stored deadline: the timer that would have ended the
	// vote died with the runner that armed it.
	past := strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	if _, err := f.mctx.Storage().Set(ctx, deadlineKey(f.mctx.Room(), voteID), past, storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}

	roomSub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer roomSub.Close()

	f.command(t, Command{Action: "vote", VoteID: voteID, Token: tokens[voter], Option: OptionYes})
	if got := f.sink.lastError(t); got != "invalid_vote_id" {
		t.Fatalf("error = %q", got)
	}
	final := recvEvent(t, roomSub, "final_results")
	if final.StopKind != "expired" || final.Tally == nil || final.Tally.Yes != 0 {
		t.Fatalf("final = %+v", final)
	}

	// The room is free for a fresh vote.
	startVote(t, f, Parameters{Kind: KindRollCall, Name: "q2"}, []ids.ParticipantID{ids.NewParticipantID()})
}

func TestStartSettlesExpiredVote(t *testing.T) {
	f := newFixture(t, module.RoleModerator)
	ctx := context.Background()
	voter := ids.NewParticipantID()
	voteID, _ := startVote(t, f, Parameters{Kind: KindRollCall, Name: "q", Duration: 3600}, []ids.ParticipantID{voter})

	past := strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	if _, err := f.mctx.Storage().Set(ctx, deadlineKey(f.mctx.Room(), voteID), past, storage.SetOptions{}); err != nil {
		t.Fatal(err)
	}

	roomSub, err := f.ex.Subscribe(ctx, exchange.TopicRoomAll(f.mctx.Room()))
	if err != nil {
		t.Fatal(err)
	}
	defer roomSub.Close()

	f.command(t, Command{Action: "start", Parameters: Parameters{
		Kind: KindRollCall, Name: "q2", AllowedParticipants: []string{voter.String()},
	}})
	if final := recvEvent(t, roomSub, "final_results"); final.StopKind != "expired" {
		t.Fatalf("final = %+v", final)
	}
	recvEvent(t, roomSub, "started")
}
