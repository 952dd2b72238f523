// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package legalvote implements the legal vote signaling module. A vote
// is an append-only protocol of entries; each allowed participant gets a
// one-time token that is consumed atomically on voting, so the tally can
// never exceed the initial allow-list.
package legalvote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/storage"
)

// Namespace is the module's protocol identifier.
const Namespace = "legal_vote"

// Kind selects how much voter identity the protocol records.
type Kind string

const (
	KindRollCall     Kind = "roll_call"
	KindLiveRollCall Kind = "live_roll_call"
	KindPseudonymous Kind = "pseudonymous"
)

func (k Kind) valid() bool {
	switch k {
	case KindRollCall, KindLiveRollCall, KindPseudonymous:
		return true
	}
	return false
}

// Option is one ballot choice.
type Option string

const (
	OptionYes     Option = "yes"
	OptionNo      Option = "no"
	OptionAbstain Option = "abstain"
)

// Parameters configure one vote.
type Parameters struct {
	Kind                Kind     `json:"kind"`
	Name                string   `json:"name"`
	Subtitle            string   `json:"subtitle,omitempty"`
	AllowedParticipants []string `json:"allowed_participants"`
	Abstain             bool     `json:"abstain"`
	AutoClose           bool     `json:"auto_close"`
	Duration            int64    `json:"duration,omitempty"` // seconds, 0 = unbounded
}

// Tally is the vote outcome.
type Tally struct {
	Yes     int64 `json:"yes"`
	No      int64 `json:"no"`
	Abstain int64 `json:"abstain"`
}

// ProtocolEntry is one record of the append-only vote protocol.
type ProtocolEntry struct {
	Kind      string    `json:"kind"` // start, vote, stop, cancel, final_results
	Timestamp time.Time `json:"timestamp"`

	Parameters *Parameters `json:"parameters,omitempty"` // start
	Issuer     string      `json:"issuer,omitempty"`     // start

	Token    string `json:"token,omitempty"`     // vote
	Option   Option `json:"option,omitempty"`    // vote
	UserInfo string `json:"user_info,omitempty"` // vote, absent for pseudonymous

	StopKind string `json:"stop_kind,omitempty"` // stop: auto, by_moderator, expired
	Reason   string `json:"reason,omitempty"`    // cancel

	Tally *Tally `json:"tally,omitempty"` // final_results
}

// Command is one inbound vote command.
type Command struct {
	Action     string     `json:"action"`
	VoteID     string     `json:"vote_id,omitempty"`
	Parameters Parameters `json:"parameters,omitempty"`
	Token      string     `json:"token,omitempty"`
	Option     Option     `json:"option,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Event is the module's broadcast payload.
type Event struct {
	Message    string      `json:"message"`
	VoteID     string      `json:"vote_id,omitempty"`
	Parameters *Parameters `json:"parameters,omitempty"`
	Token      string      `json:"token,omitempty"`
	StopKind   string      `json:"stop_kind,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Tally      *Tally      `json:"tally,omitempty"`
}

// expiry is the external event submitted when a bounded vote times out.
type expiry struct {
	voteID string
}

// LegalVote is the per-session module instance.
type LegalVote struct{}

// NewInit builds the registration hook.
func NewInit() module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &LegalVote{}, nil
	}
}

// Namespace implements module.Module.
func (l *LegalVote) Namespace() string { return Namespace }

// Storage keys.

func currentKey(r ids.SignalingRoomID) string { return storage.RoomKey(r, "legalvote:current") }
func lockKey(r ids.SignalingRoomID) string    { return storage.RoomKey(r, "legalvote:lock") }
func parametersKey(r ids.SignalingRoomID, vote string) string {
	return storage.RoomKey(r, "legalvote:vote="+vote+":parameters")
}
func protocolKey(r ids.SignalingRoomID, vote string) string {
	return storage.RoomKey(r, "legalvote:vote="+vote+":protocol")
}
func tokensKey(r ids.SignalingRoomID, vote string) string {
	return storage.RoomKey(r, "legalvote:vote="+vote+":tokens")
}
func deadlineKey(r ids.SignalingRoomID, vote string) string {
	return storage.RoomKey(r, "legalvote:vote="+vote+":deadline")
}

// OnEvent implements module.Module.
func (l *LegalVote) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case module.WsMessage:
		return l.onCommand(ctx, mctx, ev)
	case module.ExchangeMessage:
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)
	case module.Ext:
		if exp, ok := ev.Payload.(expiry); ok {
			return l.expire(ctx, mctx, exp.voteID)
		}
		return nil
	default:
		return nil
	}
}

// OnDestroy implements module.Module. Vote state is room-scoped.
func (l *LegalVote) OnDestroy(context.Context, *module.DestroyContext) {}

func (l *LegalVote) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}

	switch cmd.Action {
	case "start":
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		return l.start(ctx, mctx, cmd.Parameters)
	case "vote":
		return l.vote(ctx, mctx, cmd)
	case "stop":
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		return l.stop(ctx, mctx, cmd.VoteID, "by_moderator")
	case "cancel":
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		return l.cancel(ctx, mctx, cmd)
	default:
		return mctx.SendError("invalid_command")
	}
}

func (l *LegalVote) start(ctx context.Context, mctx *module.Context, params Parameters) error {
	if !params.Kind.valid() || params.Name == "" || len(params.AllowedParticipants) == 0 {
		return mctx.SendError("invalid_parameters")
	}

	guard, err := l.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer l.unlock(ctx, guard)

	s := mctx.Storage()
	r := mctx.Room()
	if current, active, err := s.Get(ctx, currentKey(r)); err != nil {
		return fmt.Errorf("read current vote: %w", err)
	} else if active {
		passed, err := l.deadlinePassed(ctx, mctx, current)
		if err != nil {
			return err
		}
		if !passed {
			return mctx.SendError("vote_already_active")
		}
		// The expiry timer died with the runner that armed it; settle
		// the stale vote before opening the new one.
		if err := l.finish(ctx, mctx, current, "expired"); err != nil {
			return err
		}
	}

	voteID := uuid.NewString()
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal vote parameters: %w", err)
	}
	if _, err := s.Set(ctx, parametersKey(r, voteID), string(rawParams), storage.SetOptions{}); err != nil {
		return fmt.Errorf("store vote parameters: %w", err)
	}

	// One single-use token per allowed participant.
	tokens := make(map[string]string, len(params.AllowedParticipants))
	for _, participant := range params.AllowedParticipants {
		token := string(ids.NewTicketToken())
		tokens[participant] = token
		if err := s.SAdd(ctx, tokensKey(r, voteID), token); err != nil {
			return fmt.Errorf("store vote token: %w", err)
		}
	}

	if err := l.appendProtocol(ctx, mctx, voteID, ProtocolEntry{
		Kind:       "start",
		Timestamp:  time.Now().UTC(),
		Parameters: &params,
		Issuer:     mctx.Participant().String(),
	}); err != nil {
		return err
	}
	if params.Duration > 0 {
		deadline := time.Now().UTC().Add(time.Duration(params.Duration) * time.Second)
		if _, err := s.Set(ctx, deadlineKey(r, voteID), strconv.FormatInt(deadline.UnixMilli(), 10), storage.SetOptions{}); err != nil {
			return fmt.Errorf("store vote deadline: %w", err)
		}
	}
	if _, err := s.Set(ctx, currentKey(r), voteID, storage.SetOptions{}); err != nil {
		return fmt.Errorf("set current vote: %w", err)
	}

	if err := mctx.PublishRoom(ctx, Event{Message: "started", VoteID: voteID, Parameters: &params}); err != nil {
		return err
	}
	for participant, token := range tokens {
		id, err := ids.ParseParticipantID(participant)
		if err != nil {
			continue
		}
		event := Event{Message: "token_issued", VoteID: voteID, Token: token}
		if err := mctx.PublishParticipant(ctx, id, event); err != nil {
			logging.Warn().Err(err).Msg("vote token delivery failed")
		}
	}

	if params.Duration > 0 {
		duration := time.Duration(params.Duration) * time.Second
		time.AfterFunc(duration, func() {
			mctx.SubmitExt(expiry{voteID: voteID})
		})
	}
	return nil
}

func (l *LegalVote) vote(ctx context.Context, mctx *module.Context, cmd Command) error {
	guard, err := l.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer l.unlock(ctx, guard)

	s := mctx.Storage()
	r := mctx.Room()
	current, active, err := s.Get(ctx, currentKey(r))
	if err != nil {
		return fmt.Errorf("read current vote: %w", err)
	}
	if !active || current != cmd.VoteID {
		return mctx.SendError("invalid_vote_id")
	}
	passed, err := l.deadlinePassed(ctx, mctx, cmd.VoteID)
	if err != nil {
		return err
	}
	if passed {
		// The vote outlived its deadline without the timer firing;
		// settle it and reject the late ballot.
		if err := l.finish(ctx, mctx, cmd.VoteID, "expired"); err != nil {
			return err
		}
		return mctx.SendError("invalid_vote_id")
	}

	params, err := l.loadParameters(ctx, mctx, cmd.VoteID)
	if err != nil {
		return err
	}
	switch cmd.Option {
	case OptionYes, OptionNo:
	case OptionAbstain:
		if !params.Abstain {
			return mctx.SendError("invalid_option")
		}
	default:
		return mctx.SendError("invalid_option")
	}

	// Atomic check-and-consume: the removal count decides validity.
	removed, err := s.SRem(ctx, tokensKey(r, cmd.VoteID), cmd.Token)
	if err != nil {
		return fmt.Errorf("consume vote token: %w", err)
	}
	if removed == 0 {
		return mctx.SendError("invalid_vote_token")
	}

	entry := ProtocolEntry{
		Kind:      "vote",
		Timestamp: time.Now().UTC(),
		Token:     cmd.Token,
		Option:    cmd.Option,
	}
	if params.Kind != KindPseudonymous {
		entry.UserInfo = mctx.Participant().String()
	}
	if err := l.appendProtocol(ctx, mctx, cmd.VoteID, entry); err != nil {
		return err
	}

	if params.Kind == KindLiveRollCall {
		tally, err := l.tally(ctx, mctx, cmd.VoteID)
		if err != nil {
			return err
		}
		if err := mctx.PublishRoom(ctx, Event{Message: "voted", VoteID: cmd.VoteID, Tally: tally}); err != nil {
			return err
		}
	}

	if params.AutoClose {
		remaining, err := s.SCard(ctx, tokensKey(r, cmd.VoteID))
		if err != nil {
			return fmt.Errorf("count remaining tokens: %w", err)
		}
		if remaining == 0 {
			return l.finish(ctx, mctx, cmd.VoteID, "auto")
		}
	}
	return nil
}

// loadParameters reads back the parameters stored by start.
func (l *LegalVote) loadParameters(ctx context.Context, mctx *module.Context, voteID string) (Parameters, error) {
	raw, ok, err := mctx.Storage().Get(ctx, parametersKey(mctx.Room(), voteID))
	if err != nil {
		return Parameters{}, fmt.Errorf("read vote parameters: %w", err)
	}
	if !ok {
		return Parameters{}, fmt.Errorf("vote parameters missing for %s", voteID)
	}
	var params Parameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return Parameters{}, fmt.Errorf("corrupt vote parameters: %w", err)
	}
	return params, nil
}

func (l *LegalVote) stop(ctx context.Context, mctx *module.Context, voteID, stopKind string) error {
	guard, err := l.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer l.unlock(ctx, guard)

	current, active, err := mctx.Storage().Get(ctx, currentKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read current vote: %w", err)
	}
	if !active || (voteID != "" && current != voteID) {
		return mctx.SendError("invalid_vote_id")
	}
	return l.finish(ctx, mctx, current, stopKind)
}

func (l *LegalVote) cancel(ctx context.Context, mctx *module.Context, cmd Command) error {
	guard, err := l.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer l.unlock(ctx, guard)

	s := mctx.Storage()
	current, active, err := s.Get(ctx, currentKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read current vote: %w", err)
	}
	if !active {
		return mctx.SendError("invalid_vote_id")
	}
	if err := l.appendProtocol(ctx, mctx, current, ProtocolEntry{
		Kind:      "cancel",
		Timestamp: time.Now().UTC(),
		Reason:    cmd.Reason,
	}); err != nil {
		return err
	}
	if err := s.Delete(ctx, currentKey(mctx.Room())); err != nil {
		return fmt.Errorf("clear current vote: %w", err)
	}
	return mctx.PublishRoom(ctx, Event{Message: "canceled", VoteID: current, Reason: cmd.Reason})
}

// deadlinePassed reports whether a bounded vote has outlived its stored
// deadline. Votes without a duration never expire.
func (l *LegalVote) deadlinePassed(ctx context.Context, mctx *module.Context, voteID string) (bool, error) {
	raw, ok, err := mctx.Storage().Get(ctx, deadlineKey(mctx.Room(), voteID))
	if err != nil {
		return false, fmt.Errorf("read vote deadline: %w", err)
	}
	if !ok {
		return false, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt vote deadline: %w", err)
	}
	return time.Now().UnixMilli() > millis, nil
}

// expire handles a duration timeout. A vote that already closed is left
// alone.
func (l *LegalVote) expire(ctx context.Context, mctx *module.Context, voteID string) error {
	guard, err := l.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer l.unlock(ctx, guard)

	current, active, err := mctx.Storage().Get(ctx, currentKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read current vote: %w", err)
	}
	if !active || current != voteID {
		return nil
	}
	return l.finish(ctx, mctx, voteID, "expired")
}

// finish appends the stop and final-results entries, clears the current
// pointer and broadcasts the outcome. Caller holds the vote lock.
func (l *LegalVote) finish(ctx context.Context, mctx *module.Context, voteID, stopKind string) error {
	now := time.Now().UTC()
	if err := l.appendProtocol(ctx, mctx, voteID, ProtocolEntry{
		Kind:      "stop",
		Timestamp: now,
		StopKind:  stopKind,
	}); err != nil {
		return err
	}
	tally, err := l.tally(ctx, mctx, voteID)
	if err != nil {
		return err
	}
	if err := l.appendProtocol(ctx, mctx, voteID, ProtocolEntry{
		Kind:      "final_results",
		Timestamp: now,
		Tally:     tally,
	}); err != nil {
		return err
	}
	if err := mctx.Storage().Delete(ctx, currentKey(mctx.Room()), deadlineKey(mctx.Room(), voteID)); err != nil {
		return fmt.Errorf("clear current vote: %w", err)
	}
	return mctx.PublishRoom(ctx, Event{
		Message:  "final_results",
		VoteID:   voteID,
		StopKind: stopKind,
		Tally:    tally,
	})
}

// tally renders the outcome from the protocol entries.
func (l *LegalVote) tally(ctx context.Context, mctx *module.Context, voteID string) (*Tally, error) {
	entries, err := mctx.Storage().LRange(ctx, protocolKey(mctx.Room(), voteID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read vote protocol: %w", err)
	}
	var tally Tally
	for _, raw := range entries {
		var entry ProtocolEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Kind != "vote" {
			continue
		}
		switch entry.Option {
		case OptionYes:
			tally.Yes++
		case OptionNo:
			tally.No++
		case OptionAbstain:
			tally.Abstain++
		}
	}
	return &tally, nil
}

func (l *LegalVote) appendProtocol(ctx context.Context, mctx *module.Context, voteID string, entry ProtocolEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal protocol entry: %w", err)
	}
	if err := mctx.Storage().RPush(ctx, protocolKey(mctx.Room(), voteID), string(raw)); err != nil {
		return fmt.Errorf("append protocol entry: %w", err)
	}
	return nil
}

// Protocol reads a vote's full protocol, e.g. for report rendering.
func Protocol(ctx context.Context, s storage.Storage, r ids.SignalingRoomID, voteID string) ([]ProtocolEntry, error) {
	entries, err := s.LRange(ctx, protocolKey(r, voteID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read vote protocol: %w", err)
	}
	out := make([]ProtocolEntry, 0, len(entries))
	for _, raw := range entries {
		var entry ProtocolEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("corrupt protocol entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *LegalVote) lock(ctx context.Context, mctx *module.Context) (*storage.LockGuard, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.Lock(lockCtx, mctx.Storage(), lockKey(mctx.Room()), storage.DefaultLockTTL)
}

func (l *LegalVote) unlock(ctx context.Context, guard *storage.LockGuard) {
	if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
		logging.Warn().Err(err).Msg("vote lock release failed")
	}
}
