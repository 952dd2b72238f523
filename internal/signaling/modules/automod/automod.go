// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package automod implements the speaker-rotation signaling module. A
// moderator starts a session with a selection strategy; speaker
// transitions append paired start/stop entries to a timestamp-scored
// history. All mutations run under a room-level automod lock.
package automod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/storage"
)

// Namespace is the module's protocol identifier.
const Namespace = "automod"

// Strategy selects how the next speaker is chosen.
type Strategy string

const (
	// StrategyNone leaves selection to explicit moderator picks.
	StrategyNone Strategy = "none"
	// StrategyPlaylist pops the playlist head.
	StrategyPlaylist Strategy = "playlist"
	// StrategyRandom pops a random allow-list member.
	StrategyRandom Strategy = "random"
	// StrategyNomination lets the current speaker name the next.
	StrategyNomination Strategy = "nomination"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyNone, StrategyPlaylist, StrategyRandom, StrategyNomination:
		return true
	}
	return false
}

// Config is the stored automod session configuration.
type Config struct {
	Strategy Strategy `json:"selection_strategy"`
}

// HistoryEntry is one speaker transition record.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Participant string    `json:"participant"`
	Kind        string    `json:"kind"` // start or stop
}

// Command is one inbound automod command.
type Command struct {
	Action      string   `json:"action"`
	Strategy    Strategy `json:"selection_strategy,omitempty"`
	Playlist    []string `json:"playlist,omitempty"`
	AllowList   []string `json:"allow_list,omitempty"`
	Participant string   `json:"participant,omitempty"`
}

// Event is the module's broadcast payload.
type Event struct {
	Message string  `json:"message"`
	Config  *Config `json:"config,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
}

// FrontendData is the automod state injected into join_success; nil
// when no session is active.
type FrontendData struct {
	Config  Config `json:"config"`
	Speaker string `json:"speaker,omitempty"`
}

// errNotStarted distinguishes commands against an idle automod.
var errNotStarted = errors.New("automod not started")

// Automod is the per-session module instance.
type Automod struct{}

// NewInit builds the registration hook.
func NewInit() module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &Automod{}, nil
	}
}

// Namespace implements module.Module.
func (a *Automod) Namespace() string { return Namespace }

// Storage keys.

func configKey(r ids.SignalingRoomID) string { return storage.RoomKey(r, "automod:config") }
func playlistKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(r, "automod:playlist")
}
func allowListKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(r, "automod:allow-list")
}
func speakerKey(r ids.SignalingRoomID) string { return storage.RoomKey(r, "automod:speaker") }
func historyKey(r ids.SignalingRoomID) string { return storage.RoomKey(r, "automod:history") }
func lockKey(r ids.SignalingRoomID) string    { return storage.RoomKey(r, "automod:lock") }

// OnEvent implements module.Module.
func (a *Automod) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		return a.onJoined(ctx, mctx, ev)
	case module.WsMessage:
		return a.onCommand(ctx, mctx, ev)
	case module.ExchangeMessage:
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)
	default:
		return nil
	}
}

// OnDestroy implements module.Module. Automod state is room-scoped.
func (a *Automod) OnDestroy(context.Context, *module.DestroyContext) {}

func (a *Automod) onJoined(ctx context.Context, mctx *module.Context, ev *module.Joined) error {
	config, err := a.loadConfig(ctx, mctx)
	if err != nil {
		if errors.Is(err, errNotStarted) {
			return nil
		}
		return err
	}
	speaker, _, err := mctx.Storage().Get(ctx, speakerKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read speaker: %w", err)
	}
	ev.FrontendData = FrontendData{Config: *config, Speaker: speaker}
	return nil
}

func (a *Automod) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}

	switch cmd.Action {
	case "start":
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		return a.start(ctx, mctx, cmd)
	case "stop":
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		return a.stop(ctx, mctx)
	case "select":
		return a.selectNext(ctx, mctx, cmd.Participant)
	case "yield":
		return a.yield(ctx, mctx)
	default:
		return mctx.SendError("invalid_command")
	}
}

func (a *Automod) start(ctx context.Context, mctx *module.Context, cmd Command) error {
	if !cmd.Strategy.valid() {
		return mctx.SendError("invalid_strategy")
	}
	guard, err := a.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer a.unlock(ctx, guard)

	s := mctx.Storage()
	r := mctx.Room()
	config := Config{Strategy: cmd.Strategy}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal automod config: %w", err)
	}
	if _, err := s.Set(ctx, configKey(r), string(raw), storage.SetOptions{}); err != nil {
		return fmt.Errorf("store automod config: %w", err)
	}
	if err := s.Delete(ctx, playlistKey(r), allowListKey(r), speakerKey(r)); err != nil {
		return fmt.Errorf("reset automod state: %w", err)
	}
	if len(cmd.Playlist) > 0 {
		if err := s.RPush(ctx, playlistKey(r), cmd.Playlist...); err != nil {
			return fmt.Errorf("store playlist: %w", err)
		}
	}
	if len(cmd.AllowList) > 0 {
		if err := s.SAdd(ctx, allowListKey(r), cmd.AllowList...); err != nil {
			return fmt.Errorf("store allow list: %w", err)
		}
	}
	return mctx.PublishRoom(ctx, Event{Message: "started", Config: &config})
}

func (a *Automod) stop(ctx context.Context, mctx *module.Context) error {
	guard, err := a.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer a.unlock(ctx, guard)

	if _, err := a.loadConfig(ctx, mctx); err != nil {
		if errors.Is(err, errNotStarted) {
			return mctx.SendError("not_started")
		}
		return err
	}
	if err := a.transition(ctx, mctx, ""); err != nil {
		return err
	}
	r := mctx.Room()
	if err := mctx.Storage().Delete(ctx, configKey(r), playlistKey(r), allowListKey(r)); err != nil {
		return fmt.Errorf("clear automod state: %w", err)
	}
	return mctx.PublishRoom(ctx, Event{Message: "stopped"})
}

// selectNext picks the next speaker per the configured strategy.
func (a *Automod) selectNext(ctx context.Context, mctx *module.Context, nominee string) error {
	guard, err := a.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer a.unlock(ctx, guard)

	config, err := a.loadConfig(ctx, mctx)
	if err != nil {
		if errors.Is(err, errNotStarted) {
			return mctx.SendError("not_started")
		}
		return err
	}

	s := mctx.Storage()
	r := mctx.Room()
	current, _, err := s.Get(ctx, speakerKey(r))
	if err != nil {
		return fmt.Errorf("read speaker: %w", err)
	}

	var next string
	switch config.Strategy {
	case StrategyNone:
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		next = nominee

	case StrategyPlaylist:
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		head, ok, err := s.LPop(ctx, playlistKey(r))
		if err != nil {
			return fmt.Errorf("pop playlist: %w", err)
		}
		if !ok {
			return mctx.SendError("playlist_empty")
		}
		next = head

	case StrategyRandom:
		if !mctx.Role().IsModerator() {
			return mctx.SendError("insufficient_permissions")
		}
		member, ok, err := s.SPop(ctx, allowListKey(r))
		if err != nil {
			return fmt.Errorf("pop allow list: %w", err)
		}
		if !ok {
			return mctx.SendError("allow_list_empty")
		}
		next = member

	case StrategyNomination:
		// Only the current speaker may nominate.
		if current != mctx.Participant().String() {
			return mctx.SendError("insufficient_permissions")
		}
		next = nominee
	}

	if next == "" {
		return mctx.SendError("invalid_selection")
	}
	if _, err := ids.ParseParticipantID(next); err != nil {
		return mctx.SendError("invalid_selection")
	}
	return a.transition(ctx, mctx, next)
}

// yield lets the current speaker step down without a successor.
func (a *Automod) yield(ctx context.Context, mctx *module.Context) error {
	guard, err := a.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer a.unlock(ctx, guard)

	current, _, err := mctx.Storage().Get(ctx, speakerKey(mctx.Room()))
	if err != nil {
		return fmt.Errorf("read speaker: %w", err)
	}
	if current != mctx.Participant().String() {
		return mctx.SendError("insufficient_permissions")
	}
	return a.transition(ctx, mctx, "")
}

// transition moves the speaker assignment, appending the paired history
// entries atomically under the held automod lock: a stop for the
// outgoing speaker, a start for the incoming one.
func (a *Automod) transition(ctx context.Context, mctx *module.Context, next string) error {
	s := mctx.Storage()
	r := mctx.Room()
	now := time.Now().UTC()

	current, hasCurrent, err := s.Get(ctx, speakerKey(r))
	if err != nil {
		return fmt.Errorf("read speaker: %w", err)
	}
	if hasCurrent {
		if err := a.appendHistory(ctx, mctx, HistoryEntry{Timestamp: now, Participant: current, Kind: "stop"}); err != nil {
			return err
		}
	}
	if next == "" {
		if err := s.Delete(ctx, speakerKey(r)); err != nil {
			return fmt.Errorf("clear speaker: %w", err)
		}
	} else {
		if _, err := s.Set(ctx, speakerKey(r), next, storage.SetOptions{}); err != nil {
			return fmt.Errorf("set speaker: %w", err)
		}
		if err := a.appendHistory(ctx, mctx, HistoryEntry{Timestamp: now, Participant: next, Kind: "start"}); err != nil {
			return err
		}
	}
	return mctx.PublishRoom(ctx, Event{Message: "speaker_updated", Speaker: next})
}

func (a *Automod) appendHistory(ctx context.Context, mctx *module.Context, entry HistoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	score := float64(entry.Timestamp.UnixNano())
	if err := mctx.Storage().ZAdd(ctx, historyKey(mctx.Room()), score, string(raw)); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (a *Automod) loadConfig(ctx context.Context, mctx *module.Context) (*Config, error) {
	raw, ok, err := mctx.Storage().Get(ctx, configKey(mctx.Room()))
	if err != nil {
		return nil, fmt.Errorf("read automod config: %w", err)
	}
	if !ok {
		return nil, errNotStarted
	}
	var config Config
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("corrupt automod config: %w", err)
	}
	return &config, nil
}

func (a *Automod) lock(ctx context.Context, mctx *module.Context) (*storage.LockGuard, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.Lock(lockCtx, mctx.Storage(), lockKey(mctx.Room()), storage.DefaultLockTTL)
}

func (a *Automod) unlock(ctx context.Context, guard *storage.LockGuard) {
	if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
		logging.Warn().Err(err).Msg("automod lock release failed")
	}
}
