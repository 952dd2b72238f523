// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package breakout implements the breakout room signaling module. The
// active configuration lives under the parent room key so every breakout
// of the room observes the same state; start and stop announcements
// travel on the cross-breakout topic.
package breakout

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
const Namespace = "breakout"

// maxRooms bounds one breakout session.
const maxRooms = 64

// BreakoutRoom is one sub-room of an active configuration.
type BreakoutRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config is the active breakout configuration of a parent room.
type Config struct {
	Rooms    []BreakoutRoom `json:"rooms"`
	Started  time.Time      `json:"started"`
	Duration int64          `json:"duration,omitempty"` // seconds, 0 = unbounded
}

// Expired reports whether a bounded session has run out at the given
// time.
func (c Config) Expired(now time.Time) bool {
	if c.Duration <= 0 {
		return false
	}
	return now.After(c.Started.Add(time.Duration(c.Duration) * time.Second))
}

// RoomRequest names one sub-room to create.
type RoomRequest struct {
	Name string `json:"name"`
}

// Command is one inbound breakout command.
type Command struct {
	Action   string        `json:"action"`
	Rooms    []RoomRequest `json:"rooms,omitempty"`
	Duration int64         `json:"duration,omitempty"`
}

// Event is the module's broadcast payload.
type Event struct {
	Message string  `json:"message"`
	Config  *Config `json:"config,omitempty"`
}

// FrontendData is the breakout state injected into join_success. Config
// is nil while no session is active.
type FrontendData struct {
	Config *Config `json:"config"`
}

// expiry is the external event submitted when a bounded session times
// out. Started disambiguates against a newer session under the same key.
type expiry struct {
	started time.Time
}

// configKey addresses the active configuration under the parent room,
// ignoring any breakout scoping of the session itself.
func configKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(ids.NewSignalingRoomID(r.Room), "breakout:config")
}

func lockKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(ids.NewSignalingRoomID(r.Room), "breakout:lock")
}

// Breakout is the per-session module instance.
type Breakout struct{}

// NewInit builds the registration hook.
func NewInit() module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &Breakout{}, nil
	}
}

// Namespace implements module.Module.
func (b *Breakout) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (b *Breakout) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		cfg, err := b.load(ctx, mctx)
		if err != nil {
			return err
		}
		// The expiry timer lives on the runner that started the session;
		// when that runner is gone the deadline still binds.
		if cfg != nil && cfg.Expired(time.Now()) {
			cfg = nil
		}
		ev.FrontendData = FrontendData{Config: cfg}
		return nil

	case module.WsMessage:
		return b.onCommand(ctx, mctx, ev)

	case module.ExchangeMessage:
		var payload json.RawMessage = ev.Payload
		return mctx.Send(payload)

	case module.Ext:
		if exp, ok := ev.Payload.(expiry); ok {
			return b.expire(ctx, mctx, exp.started)
		}
		return nil

	default:
		return nil
	}
}

// OnDestroy implements module.Module. The configuration belongs to the
// parent room namespace and survives a breakout teardown.
func (b *Breakout) OnDestroy(context.Context, *module.DestroyContext) {}

func (b *Breakout) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}
	if !mctx.Role().IsModerator() {
		return mctx.SendError("insufficient_permissions")
	}

	switch cmd.Action {
	case "start":
		return b.start(ctx, mctx, cmd)
	case "stop":
		return b.stop(ctx, mctx)
	default:
		return mctx.SendError("invalid_command")
	}
}

func (b *Breakout) start(ctx context.Context, mctx *module.Context, cmd Command) error {
	if len(cmd.Rooms) == 0 || len(cmd.Rooms) > maxRooms {
		return mctx.SendError("invalid_room_count")
	}
	for _, req := range cmd.Rooms {
		if req.Name == "" {
			return mctx.SendError("invalid_room_name")
		}
	}

	guard, err := b.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer b.unlock(ctx, guard)

	if existing, err := b.load(ctx, mctx); err != nil {
		return err
	} else if existing != nil {
		if !existing.Expired(time.Now()) {
			return mctx.SendError("session_already_active")
		}
		// Deadline passed but the runner that armed the timer is gone;
		// settle the stale session before starting the new one.
		if err := b.finish(ctx, mctx); err != nil {
			return err
		}
	}

	cfg := Config{
		Rooms:    make([]BreakoutRoom, 0, len(cmd.Rooms)),
		Started:  time.Now().UTC(),
		Duration: cmd.Duration,
	}
	for _, req := range cmd.Rooms {
		cfg.Rooms = append(cfg.Rooms, BreakoutRoom{
			ID:   ids.NewBreakoutID().String(),
			Name: req.Name,
		})
	}
	if err := b.save(ctx, mctx, cfg); err != nil {
		return err
	}
	if err := mctx.PublishGlobal(ctx, Event{Message: "started", Config: &cfg}); err != nil {
		return err
	}

	if cfg.Duration > 0 {
		duration := time.Duration(cfg.Duration) * time.Second
		started := cfg.Started
		time.AfterFunc(duration, func() {
			mctx.SubmitExt(expiry{started: started})
		})
	}
	return nil
}

func (b *Breakout) stop(ctx context.Context, mctx *module.Context) error {
	guard, err := b.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer b.unlock(ctx, guard)

	cfg, err := b.load(ctx, mctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		return mctx.SendError("no_active_session")
	}
	return b.finish(ctx, mctx)
}

// expire tears down a timed-out session. A session restarted since the
// timer was armed is left alone.
func (b *Breakout) expire(ctx context.Context, mctx *module.Context, started time.Time) error {
	guard, err := b.lock(ctx, mctx)
	if err != nil {
		return err
	}
	defer b.unlock(ctx, guard)

	cfg, err := b.load(ctx, mctx)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.Started.Equal(started) {
		return nil
	}
	return b.finish(ctx, mctx)
}

// finish clears the configuration and announces the stop across all
// breakouts. Caller holds the lock.
func (b *Breakout) finish(ctx context.Context, mctx *module.Context) error {
	if err := mctx.Storage().Delete(ctx, configKey(mctx.Room())); err != nil {
		return fmt.Errorf("clear breakout config: %w", err)
	}
	return mctx.PublishGlobal(ctx, Event{Message: "stopped"})
}

// load reads the active configuration; nil when no session runs.
func (b *Breakout) load(ctx context.Context, mctx *module.Context) (*Config, error) {
	raw, ok, err := mctx.Storage().Get(ctx, configKey(mctx.Room()))
	if err != nil {
		return nil, fmt.Errorf("read breakout config: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("corrupt breakout config: %w", err)
	}
	return &cfg, nil
}

func (b *Breakout) save(ctx context.Context, mctx *module.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal breakout config: %w", err)
	}
	if _, err := mctx.Storage().Set(ctx, configKey(mctx.Room()), string(raw), storage.SetOptions{}); err != nil {
		return fmt.Errorf("store breakout config: %w", err)
	}
	return nil
}

func (b *Breakout) lock(ctx context.Context, mctx *module.Context) (*storage.LockGuard, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return storage.Lock(lockCtx, mctx.Storage(), lockKey(mctx.Room()), storage.DefaultLockTTL)
}

func (b *Breakout) unlock(ctx context.Context, guard *storage.LockGuard) {
	if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
		logging.Warn().Err(err).Msg("breakout lock release failed")
	}
}
