// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package chat implements the chat signaling module with three scopes:
// the whole room, tenant groups and private conversations between two
// participants. Histories are bounded sorted sets scored by timestamp;
// retention is configurable via the history limit.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/storage"
)

// Namespace is the module's protocol identifier.
const Namespace = "chat"

// Scope selects a chat audience.
type Scope string

const (
	ScopeRoom    Scope = "room"
	ScopeGroup   Scope = "group"
	ScopePrivate Scope = "private"
)

// maxContentLen bounds a message body in bytes.
const maxContentLen = 4096

// StoredMessage is one chat entry, both at rest and on the wire.
type StoredMessage struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Scope     Scope     `json:"scope"`
	Group     string    `json:"group,omitempty"`
	Target    string    `json:"target,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is one inbound chat command.
type Command struct {
	Action    string `json:"action"`
	Scope     Scope  `json:"scope,omitempty"`
	Group     string `json:"group,omitempty"`
	Target    string `json:"target,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// FrontendData is the chat state injected into join_success.
type FrontendData struct {
	Enabled     bool            `json:"enabled"`
	RoomHistory []StoredMessage `json:"room_history"`
	Groups      []string        `json:"groups"`
}

// Chat is the per-session module instance.
type Chat struct {
	coord        *room.Coordinator
	historyLimit int64
}

// NewInit builds the registration hook. historyLimit bounds stored
// messages per scope.
func NewInit(coord *room.Coordinator, historyLimit int64) module.Init {
	return func(context.Context, *module.Context, module.InitContext) (module.Module, error) {
		return &Chat{coord: coord, historyLimit: historyLimit}, nil
	}
}

// Namespace implements module.Module.
func (c *Chat) Namespace() string { return Namespace }

// OnEvent implements module.Module.
func (c *Chat) OnEvent(ctx context.Context, mctx *module.Context, event module.Event) error {
	switch ev := event.(type) {
	case *module.Joined:
		return c.onJoined(ctx, mctx, ev)
	case module.WsMessage:
		return c.onCommand(ctx, mctx, ev)
	case module.ExchangeMessage:
		return c.onExchange(mctx, ev)
	default:
		return nil
	}
}

// OnDestroy implements module.Module. Histories are room-scoped and go
// with the namespace purge; per-participant last-seen attributes are
// cleaned by the runner.
func (c *Chat) OnDestroy(context.Context, *module.DestroyContext) {}

func (c *Chat) onJoined(ctx context.Context, mctx *module.Context, ev *module.Joined) error {
	enabled, err := c.coord.Flag(ctx, mctx.Room(), room.FlagChatEnabled)
	if err != nil {
		return fmt.Errorf("read chat flag: %w", err)
	}
	history, err := c.history(ctx, mctx, roomHistoryKey(mctx.Room()))
	if err != nil {
		return err
	}
	groups := mctx.Session().Groups
	if groups == nil {
		groups = []string{}
	}
	ev.FrontendData = FrontendData{
		Enabled:     enabled,
		RoomHistory: history,
		Groups:      groups,
	}
	return nil
}

func (c *Chat) onCommand(ctx context.Context, mctx *module.Context, msg module.WsMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return mctx.SendError("invalid_command")
	}
	switch cmd.Action {
	case "send_message":
		return c.sendMessage(ctx, mctx, cmd)
	case "set_last_seen":
		return c.setLastSeen(ctx, mctx, cmd)
	default:
		return mctx.SendError("invalid_command")
	}
}

func (c *Chat) sendMessage(ctx context.Context, mctx *module.Context, cmd Command) error {
	enabled, err := c.coord.Flag(ctx, mctx.Room(), room.FlagChatEnabled)
	if err != nil {
		return fmt.Errorf("read chat flag: %w", err)
	}
	if !enabled {
		return mctx.SendError("chat_disabled")
	}
	if cmd.Content == "" || len(cmd.Content) > maxContentLen {
		return mctx.SendError("invalid_content")
	}

	message := StoredMessage{
		ID:        uuid.NewString(),
		Source:    mctx.Participant().String(),
		Scope:     cmd.Scope,
		Content:   cmd.Content,
		Timestamp: time.Now().UTC(),
	}

	switch cmd.Scope {
	case ScopeRoom:
		if err := c.store(ctx, mctx, roomHistoryKey(mctx.Room()), message); err != nil {
			return err
		}
		return mctx.PublishRoom(ctx, message)

	case ScopeGroup:
		if !c.inGroup(mctx, cmd.Group) {
			return mctx.SendError("insufficient_permissions")
		}
		message.Group = cmd.Group
		if err := c.store(ctx, mctx, groupHistoryKey(mctx.Room(), cmd.Group), message); err != nil {
			return err
		}
		return mctx.PublishRoom(ctx, message)

	case ScopePrivate:
		target, err := ids.ParseParticipantID(cmd.Target)
		if err != nil {
			return mctx.SendError("invalid_target")
		}
		message.Target = cmd.Target
		if err := c.store(ctx, mctx, privateHistoryKey(mctx.Room(), mctx.Participant(), target), message); err != nil {
			return err
		}
		if err := c.trackCorrespondents(ctx, mctx, target); err != nil {
			return err
		}
		// Echo to the sender, deliver to the target.
		if err := mctx.Send(message); err != nil {
			return err
		}
		return mctx.PublishParticipant(ctx, target, message)

	default:
		return mctx.SendError("invalid_scope")
	}
}

// onExchange forwards incoming chat messages, filtering group messages
// to members.
func (c *Chat) onExchange(mctx *module.Context, ev module.ExchangeMessage) error {
	var message StoredMessage
	if err := json.Unmarshal(ev.Payload, &message); err != nil {
		return nil
	}
	if message.Source == mctx.Participant().String() {
		// The sender already got its echo.
		return nil
	}
	if message.Scope == ScopeGroup && !c.inGroup(mctx, message.Group) {
		return nil
	}
	return mctx.Send(message)
}

func (c *Chat) setLastSeen(ctx context.Context, mctx *module.Context, cmd Command) error {
	if _, err := time.Parse(time.RFC3339, cmd.Timestamp); err != nil {
		return mctx.SendError("invalid_timestamp")
	}
	key := "last_seen:" + string(cmd.Scope)
	switch cmd.Scope {
	case ScopeRoom:
	case ScopeGroup:
		key += ":" + cmd.Group
	case ScopePrivate:
		key += ":" + cmd.Target
	default:
		return mctx.SendError("invalid_scope")
	}
	return mctx.SetAttribute(ctx, key, cmd.Timestamp)
}

// store appends a message and trims the history to the retention bound.
func (c *Chat) store(ctx context.Context, mctx *module.Context, key string, message StoredMessage) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	score := float64(message.Timestamp.UnixMilli())
	if err := mctx.Storage().ZAdd(ctx, key, score, string(raw)); err != nil {
		return fmt.Errorf("store chat message: %w", err)
	}
	if err := mctx.Storage().ZRemRangeByRank(ctx, key, 0, -(c.historyLimit + 1)); err != nil {
		return fmt.Errorf("trim chat history: %w", err)
	}
	return nil
}

// history reads one scope's full retained history, oldest first.
func (c *Chat) history(ctx context.Context, mctx *module.Context, key string) ([]StoredMessage, error) {
	entries, err := mctx.Storage().ZRangeByScore(ctx, key, 0, float64(time.Now().UTC().Add(time.Hour).UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}
	out := make([]StoredMessage, 0, len(entries))
	for _, entry := range entries {
		var message StoredMessage
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			continue
		}
		out = append(out, message)
	}
	return out, nil
}

// trackCorrespondents records the private conversation pair so either
// party can read the history for the room's lifetime.
func (c *Chat) trackCorrespondents(ctx context.Context, mctx *module.Context, target ids.ParticipantID) error {
	self := mctx.Participant()
	key := storage.RoomKey(mctx.Room(), "chat:correspondents")
	pair := pairKeyPart(self, target)
	if err := mctx.Storage().SAdd(ctx, key, pair); err != nil {
		return fmt.Errorf("track correspondents: %w", err)
	}
	return nil
}

func (c *Chat) inGroup(mctx *module.Context, group string) bool {
	for _, g := range mctx.Session().Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Key builders.

func roomHistoryKey(r ids.SignalingRoomID) string {
	return storage.RoomKey(r, "chat:room:history")
}

func groupHistoryKey(r ids.SignalingRoomID, group string) string {
	return storage.RoomKey(r, "chat:group="+group+":history")
}

// privateHistoryKey orders the pair so both parties address the same
// history.
func privateHistoryKey(r ids.SignalingRoomID, a, b ids.ParticipantID) string {
	return storage.RoomKey(r, "chat:private="+pairKeyPart(a, b)+":history")
}

func pairKeyPart(a, b ids.ParticipantID) string {
	parts := []string{a.String(), b.String()}
	sort.Strings(parts)
	return strings.Join(parts, ":")
}
