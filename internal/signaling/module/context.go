// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package module

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/storage"
)

// Session is the per-connection state shared by all module contexts of
// one session. The runner owns it; Role may change mid-session via a
// moderator promotion.
type Session struct {
	Room        ids.SignalingRoomID
	Participant ids.ParticipantID
	Kind        ParticipationKind
	DisplayName string

	// Groups are the user's tenant groups, used by group-scoped chat.
	Groups []string

	mu   sync.RWMutex
	role Role
}

// NewSession builds the shared session state.
func NewSession(room ids.SignalingRoomID, participant ids.ParticipantID, kind ParticipationKind, role Role, displayName string) *Session {
	return &Session{
		Room:        room,
		Participant: participant,
		Kind:        kind,
		DisplayName: displayName,
		role:        role,
	}
}

// Role returns the session's current role.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SetRole updates the session's role. Called by the runner on role
// update notifications only.
func (s *Session) SetRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// FrameSink receives outgoing frames for the session's client. The
// runner implements it over the websocket writer.
type FrameSink interface {
	SendFrame(namespace string, payload any) error
}

// ExtSubmission is one external event queued for serial dispatch on the
// runner goroutine, tagged with the submitting module's namespace.
type ExtSubmission struct {
	Namespace string
	Payload   any
}

// Context is the handle a module uses to act on behalf of its session:
// send frames, publish on the exchange, read and write its namespaced
// attributes. One Context exists per module instance per session.
type Context struct {
	session   *Session
	namespace string
	storage   storage.Storage
	exchange  exchange.Exchange
	sink      FrameSink
	ext       chan<- ExtSubmission
}

// NewContext builds one module's session context. ext may be nil for
// modules that never submit external events.
func NewContext(session *Session, namespace string, s storage.Storage, ex exchange.Exchange, sink FrameSink, ext chan<- ExtSubmission) *Context {
	return &Context{
		session:   session,
		namespace: namespace,
		storage:   s,
		exchange:  ex,
		sink:      sink,
		ext:       ext,
	}
}

// Session returns the shared session state.
func (c *Context) Session() *Session { return c.session }

// Room returns the session's signaling room.
func (c *Context) Room() ids.SignalingRoomID { return c.session.Room }

// Participant returns this session's participant id.
func (c *Context) Participant() ids.ParticipantID { return c.session.Participant }

// Role returns the session's current role.
func (c *Context) Role() Role { return c.session.Role() }

// Storage returns the volatile storage backend.
func (c *Context) Storage() storage.Storage { return c.storage }

// Exchange returns the pub/sub backend.
func (c *Context) Exchange() exchange.Exchange { return c.exchange }

// Send emits one frame in this module's namespace to the own client.
func (c *Context) Send(payload any) error {
	return c.sink.SendFrame(c.namespace, payload)
}

// ErrorPayload is the uniform per-command protocol error frame. The
// session continues after sending one.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// SendError emits a protocol error frame in this module's namespace.
func (c *Context) SendError(kind string) error {
	return c.sink.SendFrame(c.namespace, ErrorPayload{Message: "error", Error: kind})
}

// PublishRoom publishes to every runner of this signaling room.
func (c *Context) PublishRoom(ctx context.Context, payload any) error {
	return c.publish(ctx, exchange.TopicRoomAll(c.session.Room), payload)
}

// PublishParticipant publishes to the runner owning one participant.
func (c *Context) PublishParticipant(ctx context.Context, target ids.ParticipantID, payload any) error {
	return c.publish(ctx, exchange.TopicRoomParticipant(c.session.Room, target), payload)
}

// PublishRecorders publishes to recorder-kind participants only.
func (c *Context) PublishRecorders(ctx context.Context, payload any) error {
	return c.publish(ctx, exchange.TopicRoomRecorders(c.session.Room), payload)
}

// PublishGlobal publishes on the parent room's cross-breakout topic.
func (c *Context) PublishGlobal(ctx context.Context, payload any) error {
	return c.publish(ctx, exchange.TopicGlobalRoomAll(c.session.Room.Room), payload)
}

func (c *Context) publish(ctx context.Context, topic string, payload any) error {
	env, err := exchange.NewEnvelope(c.namespace, payload)
	if err != nil {
		return fmt.Errorf("marshal %s exchange payload: %w", c.namespace, err)
	}
	return c.exchange.Publish(ctx, topic, env)
}

// SetAttribute writes one namespaced attribute of the own participant.
func (c *Context) SetAttribute(ctx context.Context, key, value string) error {
	return c.SetParticipantAttribute(ctx, c.session.Participant, key, value)
}

// SetParticipantAttribute writes one namespaced attribute of any
// participant of the room.
func (c *Context) SetParticipantAttribute(ctx context.Context, participant ids.ParticipantID, key, value string) error {
	return c.storage.HSet(ctx, storage.AttributeKey(c.session.Room, participant, c.namespace), map[string]string{key: value})
}

// Attribute reads one namespaced attribute of the own participant.
func (c *Context) Attribute(ctx context.Context, key string) (string, bool, error) {
	return c.ParticipantAttribute(ctx, c.session.Participant, key)
}

// ParticipantAttribute reads one namespaced attribute of any participant.
func (c *Context) ParticipantAttribute(ctx context.Context, participant ids.ParticipantID, key string) (string, bool, error) {
	return c.storage.HGet(ctx, storage.AttributeKey(c.session.Room, participant, c.namespace), key)
}

// DeleteAttributes drops all of this module's attributes for the given
// participant. Called from OnDestroy before the membership record goes.
func (c *Context) DeleteAttributes(ctx context.Context, participant ids.ParticipantID) error {
	return c.storage.Delete(ctx, storage.AttributeKey(c.session.Room, participant, c.namespace))
}

// SubmitExt queues an external event for serial dispatch on the runner
// goroutine. Non-blocking; returns false when the queue is full or the
// module registered no external event stream.
func (c *Context) SubmitExt(payload any) bool {
	if c.ext == nil {
		return false
	}
	select {
	case c.ext <- ExtSubmission{Namespace: c.namespace, Payload: payload}:
		return true
	default:
		return false
	}
}
