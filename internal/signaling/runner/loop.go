// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/metrics"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/storage"
)

// readLoop pumps inbound frames off the socket. Runs on its own
// goroutine; the event loop owns dispatch.
func (r *Runner) readLoop() {
	cfg := r.opts.Config
	r.conn.SetReadLimit(cfg.MaxFrameSize)
	r.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.readErr <- err
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if !r.limiter.Allow() {
			if !r.enqueue(inboundFrame{malformed: true}) {
				return
			}
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Namespace == "" {
			if !r.enqueue(inboundFrame{malformed: true}) {
				return
			}
			continue
		}
		if !r.enqueue(inboundFrame{frame: frame}) {
			return
		}
	}
}

// enqueue hands a frame to the event loop. Returns false once the
// session has ended so readLoop never blocks on a dead queue.
func (r *Runner) enqueue(in inboundFrame) bool {
	select {
	case r.inbound <- in:
		return true
	case <-r.done:
		return false
	}
}

// writeLoop owns all socket writes: queued frames plus keepalive pings.
func (r *Runner) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Config.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.out:
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(r.opts.Config.Keepalive)
			if err := r.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			r.refreshRunnerLock(ctx)
		}
	}
}

// refreshRunnerLock extends the runner lock's TTL so a live session
// keeps its participant id claimed.
func (r *Runner) refreshRunnerLock(ctx context.Context) {
	if r.session == nil {
		return
	}
	key := storage.RunnerKey(r.session.Participant)
	if _, err := r.opts.Storage.Expire(ctx, key, r.runnerLockTTL()); err != nil {
		logging.Warn().Err(err).Msg("runner lock refresh failed")
	}
}

// eventLoop dispatches socket frames, exchange messages and module
// external events serially until the session ends. Returns the close
// code to send.
func (r *Runner) eventLoop(ctx context.Context) int {
	for {
		select {
		case <-ctx.Done():
			return CloseNormal

		case err := <-r.readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Err(err).Msg("socket read ended")
			}
			return CloseNormal

		case in := <-r.inbound:
			if in.malformed {
				if code, fatal := r.sendOrFail(room.NamespaceControl, module.ErrorPayload{Message: "error", Error: "malformed_frame"}); fatal {
					return code
				}
				continue
			}
			if code, fatal := r.handleFrame(ctx, in.frame); fatal {
				return code
			}

		case msg, ok := <-r.sub.C():
			if !ok {
				// Queue overflow or backend shutdown is session-fatal.
				return CloseInternal
			}
			if code, fatal := r.handleExchange(ctx, msg); fatal {
				return code
			}

		case ext := <-r.ext:
			if code, fatal := r.handleExt(ctx, ext); fatal {
				return code
			}
		}
	}
}

// sendOrFail enqueues a frame for the client. A stalled outgoing queue
// is session-fatal: a client that cannot drain lifecycle events holds
// state the rest of the room no longer agrees on.
func (r *Runner) sendOrFail(namespace string, payload any) (int, bool) {
	if err := r.SendFrame(namespace, payload); err != nil {
		logging.Warn().Err(err).Str("namespace", namespace).Msg("outgoing queue stalled")
		return CloseInternal, true
	}
	return 0, false
}

// handleFrame routes one client frame to its module.
func (r *Runner) handleFrame(ctx context.Context, frame Frame) (int, bool) {
	metrics.FramesReceived.WithLabelValues(frame.Namespace).Inc()
	idx, ok := r.byNamespace[frame.Namespace]
	if !ok {
		return r.sendOrFail(frame.Namespace, module.ErrorPayload{Message: "error", Error: "unknown_namespace"})
	}
	am := r.modules[idx]
	if err := am.mod.OnEvent(ctx, am.mctx, module.WsMessage{Payload: frame.Payload}); err != nil {
		logging.Error().Err(err).Str("namespace", frame.Namespace).Msg("module frame handler failed")
		return CloseInternal, true
	}
	return 0, false
}

// handleExchange routes one exchange envelope: control-namespace
// envelopes are runner-level lifecycle events, everything else goes to
// the owning module.
func (r *Runner) handleExchange(ctx context.Context, msg exchange.Message) (int, bool) {
	if msg.Envelope.Module == room.NamespaceControl {
		return r.handleControlEvent(ctx, msg)
	}
	idx, ok := r.byNamespace[msg.Envelope.Module]
	if !ok {
		return 0, false
	}
	am := r.modules[idx]
	err := am.mod.OnEvent(ctx, am.mctx, module.ExchangeMessage{Topic: msg.Topic, Payload: msg.Envelope.Payload})
	if err != nil {
		logging.Error().Err(err).Str("namespace", msg.Envelope.Module).Msg("module exchange handler failed")
		return CloseInternal, true
	}
	return 0, false
}

// handleExt dispatches a module-submitted external event.
func (r *Runner) handleExt(ctx context.Context, ext module.ExtSubmission) (int, bool) {
	idx, ok := r.byNamespace[ext.Namespace]
	if !ok {
		return 0, false
	}
	am := r.modules[idx]
	if err := am.mod.OnEvent(ctx, am.mctx, module.Ext{Payload: ext.Payload}); err != nil {
		logging.Error().Err(err).Str("namespace", ext.Namespace).Msg("module ext handler failed")
		return CloseInternal, true
	}
	return 0, false
}

// handleControlEvent processes runner-level lifecycle messages.
func (r *Runner) handleControlEvent(ctx context.Context, msg exchange.Message) (int, bool) {
	var event ControlEvent
	if err := json.Unmarshal(msg.Envelope.Payload, &event); err != nil {
		logging.Warn().Err(err).Msg("corrupt control event")
		return 0, false
	}

	switch event.Message {
	case MsgParticipantJoined, MsgParticipantUpdated:
		return r.handlePeerChange(ctx, event)

	case MsgParticipantLeft:
		peer, err := ids.ParseParticipantID(event.ID)
		if err != nil || peer == r.session.Participant {
			return 0, false
		}
		for _, am := range r.modules {
			if err := am.mod.OnEvent(ctx, am.mctx, module.ParticipantLeft{ID: peer}); err != nil {
				return CloseInternal, true
			}
		}
		return r.sendOrFail(room.NamespaceControl, ControlEvent{Message: MsgParticipantLeft, ID: event.ID})

	case MsgRoleUpdated:
		// Directed at this session via its participant topic.
		if !event.Role.Valid() {
			return 0, false
		}
		r.session.SetRole(event.Role)
		for _, am := range r.modules {
			if err := am.mod.OnEvent(ctx, am.mctx, module.RoleUpdated{Role: event.Role}); err != nil {
				return CloseInternal, true
			}
		}
		// Peers learn about the change through a participant_updated
		// broadcast from the moderating runner.
		return r.sendOrFail(room.NamespaceControl, ControlEvent{Message: MsgRoleUpdated, Role: event.Role})

	case MsgKicked, MsgBanned, MsgSessionEnded, MsgSentToWaitingRoom, MsgRoomDeleted:
		// The session ends either way; the notification is best effort.
		if err := r.SendFrame(room.NamespaceControl, event); err != nil {
			logging.Warn().Err(err).Str("event", event.Message).Msg("final control event dropped")
		}
		return CloseNormal, true
	}
	return 0, false
}

// handlePeerChange dispatches joined/updated peer events and forwards
// the resulting frame, merged with the modules' per-peer data.
func (r *Runner) handlePeerChange(ctx context.Context, event ControlEvent) (int, bool) {
	peer, err := ids.ParseParticipantID(event.ID)
	if err != nil || peer == r.session.Participant {
		return 0, false
	}

	moduleData := make(map[string]any)
	for _, am := range r.modules {
		var peerData any
		if event.Message == MsgParticipantJoined {
			ev := &module.ParticipantJoined{ID: peer}
			if err := am.mod.OnEvent(ctx, am.mctx, ev); err != nil {
				return CloseInternal, true
			}
			peerData = ev.PeerFrontendData
		} else {
			ev := &module.ParticipantUpdated{ID: peer}
			if err := am.mod.OnEvent(ctx, am.mctx, ev); err != nil {
				return CloseInternal, true
			}
			peerData = ev.PeerFrontendData
		}
		if peerData != nil {
			moduleData[am.mod.Namespace()] = peerData
		}
	}

	payload, visible, err := r.peerPayload(ctx, peer, moduleData)
	if err != nil {
		logging.Error().Err(err).Msg("peer payload failed")
		return 0, false
	}
	if !visible {
		return 0, false
	}
	return r.sendOrFail(room.NamespaceControl, ControlEvent{
		Message:     event.Message,
		ID:          event.ID,
		DisplayName: payload.DisplayName,
		Role:        payload.Role,
		HandIsUp:    payload.HandIsUp,
		ModuleData:  payload.ModuleData,
	})
}

// leave tears the session down: Leaving hooks in reverse order, the
// departure announcement, membership removal and, for the room's last
// participant, the namespace purge.
func (r *Runner) leave(ctx context.Context, joined bool) {
	if r.session == nil {
		return
	}
	coord := r.opts.Coordinator
	sigRoom := r.session.Room

	if joined {
		for i := len(r.modules) - 1; i >= 0; i-- {
			am := r.modules[i]
			if err := am.mod.OnEvent(ctx, am.mctx, module.Leaving{}); err != nil {
				logging.Warn().Err(err).Str("namespace", am.mod.Namespace()).Msg("leaving hook failed")
			}
		}
		if err := r.announce(ctx, MsgParticipantLeft); err != nil {
			logging.Warn().Err(err).Msg("leave announcement failed")
		}
	}

	guard, err := coord.AcquireRoomLock(ctx, sigRoom)
	if err != nil {
		logging.Error().Err(err).Msg("room lock for teardown failed")
		return
	}
	defer func() {
		if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
			logging.Warn().Err(err).Msg("teardown lock release failed")
		}
	}()

	count, err := coord.ParticipantCount(ctx, sigRoom)
	if err != nil {
		logging.Error().Err(err).Msg("participant count failed")
		return
	}
	transitioning, err := coord.RecorderTransitioning(ctx, sigRoom)
	if err != nil {
		logging.Error().Err(err).Msg("recorder transition check failed")
		return
	}
	destroyRoom := count <= 1 && !transitioning

	// Module state goes strictly before the membership record.
	dctx := module.NewDestroyContext(destroyRoom)
	for i := len(r.modules) - 1; i >= 0; i-- {
		am := r.modules[i]
		am.mod.OnDestroy(ctx, dctx)
		if err := am.mctx.DeleteAttributes(ctx, r.session.Participant); err != nil {
			logging.Warn().Err(err).Str("namespace", am.mod.Namespace()).Msg("attribute cleanup failed")
		}
	}
	if err := r.opts.Storage.Delete(ctx, storage.AttributeKey(sigRoom, r.session.Participant, room.NamespaceControl)); err != nil {
		logging.Warn().Err(err).Msg("control attribute cleanup failed")
	}

	if _, err := coord.RemoveParticipant(ctx, sigRoom, r.session.Participant); err != nil {
		logging.Error().Err(err).Msg("membership removal failed")
		return
	}
	if destroyRoom {
		if err := coord.PurgeRoom(ctx, sigRoom); err != nil {
			logging.Error().Err(err).Msg("room purge failed")
		}
	}
}

// closeWith sends a close frame and shuts the socket.
func (r *Runner) closeWith(code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	payload := websocket.FormatCloseMessage(code, reason)
	if err := r.conn.WriteControl(websocket.CloseMessage, payload, deadline); err != nil {
		logging.Debug().Err(err).Msg("close frame write failed")
	}
	r.conn.Close()
	metrics.SessionsClosed.WithLabelValues(fmt.Sprint(code)).Inc()
}
