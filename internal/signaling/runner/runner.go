// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package runner implements the per-connection session actor. A runner
// owns one websocket, consumes the join ticket, initializes the enabled
// signaling modules, performs the join ceremony and then dispatches
// events from the socket, the exchange and module timers serially until
// the session ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/metrics"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/module"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/ticket"
	"github.com/opentalk/controller/internal/storage"
)

// outQueueSize bounds the outgoing frame queue. A client too slow to
// drain it is session-fatal.
const outQueueSize = 64

// errOutQueueFull reports a stalled client write queue.
var errOutQueueFull = errors.New("outgoing frame queue full")

// Conn is the subset of the websocket connection the runner uses.
// Satisfied by *websocket.Conn.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Options wires a runner's collaborators.
type Options struct {
	Config      config.SignalingConfig
	Registry    *module.Registry
	Storage     storage.Storage
	Exchange    exchange.Exchange
	Coordinator *room.Coordinator
	Tickets     *ticket.Service
}

// Runner is one session actor. Create with New, drive with Run.
type Runner struct {
	opts Options
	conn Conn

	session *module.Session
	user    *ids.UserID

	modules     []activeModule
	byNamespace map[string]int

	out     chan []byte
	ext     chan module.ExtSubmission
	inbound chan inboundFrame
	readErr chan error
	done    chan struct{}

	runnerLock *storage.LockGuard
	sub        *exchange.Subscription
	limiter    *rate.Limiter
}

type activeModule struct {
	mod  module.Module
	mctx *module.Context
}

type inboundFrame struct {
	frame     Frame
	malformed bool
}

// New creates a runner for one accepted websocket.
func New(opts Options, conn Conn) *Runner {
	return &Runner{
		opts:        opts,
		conn:        conn,
		byNamespace: make(map[string]int),
		out:         make(chan []byte, outQueueSize),
		ext:         make(chan module.ExtSubmission, outQueueSize),
		inbound:     make(chan inboundFrame, 8),
		readErr:     make(chan error, 1),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(opts.Config.FrameRate), opts.Config.FrameBurst),
	}
}

// SendFrame implements module.FrameSink: marshal and enqueue one
// outgoing frame. A full queue is session-fatal upstream.
func (r *Runner) SendFrame(namespace string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", namespace, err)
	}
	data, err := json.Marshal(Frame{Namespace: namespace, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal frame envelope: %w", err)
	}
	select {
	case r.out <- data:
		return nil
	default:
		return errOutQueueFull
	}
}

// Run drives the session to completion: ticket resolution, module init,
// join ceremony, event loop, teardown. It blocks until the session ends.
func (r *Runner) Run(ctx context.Context, token ids.TicketToken) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	data, err := r.opts.Tickets.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketInvalid) {
			r.closeWith(CloseInvalidTicket, "invalid ticket")
		} else {
			logging.Error().Err(err).Msg("ticket consumption failed")
			r.closeWith(CloseInternal, "internal error")
		}
		return
	}

	sigRoom := data.SignalingRoom()
	if data.User != nil {
		banned, err := r.opts.Coordinator.IsBanned(ctx, sigRoom, *data.User)
		if err != nil {
			logging.Error().Err(err).Msg("ban check failed")
			r.closeWith(CloseInternal, "internal error")
			return
		}
		if banned {
			r.closeWith(CloseBanned, "banned")
			return
		}
	}

	participant, err := r.acquireParticipant(ctx, data)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			r.closeWith(CloseParticipantInUse, "participant id in use")
		} else {
			logging.Error().Err(err).Msg("runner lock acquisition failed")
			r.closeWith(CloseInternal, "internal error")
		}
		return
	}
	defer r.releaseRunnerLock()

	r.session = module.NewSession(sigRoom, participant, data.Kind, data.Role, data.DisplayName)
	r.session.Groups = data.Groups
	r.user = data.User

	log := logging.With().
		Str("room", sigRoom.String()).
		Str("participant", participant.String()).
		Logger()

	if err := r.initModules(ctx); err != nil {
		log.Error().Err(err).Msg("module initialization failed")
		r.closeWith(CloseInternal, "internal error")
		return
	}

	if err := r.subscribe(ctx); err != nil {
		log.Error().Err(err).Msg("exchange subscription failed")
		r.closeWith(CloseInternal, "internal error")
		return
	}
	defer r.sub.Close()

	go r.writeLoop(ctx)

	if err := r.join(ctx); err != nil {
		log.Error().Err(err).Msg("join ceremony failed")
		r.leave(ctx, false)
		r.closeWith(CloseInternal, "internal error")
		return
	}

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	log.Debug().Msg("session joined")

	go r.readLoop()

	code := r.eventLoop(ctx)

	// Unblocks a readLoop parked on a full inbound queue; closing the
	// socket alone only interrupts ReadMessage.
	close(r.done)
	cancel()
	r.leave(context.WithoutCancel(ctx), true)
	r.closeWith(code, "")
	log.Debug().Int("code", code).Msg("session closed")
}

// acquireParticipant resolves the session's participant id and takes the
// runner lock. A resuming session reclaims its prior id, waiting a
// bounded time for the previous runner to let go.
func (r *Runner) acquireParticipant(ctx context.Context, data ticket.Data) (ids.ParticipantID, error) {
	ttl := r.runnerLockTTL()
	if data.Resumption != nil {
		participant := *data.Resumption
		waitCtx, cancel := context.WithTimeout(ctx, r.opts.Config.ResumptionWait)
		defer cancel()
		guard, err := storage.Lock(waitCtx, r.opts.Storage, storage.RunnerKey(participant), ttl)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ids.ParticipantID{}, storage.ErrLockHeld
			}
			return ids.ParticipantID{}, err
		}
		r.runnerLock = guard
		return participant, nil
	}

	participant := ids.NewParticipantID()
	guard, err := storage.TryLock(ctx, r.opts.Storage, storage.RunnerKey(participant), ttl)
	if err != nil {
		return ids.ParticipantID{}, err
	}
	r.runnerLock = guard
	return participant, nil
}

// runnerLockTTL outlives two missed keepalive rounds so a live session
// never loses its lock, while a crashed runner frees it promptly.
func (r *Runner) runnerLockTTL() time.Duration {
	return 2 * r.opts.Config.PongTimeout
}

func (r *Runner) releaseRunnerLock() {
	if r.runnerLock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.runnerLock.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
		logging.Warn().Err(err).Msg("runner lock release failed")
	}
}

// initModules constructs the session's module instances in registration
// order. A nil instance disables the module for this session.
func (r *Runner) initModules(ctx context.Context) error {
	for _, reg := range r.opts.Registry.Entries() {
		mctx := module.NewContext(r.session, reg.Namespace, r.opts.Storage, r.opts.Exchange, r, r.ext)
		mod, err := reg.Init(ctx, mctx, module.InitContext{Protocol: Subprotocol})
		if err != nil {
			return fmt.Errorf("init module %s: %w", reg.Namespace, err)
		}
		if mod == nil {
			continue
		}
		r.byNamespace[reg.Namespace] = len(r.modules)
		r.modules = append(r.modules, activeModule{mod: mod, mctx: mctx})
	}
	return nil
}

// subscribe attaches the session to its room topics.
func (r *Runner) subscribe(ctx context.Context) error {
	topics := []string{
		exchange.TopicRoomAll(r.session.Room),
		exchange.TopicRoomParticipant(r.session.Room, r.session.Participant),
		exchange.TopicGlobalRoomAll(r.session.Room.Room),
	}
	if r.session.Kind == module.KindRecorder {
		topics = append(topics, exchange.TopicRoomRecorders(r.session.Room))
	}
	sub, err := r.opts.Exchange.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// join performs the join ceremony: write the base attributes, enter the
// active set, gather module frontend data, send join_success and
// announce the new participant on the room topic.
func (r *Runner) join(ctx context.Context) error {
	coord := r.opts.Coordinator
	sigRoom := r.session.Room

	guard, err := coord.AcquireRoomLock(ctx, sigRoom)
	if err != nil {
		return fmt.Errorf("acquire room lock: %w", err)
	}

	peers, err := coord.Participants(ctx, sigRoom)
	if err != nil {
		guard.Release(ctx)
		return err
	}

	attrs := map[string]string{
		room.AttrDisplayName: r.session.DisplayName,
		room.AttrRole:        string(r.session.Role()),
		room.AttrKind:        string(r.session.Kind),
		room.AttrJoinedAt:    time.Now().UTC().Format(time.RFC3339),
		room.AttrHandIsUp:    "false",
	}
	if r.user != nil {
		attrs[room.AttrUserID] = r.user.String()
	}
	if err := r.opts.Storage.HSet(ctx, storage.AttributeKey(sigRoom, r.session.Participant, room.NamespaceControl), attrs); err != nil {
		guard.Release(ctx)
		return fmt.Errorf("write control attributes: %w", err)
	}
	if err := coord.AddParticipant(ctx, sigRoom, r.session.Participant); err != nil {
		guard.Release(ctx)
		return err
	}
	if err := guard.Release(ctx); err != nil && !errors.Is(err, storage.ErrLockAlreadyExpired) {
		return err
	}

	joined := &module.Joined{
		Participants:     peers,
		PeerFrontendData: nil,
	}
	moduleData := make(map[string]any)
	peerData := make(map[ids.ParticipantID]map[string]any)
	for _, am := range r.modules {
		joined.FrontendData = nil
		joined.PeerFrontendData = make(map[ids.ParticipantID]any)
		if err := am.mod.OnEvent(ctx, am.mctx, joined); err != nil {
			return fmt.Errorf("module %s joined: %w", am.mod.Namespace(), err)
		}
		if joined.FrontendData != nil {
			moduleData[am.mod.Namespace()] = joined.FrontendData
		}
		for peer, data := range joined.PeerFrontendData {
			if peerData[peer] == nil {
				peerData[peer] = make(map[string]any)
			}
			peerData[peer][am.mod.Namespace()] = data
		}
	}

	participants := make([]ParticipantPayload, 0, len(peers))
	for _, peer := range peers {
		payload, visible, err := r.peerPayload(ctx, peer, peerData[peer])
		if err != nil {
			return err
		}
		if visible {
			participants = append(participants, payload)
		}
	}

	if err := r.SendFrame(room.NamespaceControl, JoinSuccess{
		Message:      MsgJoinSuccess,
		ID:           r.session.Participant,
		Role:         r.session.Role(),
		Participants: participants,
		ModuleData:   moduleData,
	}); err != nil {
		return err
	}

	return r.announce(ctx, MsgParticipantJoined)
}

// announce publishes this participant's lifecycle event on the room
// topic.
func (r *Runner) announce(ctx context.Context, message string) error {
	env, err := exchange.NewEnvelope(room.NamespaceControl, ControlEvent{
		Message:     message,
		ID:          r.session.Participant.String(),
		DisplayName: r.session.DisplayName,
		Role:        r.session.Role(),
	})
	if err != nil {
		return err
	}
	return r.opts.Exchange.Publish(ctx, exchange.TopicRoomAll(r.session.Room), env)
}

// peerPayload builds the client-facing description of one peer from its
// control attributes plus the modules' per-peer data. Recorder peers are
// not visible.
func (r *Runner) peerPayload(ctx context.Context, peer ids.ParticipantID, moduleData map[string]any) (ParticipantPayload, bool, error) {
	attrs, err := r.opts.Storage.HGetAll(ctx, storage.AttributeKey(r.session.Room, peer, room.NamespaceControl))
	if err != nil {
		return ParticipantPayload{}, false, fmt.Errorf("read peer attributes: %w", err)
	}
	if len(attrs) == 0 {
		// The peer left between the set read and here.
		return ParticipantPayload{}, false, nil
	}
	kind := module.ParticipationKind(attrs[room.AttrKind])
	if !kind.Visible() {
		return ParticipantPayload{}, false, nil
	}
	handUp, _ := strconv.ParseBool(attrs[room.AttrHandIsUp])
	return ParticipantPayload{
		ID:          peer,
		DisplayName: attrs[room.AttrDisplayName],
		Role:        module.Role(attrs[room.AttrRole]),
		HandIsUp:    handUp,
		JoinedAt:    attrs[room.AttrJoinedAt],
		ModuleData:  moduleData,
	}, true, nil
}
