// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package deletion implements the multi-phase deletion engine for
// events, rooms and users. A deletion runs as plan, permission check,
// pre-commit side effects, transactional commit with race detection, and
// post-commit cleanup. Phases one through four are idempotent on the
// same plan; pre-commit external effects tolerate re-issue.
package deletion

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
)

// Kind is a deletable entity kind.
type Kind string

const (
	KindEvent Kind = "event"
	KindRoom  Kind = "room"
	KindUser  Kind = "user"
)

// Target names one entity to delete.
type Target struct {
	Kind Kind
	ID   string
}

func (t Target) String() string { return string(t.Kind) + " " + t.ID }

// resourcePath renders the authz object checked against the initiator.
func (t Target) resourcePath() string {
	switch t.Kind {
	case KindEvent:
		return "/events/" + t.ID
	case KindRoom:
		return "/rooms/" + t.ID
	case KindUser:
		return "/users/" + t.ID
	}
	return "/" + t.ID
}

// Plan is the gathered input of one deletion: the database rows to
// remove and the external artifacts they reference. The commit re-reads
// the plan inside its transaction and aborts on any difference.
type Plan struct {
	Target Target

	// RoomIDs are the signaling rooms whose live sessions must detach.
	RoomIDs []ids.RoomID

	// SharedFolders are external folder references deleted pre-commit.
	SharedFolders []string

	// AssetIDs are object-storage keys purged post-commit.
	AssetIDs []string

	// PolicyObjects are authz resource paths cleaned post-commit.
	PolicyObjects []string
}

// Equal reports whether two plans describe the same deletion. Element
// order matters; Database implementations must gather deterministically.
func (p *Plan) Equal(o *Plan) bool {
	if p.Target != o.Target {
		return false
	}
	if len(p.RoomIDs) != len(o.RoomIDs) ||
		len(p.SharedFolders) != len(o.SharedFolders) ||
		len(p.AssetIDs) != len(o.AssetIDs) ||
		len(p.PolicyObjects) != len(o.PolicyObjects) {
		return false
	}
	for i := range p.RoomIDs {
		if p.RoomIDs[i] != o.RoomIDs[i] {
			return false
		}
	}
	for i := range p.SharedFolders {
		if p.SharedFolders[i] != o.SharedFolders[i] {
			return false
		}
	}
	for i := range p.AssetIDs {
		if p.AssetIDs[i] != o.AssetIDs[i] {
			return false
		}
	}
	for i := range p.PolicyObjects {
		if p.PolicyObjects[i] != o.PolicyObjects[i] {
			return false
		}
	}
	return true
}

// ErrRace is the sentinel matched by callers that retry raced deletions.
var ErrRace = errors.New("race condition during database commit preparation")

// ErrPermissionDenied is returned when the initiator may not delete the
// target.
var ErrPermissionDenied = errors.New("permission denied")

// RaceError carries the raced target. It unwraps to ErrRace.
type RaceError struct {
	Target Target
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRace, e.Target)
}

func (e *RaceError) Unwrap() error { return ErrRace }

// Tx is one database transaction of a deletion commit.
type Tx interface {
	// PreparePlan re-gathers the plan inputs inside the transaction.
	PreparePlan(ctx context.Context, target Target) (*Plan, error)

	// Execute performs the row deletions of the plan.
	Execute(ctx context.Context, plan *Plan) error

	Commit() error
	Rollback() error
}

// Database gathers deletion plans and opens commit transactions.
type Database interface {
	PreparePlan(ctx context.Context, target Target) (*Plan, error)
	Begin(ctx context.Context) (Tx, error)
}

// AssetStore purges object storage post-commit.
type AssetStore interface {
	DeleteAssets(ctx context.Context, assetIDs []string) error
}

// SharedFolderClient deletes external shared folders pre-commit.
type SharedFolderClient interface {
	DeleteFolder(ctx context.Context, folder string) error
}

// PolicyCleaner removes authz rules of freed resources. Satisfied by
// the authz enforcer.
type PolicyCleaner interface {
	RemovePoliciesForObject(ctx context.Context, object string) error
}

// Authorizer answers the initiator permission check. Satisfied by the
// authz enforcer.
type Authorizer interface {
	Check(subject, resource, action string) bool
}

// Engine runs deletions. It is stateless and safe for concurrent use.
type Engine struct {
	cfg      config.DeletionConfig
	db       Database
	assets   AssetStore
	folders  SharedFolderClient
	policies PolicyCleaner
	authz    Authorizer
	exchange exchange.Exchange
}

// New builds the deletion engine. folders and assets may be nil when the
// deployment has no shared-folder or asset integration.
func New(cfg config.DeletionConfig, db Database, assets AssetStore, folders SharedFolderClient, policies PolicyCleaner, authorizer Authorizer, ex exchange.Exchange) *Engine {
	return &Engine{
		cfg:      cfg,
		db:       db,
		assets:   assets,
		folders:  folders,
		policies: policies,
		authz:    authorizer,
		exchange: ex,
	}
}

// Delete runs the full deletion of target. initiator is the authz
// subject of the requesting user, or empty for system-initiated runs
// (background jobs), which skip the permission check. A *RaceError
// return means the plan changed under the commit; the caller may retry.
func (e *Engine) Delete(ctx context.Context, target Target, initiator string) error {
	plan, err := e.db.PreparePlan(ctx, target)
	if err != nil {
		return fmt.Errorf("prepare deletion plan for %s: %w", target, err)
	}

	if initiator != "" && !e.authz.Check(initiator, target.resourcePath(), "DELETE") {
		return fmt.Errorf("delete %s as %s: %w", target, initiator, ErrPermissionDenied)
	}

	if err := e.preCommit(ctx, plan); err != nil {
		return err
	}
	if err := e.commit(ctx, plan); err != nil {
		return err
	}
	e.postCommit(ctx, plan)
	return nil
}

// preCommit detaches live sessions and deletes external shared folders.
func (e *Engine) preCommit(ctx context.Context, plan *Plan) error {
	for _, roomID := range plan.RoomIDs {
		if err := e.announceRoomDeleted(ctx, roomID); err != nil {
			logging.Warn().Err(err).
				Str("room", roomID.String()).
				Msg("room deletion announcement failed")
		}
	}

	for _, folder := range plan.SharedFolders {
		if err := e.deleteFolder(ctx, folder); err != nil {
			if e.cfg.FailOnSharedFolderDeletionError {
				return fmt.Errorf("delete shared folder %s: %w", folder, err)
			}
			logging.Warn().Err(err).
				Str("folder", folder).
				Msg("shared folder deletion failed, proceeding")
		}
	}
	return nil
}

// announceRoomDeleted publishes room_deleted on the room and its
// cross-breakout topic so every live runner detaches.
func (e *Engine) announceRoomDeleted(ctx context.Context, roomID ids.RoomID) error {
	env, err := exchange.NewEnvelope(room.NamespaceControl, runner.ControlEvent{Message: runner.MsgRoomDeleted})
	if err != nil {
		return err
	}
	signalingRoom := ids.NewSignalingRoomID(roomID)
	if err := e.exchange.Publish(ctx, exchange.TopicRoomAll(signalingRoom), env); err != nil {
		return err
	}
	return e.exchange.Publish(ctx, exchange.TopicGlobalRoomAll(roomID), env)
}

func (e *Engine) deleteFolder(ctx context.Context, folder string) error {
	if e.folders == nil {
		return errors.New("no shared folder client configured")
	}
	return e.folders.DeleteFolder(ctx, folder)
}

// commit executes the row deletions in one transaction, aborting when
// the re-read plan differs from the one the side effects ran against.
func (e *Engine) commit(ctx context.Context, plan *Plan) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deletion commit for %s: %w", plan.Target, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				logging.Warn().Err(err).Msg("deletion rollback failed")
			}
		}
	}()

	fresh, err := tx.PreparePlan(ctx, plan.Target)
	if err != nil {
		return fmt.Errorf("re-read deletion plan for %s: %w", plan.Target, err)
	}
	if !plan.Equal(fresh) {
		return &RaceError{Target: plan.Target}
	}
	if err := tx.Execute(ctx, plan); err != nil {
		return fmt.Errorf("execute deletion of %s: %w", plan.Target, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deletion of %s: %w", plan.Target, err)
	}
	committed = true
	return nil
}

// postCommit purges asset storage and authz rules. The rows are gone;
// failures here are logged, not returned.
func (e *Engine) postCommit(ctx context.Context, plan *Plan) {
	if len(plan.AssetIDs) > 0 && e.assets != nil {
		if err := e.assets.DeleteAssets(ctx, plan.AssetIDs); err != nil {
			logging.Warn().Err(err).
				Str("target", plan.Target.String()).
				Msg("asset purge failed")
		}
	}
	for _, object := range plan.PolicyObjects {
		if err := e.policies.RemovePoliciesForObject(ctx, object); err != nil {
			logging.Warn().Err(err).
				Str("object", object).
				Msg("authz cleanup failed")
		}
	}
}
