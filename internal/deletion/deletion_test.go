// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package deletion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opentalk/controller/internal/config"
	"github.com/opentalk/controller/internal/exchange"
	"github.com/opentalk/controller/internal/signaling/ids"
	"github.com/opentalk/controller/internal/signaling/room"
	"github.com/opentalk/controller/internal/signaling/runner"
)

// fakeDB serves a fixed plan. racePlans, when set, are handed out one by
// one to transactional re-reads.
type fakeDB struct {
	plan      *Plan
	racePlans []*Plan

	begun      int
	executed   []*Plan
	committed  int
	rolledBack int
	executeErr error
	prepareErr error
}

func (db *fakeDB) PreparePlan(_ context.Context, target Target) (*Plan, error) {
	if db.prepareErr != nil {
		return nil, db.prepareErr
	}
	return db.clone(db.plan, target), nil
}

func (db *fakeDB) Begin(context.Context) (Tx, error) {
	db.begun++
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) clone(p *Plan, target Target) *Plan {
	out := *p
	out.Target = target
	return &out
}

type fakeTx struct {
	db *fakeDB
}

func (tx *fakeTx) PreparePlan(_ context.Context, target Target) (*Plan, error) {
	if len(tx.db.racePlans) > 0 {
		next := tx.db.racePlans[0]
		tx.db.racePlans = tx.db.racePlans[1:]
		return tx.db.clone(next, target), nil
	}
	return tx.db.clone(tx.db.plan, target), nil
}

func (tx *fakeTx) Execute(_ context.Context, plan *Plan) error {
	if tx.db.executeErr != nil {
		return tx.db.executeErr
	}
	tx.db.executed = append(tx.db.executed, plan)
	return nil
}

func (tx *fakeTx) Commit() error {
	tx.db.committed++
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.db.rolledBack++
	return nil
}

type fakeAssets struct {
	deleted [][]string
	err     error
}

func (a *fakeAssets) DeleteAssets(_ context.Context, assetIDs []string) error {
	if a.err != nil {
		return a.err
	}
	a.deleted = append(a.deleted, assetIDs)
	return nil
}

type fakeFolders struct {
	deleted []string
	err     error
}

func (f *fakeFolders) DeleteFolder(_ context.Context, folder string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, folder)
	return nil
}

type fakePolicies struct {
	removed []string
}

func (p *fakePolicies) RemovePoliciesForObject(_ context.Context, object string) error {
	p.removed = append(p.removed, object)
	return nil
}

type fakeAuthz struct {
	allow   bool
	checked []string
}

func (a *fakeAuthz) Check(subject, resource, action string) bool {
	a.checked = append(a.checked, subject+" "+action+" "+resource)
	return a.allow
}

type env struct {
	db       *fakeDB
	assets   *fakeAssets
	folders  *fakeFolders
	policies *fakePolicies
	authz    *fakeAuthz
	ex       exchange.Exchange
	engine   *Engine
}

func newEnv(t *testing.T, cfg config.DeletionConfig, plan *Plan) *env {
	t.Helper()
	ex := exchange.NewLocalExchange()
	t.Cleanup(func() { ex.Close() })

	e := &env{
		db:       &fakeDB{plan: plan},
		assets:   &fakeAssets{},
		folders:  &fakeFolders{},
		policies: &fakePolicies{},
		authz:    &fakeAuthz{allow: true},
		ex:       ex,
	}
	e.engine = New(cfg, e.db, e.assets, e.folders, e.policies, e.authz, ex)
	return e
}

func TestDeleteRunsAllPhases(t *testing.T) {
	roomID := ids.NewRoomID()
	target := Target{Kind: KindRoom, ID: roomID.String()}
	e := newEnv(t, config.DeletionConfig{}, &Plan{
		RoomIDs:       []ids.RoomID{roomID},
		SharedFolders: []string{"folder-1"},
		AssetIDs:      []string{"asset-1", "asset-2"},
		PolicyObjects: []string{"/rooms/" + roomID.String()},
	})
	ctx := context.Background()

	sub, err := e.ex.Subscribe(ctx, exchange.TopicRoomAll(ids.NewSignalingRoomID(roomID)))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	globalSub, err := e.ex.Subscribe(ctx, exchange.TopicGlobalRoomAll(roomID))
	if err != nil {
		t.Fatal(err)
	}
	defer globalSub.Close()

	if err := e.engine.Delete(ctx, target, "user::alice"); err != nil {
		t.Fatal(err)
	}

	// Live sessions got the detach signal on both topics.
	for _, s := range []*exchange.Subscription{sub, globalSub} {
		select {
		case msg := <-s.C():
			if msg.Envelope.Module != room.NamespaceControl {
				t.Fatalf("envelope module = %q", msg.Envelope.Module)
			}
			var event runner.ControlEvent
			if err := json.Unmarshal(msg.Envelope.Payload, &event); err != nil {
				t.Fatal(err)
			}
			if event.Message != runner.MsgRoomDeleted {
				t.Fatalf("event = %+v", event)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no room_deleted announcement")
		}
	}

	if len(e.authz.checked) != 1 || e.authz.checked[0] != "user::alice DELETE /rooms/"+roomID.String() {
		t.Fatalf("authz checks = %v", e.authz.checked)
	}
	if len(e.folders.deleted) != 1 || e.folders.deleted[0] != "folder-1" {
		t.Fatalf("folders deleted = %v", e.folders.deleted)
	}
	if e.db.committed != 1 || e.db.rolledBack != 0 || len(e.db.executed) != 1 {
		t.Fatalf("db: %+v", e.db)
	}
	if len(e.assets.deleted) != 1 || len(e.assets.deleted[0]) != 2 {
		t.Fatalf("assets deleted = %v", e.assets.deleted)
	}
	if len(e.policies.removed) != 1 {
		t.Fatalf("policies removed = %v", e.policies.removed)
	}
}

func TestDeletePermissionDenied(t *testing.T) {
	e := newEnv(t, config.DeletionConfig{}, &Plan{})
	e.authz.allow = false

	err := e.engine.Delete(context.Background(), Target{Kind: KindEvent, ID: "ev1"}, "user::mallory")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if e.db.begun != 0 {
		t.Fatal("commit started despite denial")
	}
}

func TestDeleteSystemInitiatorSkipsCheck(t *testing.T) {
	e := newEnv(t, config.DeletionConfig{}, &Plan{})
	e.authz.allow = false

	if err := e.engine.Delete(context.Background(), Target{Kind: KindUser, ID: "u1"}, ""); err != nil {
		t.Fatal(err)
	}
	if len(e.authz.checked) != 0 {
		t.Fatalf("authz checks = %v", e.authz.checked)
	}
	if e.db.committed != 1 {
		t.Fatal("system deletion did not commit")
	}
}

func TestDeleteRaceRollsBack(t *testing.T) {
	e := newEnv(t, config.DeletionConfig{}, &Plan{AssetIDs: []string{"a"}})
	e.db.racePlans = []*Plan{{AssetIDs: []string{"a", "b"}}}

	err := e.engine.Delete(context.Background(), Target{Kind: KindEvent, ID: "ev1"}, "user::alice")
	if !errors.Is(err, ErrRace) {
		t.Fatalf("err = %v", err)
	}
	var race *RaceError
	if !errors.As(err, &race) || race.Target.ID != "ev1" {
		t.Fatalf("err = %#v", err)
	}
	if e.db.committed != 0 || e.db.rolledBack != 1 {
		t.Fatalf("db: commits=%d rollbacks=%d", e.db.committed, e.db.rolledBack)
	}
	if len(e.assets.deleted) != 0 || len(e.policies.removed) != 0 {
		t.Fatal("post-commit cleanup ran after a raced commit")
	}
}

func TestDeleteExecuteFailureRollsBack(t *testing.T) {
	e := newEnv(t, config.DeletionConfig{}, &Plan{})
	e.db.executeErr = errors.New("constraint violation")

	err := e.engine.Delete(context.Background(), Target{Kind: KindEvent, ID: "ev1"}, "")
	if err == nil || !errors.Is(err, e.db.executeErr) {
		t.Fatalf("err = %v", err)
	}
	if e.db.rolledBack != 1 || e.db.committed != 0 {
		t.Fatalf("db: commits=%d rollbacks=%d", e.db.committed, e.db.rolledBack)
	}
}

func TestSharedFolderFailureModes(t *testing.T) {
	plan := &Plan{SharedFolders: []string{"f1"}}

	// Strict mode aborts before the commit.
	strict := newEnv(t, config.DeletionConfig{FailOnSharedFolderDeletionError: true}, plan)
	strict.folders.err = errors.New("webdav unreachable")
	err := strict.engine.Delete(context.Background(), Target{Kind: KindRoom, ID: "r1"}, "")
	if err == nil || !errors.Is(err, strict.folders.err) {
		t.Fatalf("err = %v", err)
	}
	if strict.db.begun != 0 {
		t.Fatal("commit started despite folder failure")
	}

	// Default mode logs and proceeds.
	lax := newEnv(t, config.DeletionConfig{}, plan)
	lax.folders.err = errors.New("webdav unreachable")
	if err := lax.engine.Delete(context.Background(), Target{Kind: KindRoom, ID: "r1"}, ""); err != nil {
		t.Fatal(err)
	}
	if lax.db.committed != 1 {
		t.Fatal("lax mode did not commit")
	}
}

func TestPostCommitFailuresAreNotFatal(t *testing.T) {
	e := newEnv(t, config.DeletionConfig{}, &Plan{AssetIDs: []string{"a"}})
	e.assets.err = errors.New("bucket gone")

	if err := e.engine.Delete(context.Background(), Target{Kind: KindEvent, ID: "ev1"}, ""); err != nil {
		t.Fatal(err)
	}
}

func TestPlanEqual(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			Target:        Target{Kind: KindRoom, ID: "r"},
			RoomIDs:       []ids.RoomID{},
			SharedFolders: []string{"f"},
			AssetIDs:      []string{"a", "b"},
			PolicyObjects: []string{"/rooms/r"},
		}
	}

	if a, b := base(), base(); !a.Equal(b) {
		t.Fatal("identical plans must compare equal")
	}

	changed := base()
	changed.AssetIDs = []string{"b", "a"}
	if base().Equal(changed) {
		t.Fatal("element order must matter")
	}

	grown := base()
	grown.PolicyObjects = append(grown.PolicyObjects, "/events/e")
	if base().Equal(grown) {
		t.Fatal("added elements must break equality")
	}

	retargeted := base()
	retargeted.Target.ID = "other"
	if base().Equal(retargeted) {
		t.Fatal("target must matter")
	}
}
