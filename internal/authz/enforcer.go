// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package authz implements the RBAC authorization core with Casbin.
//
// Policies are tuples (subject, object, action). Subjects are users,
// invites, roles and tenant groups; the g relation forms the role/group
// DAG used for implicit expansion. Objects are resource paths where "*"
// matches exactly one segment and "**" the remainder. Actions are HTTP
// verbs, pipe-separated in policies; OPTIONS is always allowed.
//
// The policy store persists in badger; in-memory evaluation runs on a
// snapshot that reloads after local writes, on a periodic timer and on
// reload notifications from other replicas.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/opentalk/controller/internal/logging"
	"github.com/opentalk/controller/internal/metrics"
)

//go:embed model.conf
var embeddedModel string

// Policy is one (subject, object, action) rule.
type Policy struct {
	Subject string
	Object  string
	Action  string
}

// GroupingPolicy is one g(subject, role) edge of the inheritance DAG.
type GroupingPolicy struct {
	Subject string
	Role    string
}

// Subject constructors. The string forms are stable: they appear in the
// persisted policy store.

// UserSubject renders a registered user's policy subject.
func UserSubject(id string) string { return "user::" + id }

// InviteSubject renders an invite's policy subject.
func InviteSubject(id string) string { return "invite::" + id }

// RoleSubject renders a named role's policy subject.
func RoleSubject(name string) string { return "role::" + name }

// GroupSubject renders a tenant-scoped group's policy subject.
func GroupSubject(tenant, name string) string { return "group::" + tenant + "/" + name }

// Enforcer wraps the Casbin enforcer with the controller's policy
// semantics. All methods are safe for concurrent use.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer

	// notify is called after every policy write so other replicas can
	// reload their snapshots. Set via SetReloadNotifier.
	notify func(ctx context.Context)
}

// NewEnforcer creates the authorization core over the given policy
// adapter (see NewBadgerAdapter).
func NewEnforcer(adapter *BadgerAdapter) (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load authz model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("create authz enforcer: %w", err)
	}
	enforcer.AddFunction("pathMatch", pathMatchFunc)

	return &Enforcer{enforcer: enforcer}, nil
}

// SetReloadNotifier installs the callback invoked after policy writes.
func (e *Enforcer) SetReloadNotifier(notify func(ctx context.Context)) {
	e.notify = notify
}

// StartAutoReload reloads the policy snapshot on a periodic timer.
func (e *Enforcer) StartAutoReload(interval time.Duration) {
	e.enforcer.StartAutoLoadPolicy(interval)
}

// Close stops the periodic reload.
func (e *Enforcer) Close() {
	e.enforcer.StopAutoLoadPolicy()
}

// Check evaluates whether subject may perform action on resource.
// OPTIONS is always allowed; evaluation failures deny.
func (e *Enforcer) Check(subject, resource, action string) bool {
	if action == "OPTIONS" {
		metrics.RecordAuthzDecision(true)
		return true
	}
	allowed, err := e.enforcer.Enforce(subject, resource, action)
	if err != nil {
		logging.Error().Err(err).
			Str("subject", subject).
			Str("resource", resource).
			Str("action", action).
			Msg("authz enforcement failed, denying")
		metrics.RecordAuthzDecision(false)
		return false
	}
	metrics.RecordAuthzDecision(allowed)
	return allowed
}

// AddPolicies persists new policy rules as a set union and notifies
// replicas. Duplicate rules are ignored.
func (e *Enforcer) AddPolicies(ctx context.Context, policies []Policy) error {
	rules := make([][]string, 0, len(policies))
	for _, p := range policies {
		rules = append(rules, []string{p.Subject, p.Object, p.Action})
	}
	if _, err := e.enforcer.AddPoliciesEx(rules); err != nil {
		return fmt.Errorf("add policies: %w", err)
	}
	e.notifyReload(ctx)
	return nil
}

// RemovePolicies removes policy rules and notifies replicas.
func (e *Enforcer) RemovePolicies(ctx context.Context, policies []Policy) error {
	for _, p := range policies {
		if _, err := e.enforcer.RemovePolicy(p.Subject, p.Object, p.Action); err != nil {
			return fmt.Errorf("remove policy %v: %w", p, err)
		}
	}
	e.notifyReload(ctx)
	return nil
}

// RemovePoliciesForObject drops every rule whose object matches exactly.
// Used by the deletion engine to clean up policies of freed resources.
func (e *Enforcer) RemovePoliciesForObject(ctx context.Context, object string) error {
	if _, err := e.enforcer.RemoveFilteredPolicy(1, object); err != nil {
		return fmt.Errorf("remove policies for %s: %w", object, err)
	}
	e.notifyReload(ctx)
	return nil
}

// AddGroupingPolicies persists g(subject, role) edges.
func (e *Enforcer) AddGroupingPolicies(ctx context.Context, groupings []GroupingPolicy) error {
	for _, g := range groupings {
		if _, err := e.enforcer.AddGroupingPolicy(g.Subject, g.Role); err != nil {
			return fmt.Errorf("add grouping %v: %w", g, err)
		}
	}
	e.notifyReload(ctx)
	return nil
}

// RemoveGroupingPolicies removes g edges.
func (e *Enforcer) RemoveGroupingPolicies(ctx context.Context, groupings []GroupingPolicy) error {
	for _, g := range groupings {
		if _, err := e.enforcer.RemoveGroupingPolicy(g.Subject, g.Role); err != nil {
			return fmt.Errorf("remove grouping %v: %w", g, err)
		}
	}
	e.notifyReload(ctx)
	return nil
}

// Reload replaces the in-memory snapshot from the persisted store.
func (e *Enforcer) Reload() error {
	if err := e.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	return nil
}

// Policies returns all persisted policy rules.
func (e *Enforcer) Policies() []Policy {
	//nolint:errcheck // GetPolicy only fails on a nil enforcer
	rules, _ := e.enforcer.GetPolicy()
	out := make([]Policy, 0, len(rules))
	for _, rule := range rules {
		if len(rule) == 3 {
			out = append(out, Policy{Subject: rule[0], Object: rule[1], Action: rule[2]})
		}
	}
	return out
}

func (e *Enforcer) notifyReload(ctx context.Context) {
	if e.notify != nil {
		e.notify(ctx)
	}
}

// pathMatchFunc adapts pathMatch for Casbin's function table.
func pathMatchFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("pathMatch expects 2 arguments, got %d", len(args))
	}
	obj, ok1 := args[0].(string)
	pattern, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("pathMatch expects string arguments")
	}
	return pathMatch(obj, pattern), nil
}

// pathMatch matches a resource path against a policy pattern segment-wise:
// "*" matches exactly one non-slash segment, "**" matches any remainder
// (including nothing).
func pathMatch(obj, pattern string) bool {
	objParts := strings.Split(obj, "/")
	patParts := strings.Split(pattern, "/")

	for i, pat := range patParts {
		if pat == "**" {
			return true
		}
		if i >= len(objParts) {
			return false
		}
		if pat != "*" && pat != objParts[i] {
			return false
		}
	}
	return len(objParts) == len(patParts)
}
