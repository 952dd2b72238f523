// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package authz

import (
	"context"
	"strings"

	"github.com/opentalk/controller/internal/signaling/ids"
)

// AccessGrant is a builder that compiles resource grants into policy
// tuples and applies them in one batch:
//
//	err := enforcer.GrantUserAccess(userID).
//		AddResource("/rooms/"+roomID.String(), "GET", "PUT", "DELETE").
//		AddResource("/rooms/"+roomID.String()+"/invites", "GET", "POST").
//		Finish(ctx)
type AccessGrant struct {
	enforcer *Enforcer
	subject  string
	policies []Policy
}

// GrantUserAccess starts an access grant for a registered user.
func (e *Enforcer) GrantUserAccess(user ids.UserID) *AccessGrant {
	return &AccessGrant{enforcer: e, subject: UserSubject(user.String())}
}

// GrantInviteAccess starts an access grant for an invite code.
func (e *Enforcer) GrantInviteAccess(invite ids.InviteID) *AccessGrant {
	return &AccessGrant{enforcer: e, subject: InviteSubject(invite.String())}
}

// GrantRoleAccess starts an access grant for a named role.
func (e *Enforcer) GrantRoleAccess(role string) *AccessGrant {
	return &AccessGrant{enforcer: e, subject: RoleSubject(role)}
}

// GrantGroupAccess starts an access grant for a tenant group.
func (e *Enforcer) GrantGroupAccess(tenant, group string) *AccessGrant {
	return &AccessGrant{enforcer: e, subject: GroupSubject(tenant, group)}
}

// AddResource adds one resource path with its allowed actions. Multiple
// actions compile into one pipe-separated policy action.
func (g *AccessGrant) AddResource(path string, actions ...string) *AccessGrant {
	if len(actions) == 0 {
		return g
	}
	g.policies = append(g.policies, Policy{
		Subject: g.subject,
		Object:  path,
		Action:  strings.Join(actions, "|"),
	})
	return g
}

// Finish persists the accumulated policies as one batch.
func (g *AccessGrant) Finish(ctx context.Context) error {
	if len(g.policies) == 0 {
		return nil
	}
	return g.enforcer.AddPolicies(ctx, g.policies)
}
