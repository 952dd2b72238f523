// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package room

// NamespaceControl is the attribute namespace holding the base
// participant attributes written by the runner at join time.
const NamespaceControl = "control"

// Control attribute keys.
const (
	AttrDisplayName = "display_name"
	AttrRole        = "role"
	AttrKind        = "kind"
	AttrJoinedAt    = "joined_at"
	AttrHandIsUp    = "hand_is_up"
	AttrAvatarURL   = "avatar_url"
	AttrUserID      = "user_id"
)
