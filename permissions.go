package auth

import (
	"sort"
	"strings"
)

// Wildcard matches any resource or action
const Wildcard = "*"

// PermissionRef is the (resource, action) key
type PermissionRef struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// String renders resource:action
func (p PermissionRef) String() string {
	return p.Resource + ":" + p.Action
}

// ParsePermissionRef parses resource:action. A bare resource means resource:*.
func ParsePermissionRef(s string) PermissionRef {
	resource, action, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || action == "" {
		action = Wildcard
	}
	if resource == "" {
		resource = Wildcard
	}
	return PermissionRef{Resource: resource, Action: action}
}

// PermissionSet is a de-duplicated set of permission refs
type PermissionSet map[PermissionRef]struct{}

// NewPermissionSet builds a set from refs
func NewPermissionSet(refs ...PermissionRef) PermissionSet {
	set := make(PermissionSet, len(refs))
	for _, r := range refs {
		set.Add(r)
	}
	return set
}

// Add inserts a ref
func (s PermissionSet) Add(ref PermissionRef) {
	s[ref] = struct{}{}
}

// Has reports exact membership, wildcards are not expanded
func (s PermissionSet) Has(ref PermissionRef) bool {
	_, ok := s[ref]
	return ok
}

// Allows matches (resource, action), (resource, *), (*, action) and (*, *)
func (s PermissionSet) Allows(resource, action string) bool {
	if len(s) == 0 {
		return false
	}
	candidates := [...]PermissionRef{
		{Resource: resource, Action: action},
		{Resource: resource, Action: Wildcard},
		{Resource: Wildcard, Action: action},
		{Resource: Wildcard, Action: Wildcard},
	}
	for _, c := range candidates {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// List returns the refs sorted by resource then action
func (s PermissionSet) List() []PermissionRef {
	out := make([]PermissionRef, 0, len(s))
	for ref := range s {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource == out[j].Resource {
			return out[i].Action < out[j].Action
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// FlattenPermissions unions the permissions of all roles
func FlattenPermissions(roles []*Role) PermissionSet {
	set := make(PermissionSet)
	for _, role := range roles {
		if role == nil {
			continue
		}
		for _, p := range role.Permissions {
			if p == nil {
				continue
			}
			set.Add(p.Ref())
		}
	}
	return set
}

// Authorize runs the privileged bypass before the permission table.
func Authorize(roleNames []string, perms PermissionSet, resource, action string) bool {
	if IsPrivileged(roleNames) {
		return true
	}
	return perms.Allows(resource, action)
}

// Can checks the user's loaded roles and permissions
func (u *User) Can(resource, action string) bool {
	if u == nil {
		return false
	}
	return Authorize(u.RoleNames(), FlattenPermissions(u.Roles), resource, action)
}

// PrimaryRole returns the coarse bucket for the user
func (u *User) PrimaryRole() RoleBucket {
	return ResolvePrimaryRole(u.RoleNames())
}

// IsPrivileged reports whether the user bypasses permission checks
func (u *User) IsPrivileged() bool {
	return IsPrivileged(u.RoleNames())
}
