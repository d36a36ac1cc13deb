package auth

import "strings"

// Seeded role names.
const (
	RoleSuperuser = "superuser"
	RoleAdmin     = "admin"
	RoleOwner     = "owner"
	RoleOrgAdmin  = "org-admin"
	RoleMember    = "member"
	RoleUser      = "user"
	RoleViewer    = "viewer"
	RoleGuest     = "guest"
	RoleDemo      = "demo"
	RoleLawyer    = "lawyer"
)

// RoleBucket is the coarse four value classification used in claims.
// It is not the literal role name: a user holding only "lawyer" is a
// BucketMember.
type RoleBucket string

const (
	BucketAdmin  RoleBucket = "admin"
	BucketMember RoleBucket = "member"
	BucketViewer RoleBucket = "viewer"
	BucketGuest  RoleBucket = "guest"
)

// bucketPrecedence is ordered from highest to lowest
var bucketPrecedence = []struct {
	bucket RoleBucket
	names  []string
}{
	{BucketAdmin, []string{RoleAdmin}},
	{BucketMember, []string{RoleMember, RoleUser}},
	{BucketViewer, []string{RoleViewer}},
	{BucketGuest, []string{RoleGuest, RoleDemo}},
}

// privilegedRoles bypass every permission check
var privilegedRoles = []string{RoleSuperuser, RoleAdmin}

// DataAccess is an informational grant, it is never used for enforcement
type DataAccess struct {
	OwnData      bool `json:"own_data"`
	SharedData   bool `json:"shared_data"`
	AllUsersData bool `json:"all_users_data"`
}

// IsValid checks the bucket is one of the four known values
func (b RoleBucket) IsValid() bool {
	switch b {
	case BucketAdmin, BucketMember, BucketViewer, BucketGuest:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (b RoleBucket) String() string {
	return string(b)
}

// IsAtLeast checks if this bucket meets the minimum required level
func (b RoleBucket) IsAtLeast(min RoleBucket) bool {
	levels := map[RoleBucket]int{
		BucketGuest:  0,
		BucketViewer: 1,
		BucketMember: 2,
		BucketAdmin:  3,
	}

	current, ok := levels[b]
	if !ok {
		return false
	}

	required, ok := levels[min]
	if !ok {
		return false
	}

	return current >= required
}

// DataAccess maps the bucket to its data access grant
func (b RoleBucket) DataAccess() DataAccess {
	switch b {
	case BucketAdmin:
		return DataAccess{OwnData: true, SharedData: true, AllUsersData: true}
	case BucketMember:
		return DataAccess{OwnData: true, SharedData: true}
	case BucketViewer:
		return DataAccess{SharedData: true}
	default:
		return DataAccess{}
	}
}

// ResolvePrimaryRole classifies role names into a bucket using the
// admin > member|user > viewer > guest|demo precedence. Names are
// compared case-insensitively and anything unknown falls back to member.
func ResolvePrimaryRole(roleNames []string) RoleBucket {
	held := make(map[string]struct{}, len(roleNames))
	for _, n := range roleNames {
		held[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}

	for _, p := range bucketPrecedence {
		for _, name := range p.names {
			if _, ok := held[name]; ok {
				return p.bucket
			}
		}
	}

	return BucketMember
}

// ParseRoleBucket safely parses a string into a RoleBucket
func ParseRoleBucket(s string) (RoleBucket, bool) {
	b := RoleBucket(strings.ToLower(strings.TrimSpace(s)))
	return b, b.IsValid()
}

// IsPrivileged is the single source of truth for the admin/superuser bypass
func IsPrivileged(roleNames []string) bool {
	for _, n := range roleNames {
		for _, p := range privilegedRoles {
			if strings.EqualFold(strings.TrimSpace(n), p) {
				return true
			}
		}
	}
	return false
}

// IsOnboardingExempt reports roles that may log in without an organization
func IsOnboardingExempt(roleNames []string) bool {
	for _, n := range roleNames {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case RoleGuest, RoleDemo:
			return true
		}
	}
	return false
}

// DataAccessGrant resolves the bucket for the role names and returns its grant
func DataAccessGrant(roleNames []string) DataAccess {
	return ResolvePrimaryRole(roleNames).DataAccess()
}
