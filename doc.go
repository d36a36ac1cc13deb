// Package auth is the identity and tenancy core of a multi-tenant API:
// signed access and refresh tokens, role based permissions with a coarse
// role bucket, per user query quotas, organization membership and
// invitations, and usage accounting.
//
// Token lifecycle:
//   - Access tokens carry the resolved permissions, quotas and remaining
//     credits so downstream services can authorize without a database read.
//   - Refresh tokens are stored hashed and rotated on every use. Logout
//     revokes them; LogoutAll also blacklists the presented access token.
//
// Memberships:
//   - A user may belong to many organizations and has at most one primary
//     membership, mirrored on User.OrganizationID.
//   - Invitations move pending -> accepted | revoked | expired through
//     InvitationStateMachine. All three targets are terminal.
//
// Quotas:
//   - Daily and monthly windows are computed in UTC from the usage log.
//     UsageRecorder.Consume checks, records and counts in one transaction
//     and absorbs retries through a uniqueness constraint.
//
// Activity sinks:
//   - ActivitySink receives login, lifecycle, membership and usage events.
//     Sinks run best effort; errors are logged and never fail the caller.
package auth
