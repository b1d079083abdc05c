package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the session-security
// core. Implementations must provide atomic conditional updates for token
// rotation and transactional multi-row commits for role mutations; the core
// never assumes ambient transaction scoping.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages user rows and their security stamps.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// UpdateSecurityStamp replaces the user's stamp, lazily invalidating
	// every outstanding session issued against the prior value.
	UpdateSecurityStamp(ctx context.Context, userID, stamp string) error
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Rotate marks the current row rotated and inserts its replacement in a
	// single transaction. The mark is a compare-and-swap: it applies only if
	// the current row is still active (neither rotated nor revoked). When the
	// precondition fails nothing is written and ErrConflict is returned; the
	// caller re-reads the row to decide between reuse detection and revocation.
	Rotate(ctx context.Context, currentID string, replacement *RefreshToken) error
	// RevokeFamily revokes every not-yet-revoked token sharing the family,
	// including already-rotated descendants. Idempotent.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error
	// DeleteExpiredBefore purges rows whose expiry precedes the cutoff.
	// Storage hygiene only; correctness never depends on it.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RoleStore manages roles and user-role assignments.
type RoleStore interface {
	// Create inserts the role and its permission edges in one transaction.
	// A name collision (case-insensitive) yields ErrDuplicateRoleName.
	Create(ctx context.Context, role *Role, permissionIDs []string) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	// Update replaces display fields and the full permission set and bumps
	// the role's security stamp, all in one transaction.
	Update(ctx context.Context, roleID, displayName, description, stamp string, permissionIDs []string) error
	// Delete removes the role and its RolePermission/UserRole edges.
	Delete(ctx context.Context, roleID string) error
	// Assign is idempotent: assigning an already-held role is a no-op.
	Assign(ctx context.Context, userID, roleID string) error
	// Unassign is idempotent: removing an absent assignment is a no-op.
	Unassign(ctx context.Context, userID, roleID string) error
	AssignmentsForUser(ctx context.Context, userID string) ([]UserRoleAssignment, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	// Ensure inserts catalog entries that do not yet exist. Idempotent.
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	// FindByNames resolves permission names to rows; any unknown name yields
	// ErrPermissionNotFound.
	FindByNames(ctx context.Context, names []string) ([]Permission, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	// PermissionNamesForUser returns the distinct permission names reachable
	// through the user's role assignments.
	PermissionNamesForUser(ctx context.Context, userID string) ([]string, error)
}
