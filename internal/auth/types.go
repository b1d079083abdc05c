package auth

import "time"

// User represents a human or service account.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	SecurityStamp string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RefreshToken is the persisted half of an opaque refresh credential.
// The plaintext secret is handed to the caller exactly once at issuance;
// only its hash is ever stored.
type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string
	FamilyID          string
	IssuedStamp       string
	ExpiresAt         time.Time
	CreatedAt         time.Time
	RevokedAt         *time.Time
	ReplacedByTokenID *string
}

// IsRotated reports whether the token was already consumed by a rotation.
func (t *RefreshToken) IsRotated() bool { return t.ReplacedByTokenID != nil }

// IsRevoked reports whether the token (or its family) was revoked.
func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

// IsExpired reports whether the token is past its lifetime at the given instant.
func (t *RefreshToken) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Role groups permissions. System roles back built-in authorization
// assumptions elsewhere in the system and can never be renamed, deleted,
// or repermissioned after provisioning.
type Role struct {
	ID            string
	Name          string
	DisplayName   string
	Description   string
	IsSystemRole  bool
	SecurityStamp string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Permission is a fine-grained capability identified by a unique name.
type Permission struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	CreatedAt   time.Time
}

// UserRoleAssignment links a user to a role.
type UserRoleAssignment struct {
	UserID    string
	RoleID    string
	CreatedAt time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Principal represents a user with resolved permissions.
type Principal struct {
	User        *User
	Roles       []string
	Permissions map[string]struct{}
}

// HasPermission reports whether the principal can execute the action
// identified by name.
func (p Principal) HasPermission(name string) bool {
	_, ok := p.Permissions[name]
	return ok
}
