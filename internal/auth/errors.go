package auth

import "errors"

var (
	// ErrTokenNotFound means no refresh token row matched the presented credential.
	ErrTokenNotFound = errors.New("auth: refresh token not found")
	// ErrTokenExpired means the token's lifetime elapsed before it was presented.
	ErrTokenExpired = errors.New("auth: refresh token expired")
	// ErrTokenRevoked means the token or its family was explicitly revoked.
	ErrTokenRevoked = errors.New("auth: refresh token revoked")
	// ErrTokenReuseDetected means an already-rotated token was presented again.
	// The whole family is revoked before this error is returned; callers
	// should surface it to alerting, not treat it as an ordinary auth failure.
	ErrTokenReuseDetected = errors.New("auth: refresh token reuse detected")
	// ErrSecurityStampMismatch means the session was invalidated by a stamp
	// rotation (password change, "log out everywhere") after issuance.
	ErrSecurityStampMismatch = errors.New("auth: security stamp mismatch")

	// ErrDuplicateRoleName rejects role creation under an existing name
	// (case-insensitive).
	ErrDuplicateRoleName = errors.New("auth: duplicate role name")
	// ErrPermissionNotFound rejects references to unknown permission names.
	ErrPermissionNotFound = errors.New("auth: permission not found")
	// ErrRoleNotFound means the named role does not exist.
	ErrRoleNotFound = errors.New("auth: role not found")
	// ErrSystemRoleImmutable rejects mutation or deletion of system roles.
	ErrSystemRoleImmutable = errors.New("auth: system role is immutable")

	// ErrUserNotFound means the referenced user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrInvalidCredentials means email/password verification failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrRateLimited means the caller exceeded the refresh budget.
	ErrRateLimited = errors.New("auth: rate limited")
	// ErrInvalidInput flags malformed arguments to mutation operations.
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrConflict is returned by stores when a conditional update observed a
	// precondition failure. It never escapes the token service: the caller
	// re-reads the row and maps the outcome to a token error.
	ErrConflict = errors.New("auth: conditional update conflict")
)
