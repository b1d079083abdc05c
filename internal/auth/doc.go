// Package auth implements the session-security core behind the API's
// authentication boundary: refresh-token issuance and single-use rotation
// with theft detection, stamp-based mass session invalidation, and
// role-based effective-permission resolution.
//
// The package is storage-agnostic. Persistence is consumed through the
// [Store] contracts; implementations must provide the atomic conditional
// update backing token rotation (see [RefreshTokenStore.Rotate]) and
// transactional multi-row commits for role mutations. internal/store/pg is
// the PostgreSQL implementation, internal/store/memory the in-process one.
//
// Concurrency: two simultaneous rotations of the same token can never both
// succeed. Exactly one wins the compare-and-swap; the loser re-reads the
// row and is routed into reuse detection, which revokes the whole family.
package auth
