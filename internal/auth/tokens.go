package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authvault.org/internal/ids"
)

const defaultRefreshTTL = 30 * 24 * time.Hour

// RateLimiter bounds how often a given key may attempt a rotation.
type RateLimiter interface {
	Allow(key string) bool
}

// AuditLogger records security events. Wired to internal/audit by the
// composition root; nil disables event logging.
type AuditLogger func(ctx context.Context, event string, fields map[string]any)

// TokenService issues, rotates, and revokes opaque refresh tokens and
// detects replay of already-consumed tokens.
type TokenService struct {
	store   Store
	now     func() time.Time
	ttl     time.Duration
	metrics Observer
	limiter RateLimiter
	audit   AuditLogger
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMetrics attaches an Observer.
func WithMetrics(obs Observer) TokenOption {
	return func(s *TokenService) {
		if obs != nil {
			s.metrics = obs
		}
	}
}

// WithRateLimiter bounds rotation attempts per presented token.
func WithRateLimiter(rl RateLimiter) TokenOption {
	return func(s *TokenService) { s.limiter = rl }
}

// WithAuditLogger attaches a security-event sink.
func WithAuditLogger(fn AuditLogger) TokenOption {
	return func(s *TokenService) { s.audit = fn }
}

// NewTokenService constructs a TokenService.
func NewTokenService(store Store, opts ...TokenOption) (*TokenService, error) {
	if store == nil {
		return nil, errors.New("auth: token store is required")
	}
	s := &TokenService{
		store:   store,
		now:     time.Now,
		ttl:     defaultRefreshTTL,
		metrics: NopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints the first refresh token of a new session family for a user
// whose credentials were already verified. The returned plaintext is never
// retrievable again.
func (s *TokenService) Issue(ctx context.Context, userID, securityStamp string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || securityStamp == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id and security stamp are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	plaintext, rec, err := s.newToken(userID, securityStamp, uuid.NewString(), now)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return "", time.Time{}, err
	}
	s.metrics.TokenIssued()
	return plaintext, rec.ExpiresAt, nil
}

// Rotation carries the outcome of a successful refresh.
type Rotation struct {
	Token         string
	ExpiresAt     time.Time
	UserID        string
	SecurityStamp string
}

// ValidateAndRotate exchanges a valid refresh token for its successor. The
// presented token is consumed: a second presentation is treated as theft
// and revokes the entire family.
func (s *TokenService) ValidateAndRotate(ctx context.Context, plaintext string) (Rotation, error) {
	tokenID, secret, err := splitRefreshToken(plaintext)
	if err != nil {
		s.metrics.RotationDenied("not_found")
		return Rotation{}, ErrTokenNotFound
	}
	if s.limiter != nil && !s.limiter.Allow(tokenID) {
		s.metrics.RotationDenied("rate_limited")
		return Rotation{}, ErrRateLimited
	}

	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			s.metrics.RotationDenied("not_found")
		}
		return Rotation{}, err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		s.metrics.RotationDenied("not_found")
		return Rotation{}, ErrTokenNotFound
	}

	now := s.now().UTC()
	switch {
	case rec.IsExpired(now):
		s.metrics.RotationDenied("expired")
		return Rotation{}, ErrTokenExpired
	case rec.IsRevoked():
		s.metrics.RotationDenied("revoked")
		return Rotation{}, ErrTokenRevoked
	case rec.IsRotated():
		// Reuse signal: a legitimate client only ever presents a token once.
		return Rotation{}, s.handleReuse(ctx, rec, now)
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		return Rotation{}, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.IssuedStamp), []byte(user.SecurityStamp)) != 1 {
		s.metrics.RotationDenied("stamp_mismatch")
		return Rotation{}, ErrSecurityStampMismatch
	}

	nextPlaintext, next, err := s.newToken(rec.UserID, user.SecurityStamp, rec.FamilyID, now)
	if err != nil {
		return Rotation{}, err
	}
	if err := tokens.Rotate(ctx, rec.ID, next); err != nil {
		if errors.Is(err, ErrConflict) {
			return Rotation{}, s.resolveConflict(ctx, rec.ID, now)
		}
		return Rotation{}, err
	}
	s.metrics.TokenRotated()
	return Rotation{
		Token:         nextPlaintext,
		ExpiresAt:     next.ExpiresAt,
		UserID:        user.ID,
		SecurityStamp: user.SecurityStamp,
	}, nil
}

// Revoke revokes the named token's whole family (user-initiated logout of a
// session). Revoking an already-revoked or already-rotated family is a
// no-op success.
func (s *TokenService) Revoke(ctx context.Context, userID, plaintext string) error {
	tokenID, secret, err := splitRefreshToken(plaintext)
	if err != nil {
		return ErrTokenNotFound
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		return err
	}
	if rec.UserID != strings.TrimSpace(userID) || !secureCompareHash(rec.TokenHash, secret) {
		return ErrTokenNotFound
	}
	if err := tokens.RevokeFamily(ctx, rec.FamilyID, s.now().UTC()); err != nil {
		return err
	}
	s.logEvent(ctx, "session.revoked", map[string]any{
		"user_id":   rec.UserID,
		"family_id": rec.FamilyID,
	})
	return nil
}

// PurgeExpired removes rows that expired more than retain ago. Hygiene
// only; lazily-rejected tokens do not depend on it.
func (s *TokenService) PurgeExpired(ctx context.Context, retain time.Duration) (int64, error) {
	if retain < 0 {
		retain = 0
	}
	return s.store.RefreshTokens(ctx).DeleteExpiredBefore(ctx, s.now().UTC().Add(-retain))
}

// handleReuse revokes the family and reports the incident. The side effect
// is applied before the error is returned.
func (s *TokenService) handleReuse(ctx context.Context, rec *RefreshToken, now time.Time) error {
	if err := s.store.RefreshTokens(ctx).RevokeFamily(ctx, rec.FamilyID, now); err != nil {
		return err
	}
	s.metrics.RotationDenied("reuse")
	s.metrics.ReuseDetected()
	s.logEvent(ctx, "token.reuse_detected", map[string]any{
		"user_id":   rec.UserID,
		"token_id":  rec.ID,
		"family_id": rec.FamilyID,
	})
	return ErrTokenReuseDetected
}

// resolveConflict re-reads a row after a failed compare-and-swap. The
// transition did not happen; the re-read decides whether the racing winner
// rotated or revoked the row.
func (s *TokenService) resolveConflict(ctx context.Context, tokenID string, now time.Time) error {
	rec, err := s.store.RefreshTokens(ctx).Find(ctx, tokenID)
	if err != nil {
		return err
	}
	switch {
	case rec.IsRotated():
		return s.handleReuse(ctx, rec, now)
	case rec.IsRevoked():
		s.metrics.RotationDenied("revoked")
		return ErrTokenRevoked
	default:
		s.metrics.RotationDenied("not_found")
		return ErrTokenNotFound
	}
}

func (s *TokenService) newToken(userID, stamp, familyID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	rec := &RefreshToken{
		ID:          tokenID,
		UserID:      userID,
		TokenHash:   hashSecret(secret),
		FamilyID:    familyID,
		IssuedStamp: stamp,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	return tokenID + "." + secret, rec, nil
}

func (s *TokenService) logEvent(ctx context.Context, event string, fields map[string]any) {
	if s.audit != nil {
		s.audit(ctx, event, fields)
	}
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
