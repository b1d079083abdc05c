package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StampGuard manages the per-user invalidation stamp. Rotating the stamp is
// O(1) regardless of how many sessions exist: outstanding tokens are never
// enumerated, they are rejected lazily on their next rotation attempt.
type StampGuard struct {
	store   Store
	now     func() time.Time
	metrics Observer
	audit   AuditLogger
}

// StampOption configures StampGuard.
type StampOption func(*StampGuard)

// WithStampMetrics attaches an Observer.
func WithStampMetrics(obs Observer) StampOption {
	return func(g *StampGuard) {
		if obs != nil {
			g.metrics = obs
		}
	}
}

// WithStampAuditLogger attaches a security-event sink.
func WithStampAuditLogger(fn AuditLogger) StampOption {
	return func(g *StampGuard) { g.audit = fn }
}

// NewStampGuard constructs a StampGuard.
func NewStampGuard(store Store, opts ...StampOption) (*StampGuard, error) {
	if store == nil {
		return nil, errors.New("auth: stamp store is required")
	}
	g := &StampGuard{store: store, now: time.Now, metrics: NopObserver{}}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RotateStamp replaces the user's security stamp with a fresh opaque value,
// invalidating every session issued against the prior one.
func (g *StampGuard) RotateStamp(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	stamp := NewSecurityStamp()
	if err := g.store.Users(ctx).UpdateSecurityStamp(ctx, userID, stamp); err != nil {
		return "", err
	}
	g.metrics.StampRotated()
	if g.audit != nil {
		g.audit(ctx, "stamp.rotated", map[string]any{"user_id": userID})
	}
	return stamp, nil
}

// NewSecurityStamp returns a fresh opaque stamp value.
func NewSecurityStamp() string {
	return uuid.NewString()
}
