package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"authvault.org/internal/auth"
	"authvault.org/internal/ids"
	"authvault.org/internal/store/memory"
)

type tokenEnv struct {
	store  *memory.Store
	tokens *auth.TokenService
	guard  *auth.StampGuard
	user   *auth.User
	now    time.Time
	clock  func() time.Time
}

func newTokenEnv(t *testing.T, opts ...auth.TokenOption) *tokenEnv {
	t.Helper()
	store := memory.NewStore()
	env := &tokenEnv{store: store, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	env.clock = func() time.Time { return env.now }

	opts = append([]auth.TokenOption{auth.WithClock(env.clock)}, opts...)
	tokens, err := auth.NewTokenService(store, opts...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	env.tokens = tokens

	guard, err := auth.NewStampGuard(store)
	if err != nil {
		t.Fatalf("NewStampGuard: %v", err)
	}
	env.guard = guard

	hash, err := auth.HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	env.user = &auth.User{
		ID:            ids.New(),
		Email:         "alice@example.com",
		PasswordHash:  hash,
		SecurityStamp: auth.NewSecurityStamp(),
		Status:        auth.UserStatusActive,
		CreatedAt:     env.now,
		UpdatedAt:     env.now,
	}
	if err := store.Users(context.Background()).Create(context.Background(), env.user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return env
}

func TestIssueReturnsOpaqueToken(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	plaintext, expiresAt, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.Contains(plaintext, ".") {
		t.Fatalf("expected id.secret format, got %q", plaintext)
	}
	want := env.now.Add(30 * 24 * time.Hour)
	if !expiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", expiresAt, want)
	}
}

func TestRotationChainAndReplay(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rot, err := env.tokens.ValidateAndRotate(ctx, t1)
	if err != nil {
		t.Fatalf("ValidateAndRotate(t1): %v", err)
	}
	if rot.UserID != env.user.ID {
		t.Fatalf("rotation user = %s, want %s", rot.UserID, env.user.ID)
	}
	if rot.Token == t1 {
		t.Fatal("rotation returned the consumed token")
	}
	if rot.SecurityStamp != env.user.SecurityStamp {
		t.Fatalf("rotation stamp = %s, want %s", rot.SecurityStamp, env.user.SecurityStamp)
	}

	// Replaying the consumed token is theft evidence: the whole family dies.
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrTokenReuseDetected) {
		t.Fatalf("replay of t1: got %v, want ErrTokenReuseDetected", err)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, rot.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("t2 after family revoke: got %v, want ErrTokenRevoked", err)
	}
}

func TestRotateExpiredToken(t *testing.T) {
	env := newTokenEnv(t, auth.WithRefreshTTL(time.Hour))
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env.now = env.now.Add(2 * time.Hour)

	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestStampRotationInvalidatesSessions(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	newStamp, err := env.guard.RotateStamp(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("RotateStamp: %v", err)
	}
	if newStamp == env.user.SecurityStamp {
		t.Fatal("stamp did not change")
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrSecurityStampMismatch) {
		t.Fatalf("got %v, want ErrSecurityStampMismatch", err)
	}
}

func TestRevokeFamilyIdempotent(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.tokens.Revoke(ctx, env.user.ID, t1); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := env.tokens.Revoke(ctx, env.user.ID, t1); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked", err)
	}
}

func TestRevokeRequiresOwnership(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.tokens.Revoke(ctx, "someone-else", t1); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestUnknownOrMalformedToken(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	for _, tok := range []string{"", "garbage", "id-only.", ".secret-only", "missing.token"} {
		if _, err := env.tokens.ValidateAndRotate(ctx, tok); !errors.Is(err, auth.ErrTokenNotFound) {
			t.Fatalf("token %q: got %v, want ErrTokenNotFound", tok, err)
		}
	}
}

func TestWrongSecretRejected(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id := strings.SplitN(t1, ".", 2)[0]
	if _, err := env.tokens.ValidateAndRotate(ctx, id+".forged-secret"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	env := newTokenEnv(t)
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	type outcome struct {
		rot auth.Rotation
		err error
	}
	results := make([]outcome, 2)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			rot, err := env.tokens.ValidateAndRotate(ctx, t1)
			results[i] = outcome{rot: rot, err: err}
		}(i)
	}
	start.Done()
	done.Wait()

	var wins, reuses int
	var winner auth.Rotation
	for _, r := range results {
		switch {
		case r.err == nil:
			wins++
			winner = r.rot
		case errors.Is(r.err, auth.ErrTokenReuseDetected):
			reuses++
		default:
			t.Fatalf("unexpected outcome: %v", r.err)
		}
	}
	if wins != 1 || reuses != 1 {
		t.Fatalf("wins=%d reuses=%d, want exactly one of each", wins, reuses)
	}
	// The loser's reuse detection revoked the family; the winner's fresh
	// token must be dead too.
	if _, err := env.tokens.ValidateAndRotate(ctx, winner.Token); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("winner token after family revoke: got %v, want ErrTokenRevoked", err)
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func TestRateLimitedBeforeStateTransition(t *testing.T) {
	env := newTokenEnv(t, auth.WithRateLimiter(denyAllLimiter{}))
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestReuseEmitsAuditEvent(t *testing.T) {
	var mu sync.Mutex
	var events []string
	logger := func(_ context.Context, event string, _ map[string]any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	env := newTokenEnv(t, auth.WithAuditLogger(logger))
	ctx := context.Background()

	t1, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); err != nil {
		t.Fatalf("ValidateAndRotate: %v", err)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, t1); !errors.Is(err, auth.ErrTokenReuseDetected) {
		t.Fatalf("got %v, want ErrTokenReuseDetected", err)
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, e := range events {
		if e == "token.reuse_detected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no reuse audit event, got %v", events)
	}
}

func TestPurgeExpired(t *testing.T) {
	env := newTokenEnv(t, auth.WithRefreshTTL(time.Hour))
	ctx := context.Background()

	if _, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env.now = env.now.Add(48 * time.Hour)
	live, _, err := env.tokens.Issue(ctx, env.user.ID, env.user.SecurityStamp)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	n, err := env.tokens.PurgeExpired(ctx, 12*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if _, err := env.tokens.ValidateAndRotate(ctx, live); err != nil {
		t.Fatalf("live token rejected after purge: %v", err)
	}
}
