package auth_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"authvault.org/internal/auth"
	"authvault.org/internal/ids"
	"authvault.org/internal/store/memory"
)

type serviceEnv struct {
	store   *memory.Store
	service *auth.Service
	user    *auth.User
	now     time.Time
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	env := &serviceEnv{store: store, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }

	tokens, err := auth.NewTokenService(store, auth.WithClock(clock))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	engine, err := auth.NewEngine(store, auth.Config{FeatureEnabled: true}, auth.WithEngineClock(clock))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	svc, err := auth.NewService(store, tokens, engine,
		auth.WithIssuer("authvault"),
		auth.WithAccessSecret("unit-test-signing-secret"),
		auth.WithServiceClock(clock),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.service = svc

	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	env.user = &auth.User{
		ID:            ids.New(),
		Email:         "bob@example.com",
		PasswordHash:  hash,
		SecurityStamp: auth.NewSecurityStamp(),
		Status:        auth.UserStatusActive,
		CreatedAt:     env.now,
		UpdatedAt:     env.now,
	}
	if err := store.Users(ctx).Create(ctx, env.user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := store.Permissions(ctx).Ensure(ctx, []auth.Permission{{Name: "docs.read", DisplayName: "docs.read"}}); err != nil {
		t.Fatalf("ensure permission: %v", err)
	}
	role, err := engine.CreateRole(ctx, auth.CreateRoleInput{Name: "reader", Permissions: []string{"docs.read"}})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := engine.AssignRole(ctx, env.user.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	return env
}

func TestAuthenticateIssuesPair(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	pair, principal, err := env.service.Authenticate(ctx, "Bob@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token pair")
	}
	if !principal.HasPermission("docs.read") {
		t.Fatal("principal missing docs.read")
	}
	if !reflect.DeepEqual(principal.Roles, []string{"reader"}) {
		t.Fatalf("roles = %v", principal.Roles)
	}

	claims, err := env.service.ParseAndValidate(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != env.user.ID {
		t.Fatalf("subject = %s, want %s", claims.Subject, env.user.ID)
	}
	if claims.Issuer != "authvault" {
		t.Fatalf("issuer = %s", claims.Issuer)
	}
	if !reflect.DeepEqual(claims.Permissions, []string{"docs.read"}) {
		t.Fatalf("claims permissions = %v", claims.Permissions)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "bob@example.com", "incorrect horse"},
		{"unknown user", "nobody@example.com", "correct horse"},
		{"empty password", "bob@example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.service.Authenticate(ctx, tc.email, tc.password)
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				t.Fatalf("got %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAuthenticateDisabledUser(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	disabled := &auth.User{
		ID:            ids.New(),
		Email:         "mallory@example.com",
		PasswordHash:  hash,
		SecurityStamp: auth.NewSecurityStamp(),
		Status:        auth.UserStatusDisabled,
	}
	if err := env.store.Users(ctx).Create(ctx, disabled); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, _, err := env.service.Authenticate(ctx, "mallory@example.com", "correct horse"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	pair, _, err := env.service.Authenticate(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	next, principal, err := env.service.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if !principal.HasPermission("docs.read") {
		t.Fatal("principal missing docs.read")
	}
	if _, err := env.service.ParseAndValidate(next.AccessToken); err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	// The consumed token must not work twice.
	if _, _, err := env.service.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenReuseDetected) {
		t.Fatalf("replay: got %v, want ErrTokenReuseDetected", err)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	pair, _, err := env.service.Authenticate(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := env.service.Logout(ctx, env.user.ID, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := env.service.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked", err)
	}
}

func TestParseAndValidateExpiry(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	pair, _, err := env.service.Authenticate(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	env.now = env.now.Add(time.Hour)
	if _, err := env.service.ParseAndValidate(pair.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestParseAndValidateTamper(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	pair, _, err := env.service.Authenticate(ctx, "bob@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for _, token := range []string{"", "not-a-jwt", pair.AccessToken + "x"} {
		if _, err := env.service.ParseAndValidate(token); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("token %q: got %v, want ErrInvalidToken", token, err)
		}
	}
}
