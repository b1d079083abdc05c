package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAccessTTL = 15 * time.Minute

// ErrInvalidToken indicates an access token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Service couples credential verification, refresh rotation, and access
// token minting into the contract a login/refresh layer calls.
type Service struct {
	store  Store
	tokens *TokenService
	engine *Engine
	now    func() time.Time

	issuer    string
	secret    []byte
	accessTTL time.Duration
}

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer sets the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessSecret sets the HS256 signing secret for access tokens.
func WithAccessSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: access secret is required")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithServiceClock overrides the time source.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, tokens *TokenService, engine *Engine, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil || engine == nil {
		return nil, errors.New("auth: store, token service, and engine are required")
	}
	s := &Service{
		store:     store,
		tokens:    tokens,
		engine:    engine,
		now:       time.Now,
		accessTTL: defaultAccessTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.secret) == 0 {
		return nil, errors.New("auth: access secret is required")
	}
	return s, nil
}

// TokenPair carries freshly minted access and refresh credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Authenticate verifies email/password and starts a new session family.
func (s *Service) Authenticate(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if user.Status != UserStatusActive {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	principal, err := s.principal(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mint(ctx, user, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Refresh rotates the presented refresh token and mints a new access token.
// Rotation failures pass through untouched so callers can distinguish reuse
// incidents from ordinary re-authentication demands.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	rot, err := s.tokens.ValidateAndRotate(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	user, err := s.store.Users(ctx).Find(ctx, rot.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	principal, err := s.principal(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	access, accessExp, err := s.signAccessToken(user.ID, principal, s.now().UTC())
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rot.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rot.ExpiresAt,
	}, principal, nil
}

// Logout revokes the session family behind the presented refresh token.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	return s.tokens.Revoke(ctx, userID, refreshToken)
}

// ParseAndValidate verifies an access token's signature and claims.
func (s *Service) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) principal(ctx context.Context, user *User) (Principal, error) {
	perms, err := s.engine.EffectivePermissions(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	assignments, err := s.store.Roles(ctx).AssignmentsForUser(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	roles := make([]string, 0, len(assignments))
	for _, a := range assignments {
		role, err := s.store.Roles(ctx).Find(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return Principal{}, err
		}
		roles = append(roles, role.Name)
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{User: user, Roles: roles, Permissions: set}, nil
}

func (s *Service) mint(ctx context.Context, user *User, principal Principal) (TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.signAccessToken(user.ID, principal, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.tokens.Issue(ctx, user.ID, user.SecurityStamp)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) signAccessToken(userID string, principal Principal, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	perms := make([]string, 0, len(principal.Permissions))
	for p := range principal.Permissions {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	claims := Claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
