// Package memory implements the auth store contracts in process. A single
// mutex gives the same conditional-update semantics as the PostgreSQL
// store; the service and engine tests (including the rotation race) run
// against it, and it doubles as a development store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"authvault.org/internal/auth"
)

// Store is an in-memory auth.Store.
type Store struct {
	mu          sync.Mutex
	users       map[string]*auth.User
	tokens      map[string]*auth.RefreshToken
	roles       map[string]*auth.Role
	permissions map[string]*auth.Permission // by ID
	rolePerms   map[string]map[string]struct{}
	userRoles   map[string]map[string]time.Time
}

var _ auth.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		tokens:      make(map[string]*auth.RefreshToken),
		roles:       make(map[string]*auth.Role),
		permissions: make(map[string]*auth.Permission),
		rolePerms:   make(map[string]map[string]struct{}),
		userRoles:   make(map[string]map[string]time.Time),
	}
}

func (s *Store) Users(context.Context) auth.UserStore                 { return (*userStore)(s) }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return (*tokenStore)(s) }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return (*roleStore)(s) }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return (*permissionStore)(s) }

// User store ---------------------------------------------------------------

type userStore Store

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return auth.ErrConflict
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return auth.ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (s *userStore) UpdateSecurityStamp(_ context.Context, userID, stamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.SecurityStamp = stamp
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Refresh token store ------------------------------------------------------

type tokenStore Store

func (s *tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; ok {
		return auth.ErrConflict
	}
	cp := copyToken(tok)
	s.tokens[tok.ID] = cp
	return nil
}

func (s *tokenStore) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	return copyToken(tok), nil
}

func (s *tokenStore) Rotate(_ context.Context, currentID string, replacement *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[currentID]
	if !ok {
		return auth.ErrTokenNotFound
	}
	// The active precondition and the mark happen under one lock, mirroring
	// the SQL store's conditional update.
	if cur.ReplacedByTokenID != nil || cur.RevokedAt != nil {
		return auth.ErrConflict
	}
	id := replacement.ID
	cur.ReplacedByTokenID = &id
	s.tokens[replacement.ID] = copyToken(replacement)
	return nil
}

func (s *tokenStore) RevokeFamily(_ context.Context, familyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.FamilyID == familyID && tok.RevokedAt == nil {
			t := at
			tok.RevokedAt = &t
		}
	}
	return nil
}

func (s *tokenStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.tokens {
		if tok.ExpiresAt.Before(cutoff) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Role store ---------------------------------------------------------------

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *auth.Role, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, role.Name) {
			return auth.ErrDuplicateRoleName
		}
	}
	for _, permID := range permissionIDs {
		if _, ok := s.permissions[permID]; !ok {
			return auth.ErrPermissionNotFound
		}
	}
	cp := *role
	s.roles[role.ID] = &cp
	set := make(map[string]struct{}, len(permissionIDs))
	for _, permID := range permissionIDs {
		set[permID] = struct{}{}
	}
	s.rolePerms[role.ID] = set
	return nil
}

func (s *roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range s.roles {
		if strings.EqualFold(role.Name, name) {
			cp := *role
			return &cp, nil
		}
	}
	return nil, auth.ErrRoleNotFound
}

func (s *roleStore) List(_ context.Context) ([]*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := make([]*auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		cp := *role
		roles = append(roles, &cp)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *roleStore) Update(_ context.Context, roleID, displayName, description, stamp string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return auth.ErrRoleNotFound
	}
	for _, permID := range permissionIDs {
		if _, ok := s.permissions[permID]; !ok {
			return auth.ErrPermissionNotFound
		}
	}
	role.DisplayName = displayName
	role.Description = description
	role.SecurityStamp = stamp
	role.UpdatedAt = time.Now().UTC()
	set := make(map[string]struct{}, len(permissionIDs))
	for _, permID := range permissionIDs {
		set[permID] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (s *roleStore) Delete(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrRoleNotFound
	}
	delete(s.roles, roleID)
	delete(s.rolePerms, roleID)
	for _, assigned := range s.userRoles {
		delete(assigned, roleID)
	}
	return nil
}

func (s *roleStore) Assign(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrUserNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrRoleNotFound
	}
	assigned, ok := s.userRoles[userID]
	if !ok {
		assigned = make(map[string]time.Time)
		s.userRoles[userID] = assigned
	}
	if _, ok := assigned[roleID]; !ok {
		assigned[roleID] = time.Now().UTC()
	}
	return nil
}

func (s *roleStore) Unassign(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userRoles[userID], roleID)
	return nil
}

func (s *roleStore) AssignmentsForUser(_ context.Context, userID string) ([]auth.UserRoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assigned := s.userRoles[userID]
	result := make([]auth.UserRoleAssignment, 0, len(assigned))
	for roleID, at := range assigned {
		result = append(result, auth.UserRoleAssignment{UserID: userID, RoleID: roleID, CreatedAt: at})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoleID < result[j].RoleID })
	return result, nil
}

// Permission store ---------------------------------------------------------

type permissionStore Store

func (s *permissionStore) Ensure(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if s.findByNameLocked(p.Name) != nil {
			continue
		}
		cp := p
		if cp.ID == "" {
			cp.ID = fmt.Sprintf("perm-%d", len(s.permissions)+1)
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.permissions[cp.ID] = &cp
	}
	return nil
}

func (s *permissionStore) List(_ context.Context) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		perms = append(perms, *p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (s *permissionStore) FindByNames(_ context.Context, names []string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := make([]auth.Permission, 0, len(names))
	for _, name := range names {
		p := s.findByNameLocked(name)
		if p == nil {
			return nil, fmt.Errorf("%w: %s", auth.ErrPermissionNotFound, name)
		}
		perms = append(perms, *p)
	}
	return perms, nil
}

func (s *permissionStore) PermissionsForRole(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var perms []auth.Permission
	for permID := range s.rolePerms[roleID] {
		if p, ok := s.permissions[permID]; ok {
			perms = append(perms, *p)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (s *permissionStore) PermissionNamesForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for roleID := range s.userRoles[userID] {
		for permID := range s.rolePerms[roleID] {
			if p, ok := s.permissions[permID]; ok {
				set[p.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *permissionStore) findByNameLocked(name string) *auth.Permission {
	for _, p := range s.permissions {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func copyToken(tok *auth.RefreshToken) *auth.RefreshToken {
	cp := *tok
	if tok.RevokedAt != nil {
		t := *tok.RevokedAt
		cp.RevokedAt = &t
	}
	if tok.ReplacedByTokenID != nil {
		v := *tok.ReplacedByTokenID
		cp.ReplacedByTokenID = &v
	}
	return &cp
}
