package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"authvault.org/internal/ids"
)

// Config controls role-gated authorization. It is immutable after
// construction; nothing in this package reads ambient state.
type Config struct {
	// FeatureEnabled gates per-role authorization. When false, effective
	// permission resolution returns the full catalog and authorization
	// checks become no-ops.
	FeatureEnabled bool
	// DefaultRole names the role applied when a user has no explicit
	// assignment. Empty disables the fallback.
	DefaultRole string
}

// Engine resolves effective permissions and mutates role/permission
// assignments. Role mutations are serialized per role identity; independent
// roles do not contend.
type Engine struct {
	store   Store
	cfg     Config
	now     func() time.Time
	metrics Observer
	audit   AuditLogger

	roleMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithEngineMetrics attaches an Observer.
func WithEngineMetrics(obs Observer) EngineOption {
	return func(e *Engine) {
		if obs != nil {
			e.metrics = obs
		}
	}
}

// WithEngineAuditLogger attaches a security-event sink.
func WithEngineAuditLogger(fn AuditLogger) EngineOption {
	return func(e *Engine) { e.audit = fn }
}

// NewEngine constructs an Engine.
func NewEngine(store Store, cfg Config, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("auth: rbac store is required")
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		metrics: NopObserver{},
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EffectivePermissions computes the union of permissions across every role
// assigned to the user. Users with no assignment fall back to the configured
// default role; with the feature disabled the full catalog is returned and
// authorization checks become pass-through.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	defer e.metrics.PermissionsComputed()

	perms := e.store.Permissions(ctx)
	if !e.cfg.FeatureEnabled {
		catalog, err := perms.List(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(catalog))
		for _, p := range catalog {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		return names, nil
	}

	names, err := perms.PermissionNamesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 && e.cfg.DefaultRole != "" {
		// The fallback covers users with no role assignment at all. A user
		// deliberately assigned a permission-less role keeps its empty set.
		assignments, err := e.store.Roles(ctx).AssignmentsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(assignments) == 0 {
			role, err := e.store.Roles(ctx).FindByName(ctx, e.cfg.DefaultRole)
			if err != nil {
				if errors.Is(err, ErrRoleNotFound) {
					return nil, nil
				}
				return nil, err
			}
			list, err := perms.PermissionsForRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			for _, p := range list {
				names = append(names, p.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name         string
	DisplayName  string
	Description  string
	IsSystemRole bool
	Permissions  []string
}

// CreateRole creates a role with an initial permission set. Role names are
// unique case-insensitively.
func (e *Engine) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	permIDs, err := e.resolvePermissions(ctx, in.Permissions)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	role := &Role{
		ID:            ids.New(),
		Name:          in.Name,
		DisplayName:   strings.TrimSpace(in.DisplayName),
		Description:   strings.TrimSpace(in.Description),
		IsSystemRole:  in.IsSystemRole,
		SecurityStamp: NewSecurityStamp(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Roles(ctx).Create(ctx, role, permIDs); err != nil {
		return nil, err
	}
	e.metrics.RoleMutated("create")
	e.logEvent(ctx, "role.created", map[string]any{"role_id": role.ID, "name": role.Name})
	return role, nil
}

// UpdateRoleInput fully replaces a role's display fields and permission set.
type UpdateRoleInput struct {
	DisplayName string
	Description string
	Permissions []string
}

// UpdateRole replaces the role's DisplayName, Description, and permission
// set, and bumps the role's security stamp so downstream caches detect
// staleness. The replacement and the stamp bump commit together.
func (e *Engine) UpdateRole(ctx context.Context, roleID string, in UpdateRoleInput) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	unlock := e.lockRole(roleID)
	defer unlock()

	roles := e.store.Roles(ctx)
	role, err := roles.Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, ErrSystemRoleImmutable
	}
	permIDs, err := e.resolvePermissions(ctx, in.Permissions)
	if err != nil {
		return nil, err
	}
	stamp := NewSecurityStamp()
	if err := roles.Update(ctx, roleID, strings.TrimSpace(in.DisplayName), strings.TrimSpace(in.Description), stamp, permIDs); err != nil {
		return nil, err
	}
	e.metrics.RoleMutated("update")
	e.logEvent(ctx, "role.updated", map[string]any{"role_id": roleID})
	role.DisplayName = strings.TrimSpace(in.DisplayName)
	role.Description = strings.TrimSpace(in.Description)
	role.SecurityStamp = stamp
	role.UpdatedAt = e.now().UTC()
	return role, nil
}

// DeleteRole removes a role and its permission/assignment edges.
func (e *Engine) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	unlock := e.lockRole(roleID)
	defer unlock()

	roles := e.store.Roles(ctx)
	role, err := roles.Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRoleImmutable
	}
	if err := roles.Delete(ctx, roleID); err != nil {
		return err
	}
	e.metrics.RoleMutated("delete")
	e.logEvent(ctx, "role.deleted", map[string]any{"role_id": roleID, "name": role.Name})
	return nil
}

// AssignRole grants the role to the user. Assigning an already-held role is
// a no-op success.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID string) error {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	if _, err := e.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return err
	}
	if err := e.store.Roles(ctx).Assign(ctx, userID, roleID); err != nil {
		return err
	}
	e.metrics.RoleMutated("assign")
	return nil
}

// UnassignRole removes the role from the user. Removing an absent
// assignment is a no-op success.
func (e *Engine) UnassignRole(ctx context.Context, userID, roleID string) error {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	if err := e.store.Roles(ctx).Unassign(ctx, userID, roleID); err != nil {
		return err
	}
	e.metrics.RoleMutated("unassign")
	return nil
}

func (e *Engine) resolvePermissions(ctx context.Context, names []string) ([]string, error) {
	names = dedupeStrings(names)
	if len(names) == 0 {
		return nil, nil
	}
	perms, err := e.store.Permissions(ctx).FindByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (e *Engine) lockRole(roleID string) func() {
	e.roleMu.Lock()
	mu, ok := e.locks[roleID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[roleID] = mu
	}
	e.roleMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) logEvent(ctx context.Context, event string, fields map[string]any) {
	if e.audit != nil {
		e.audit(ctx, event, fields)
	}
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
