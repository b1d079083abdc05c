package auth

const (
	PermUsersRead      = "users.read"
	PermUsersManage    = "users.manage"
	PermRolesManage    = "roles.manage"
	PermSessionsRevoke = "sessions.revoke"
	PermAuditRead      = "audit.read"
)

// BuiltinPermissions is the provisioned permission catalog.
var BuiltinPermissions = []Permission{
	{Name: PermUsersRead, DisplayName: "Read users", Description: "List and inspect user accounts"},
	{Name: PermUsersManage, DisplayName: "Manage users", Description: "Create, update, and disable user accounts"},
	{Name: PermRolesManage, DisplayName: "Manage roles", Description: "Create, update, and delete roles"},
	{Name: PermSessionsRevoke, DisplayName: "Revoke sessions", Description: "Revoke other users' sessions"},
	{Name: PermAuditRead, DisplayName: "Read audit log", Description: "Inspect security audit events"},
}

// SystemRoleAdmin is provisioned at startup with the full builtin catalog.
// Its permission set is fixed; UpdateRole and DeleteRole reject it.
const SystemRoleAdmin = "admin"
