package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleService is held by upstream systems that publish verification events.
	RoleService = "service"
	// RoleOperator may read monitor views, optionally scoped to one store.
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
