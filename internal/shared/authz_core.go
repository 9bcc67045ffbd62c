package shared

// Core platform permissions.
const (
	PermUsersView          = "users.view"
	PermUsersEdit          = "users.edit"
	PermUsersPasswordReset = "users.password.reset"

	PermRolesView   = "roles.view"
	PermRolesEdit   = "roles.edit"
	PermRolesDelete = "roles.delete"
	PermRolesAssign = "roles.permissions.assign"

	PermPermissionsView = "permissions.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermUsersPasswordReset,
		PermRolesView,
		PermRolesEdit,
		PermRolesDelete,
		PermRolesAssign,
		PermPermissionsView,
	}
}
