package auth

// Capability keys gate individual API surfaces. Roles map to fixed
// capability sets; there is no per-user capability storage.
const (
	CapSessionsConnect = "sessions:connect"
	CapHostsRead       = "hosts:read"
	CapUsersRead       = "users:read"
	CapUsersWrite      = "users:write"
	CapAuditRead       = "audit:read"
)

var roleCapabilities = map[string][]string{
	"admin": {
		CapSessionsConnect,
		CapHostsRead,
		CapUsersRead,
		CapUsersWrite,
		CapAuditRead,
	},
	"operator": {
		CapSessionsConnect,
		CapHostsRead,
	},
	"auditor": {
		CapHostsRead,
		CapAuditRead,
	},
}

// CapabilitiesForRole returns the capability keys granted to a role.
// Unknown roles get no capabilities.
func CapabilitiesForRole(role string) []string {
	caps := roleCapabilities[role]
	out := make([]string, len(caps))
	copy(out, caps)
	return out
}

// RoleHas reports whether the role grants the given capability.
func RoleHas(role, capability string) bool {
	for _, c := range roleCapabilities[role] {
		if c == capability {
			return true
		}
	}
	return false
}

// ValidRole reports whether the role name is one of the defined roles.
func ValidRole(role string) bool {
	_, ok := roleCapabilities[role]
	return ok
}
