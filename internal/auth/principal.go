package auth

// Principal is a user snapshot with its permission union preloaded, so
// permission checks are pure lookups with no storage round-trips.
type Principal struct {
	User        User
	Permissions map[string]struct{}
}

// NewPrincipal builds a principal from an already-resolved permission list.
func NewPrincipal(user User, perms []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{User: user, Permissions: set}
}

// HasPermission reports whether the principal may perform the action
// identified by key. Superusers short-circuit to true.
func (p Principal) HasPermission(key string) bool {
	if p.User.Superuser {
		return true
	}
	_, ok := p.Permissions[key]
	return ok
}
