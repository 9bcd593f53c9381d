package mirror

// AnonymousUser is the sentinel username for callers with no session.
const AnonymousUser = "Nobody"

// Permission levels. Lower is more privileged; anonymous callers carry
// no level at all and are represented by the sentinel username.
const (
	PermAdmin    = 0
	PermStandard = 1
)

// Identity is the per-request caller identity, derived from a token or
// cookie and discarded after the request.
type Identity struct {
	Username string
	Perms    int
}

// Anonymous returns the no-session identity.
func Anonymous() Identity {
	return Identity{Username: AnonymousUser, Perms: PermStandard}
}

// IsAnonymous reports whether the caller has no session.
func (i Identity) IsAnonymous() bool {
	return i.Username == "" || i.Username == AnonymousUser
}

// IsAdmin reports whether the caller holds the administrator level.
func (i Identity) IsAdmin() bool {
	return !i.IsAnonymous() && i.Perms == PermAdmin
}
