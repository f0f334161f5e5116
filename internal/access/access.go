// Package access decides which identities may write to a log.
package access

// Controller is consulted before an entry enters a log, for local appends
// and for entries joined from other replicas.
type Controller interface {
	CanWrite(identity string) bool
}

// Wildcard in an Allowlist admits every identity.
const Wildcard = "*"

type allowAll struct{}

func (allowAll) CanWrite(string) bool { return true }

// AllowAll is the open-database policy.
func AllowAll() Controller {
	return allowAll{}
}

// Allowlist admits a fixed set of identities.
type Allowlist struct {
	writers map[string]struct{}
}

func NewAllowlist(identities ...string) *Allowlist {
	a := &Allowlist{writers: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		a.writers[id] = struct{}{}
	}
	return a
}

func (a *Allowlist) CanWrite(identity string) bool {
	if _, ok := a.writers[Wildcard]; ok {
		return true
	}
	_, ok := a.writers[identity]
	return ok
}

// FromConfig returns AllowAll for an empty list and an Allowlist otherwise.
func FromConfig(writers []string) Controller {
	if len(writers) == 0 {
		return AllowAll()
	}
	return NewAllowlist(writers...)
}
