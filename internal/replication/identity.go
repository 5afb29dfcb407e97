package replication

import "strings"

// IdentityMatcher recognizes the principal that replication writes as, so
// replayed mutations are not journaled again.
type IdentityMatcher interface {
	Matches(principal string) bool
}

// PrincipalSet matches an exact set of service principals.
type PrincipalSet map[string]struct{}

// NewPrincipalSet builds a set from principals, ignoring empty values.
func NewPrincipalSet(principals ...string) PrincipalSet {
	s := make(PrincipalSet, len(principals))
	for _, p := range principals {
		if p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

// Matches implements IdentityMatcher.
func (s PrincipalSet) Matches(principal string) bool {
	_, ok := s[principal]
	return ok
}

// PrincipalContains matches any principal containing the marker, for
// deployments whose replication role names embed a fixed tag.
type PrincipalContains string

// Matches implements IdentityMatcher.
func (c PrincipalContains) Matches(principal string) bool {
	return c != "" && strings.Contains(principal, string(c))
}

// AnyIdentity matches when any of its matchers does.
type AnyIdentity []IdentityMatcher

// Matches implements IdentityMatcher.
func (a AnyIdentity) Matches(principal string) bool {
	for _, m := range a {
		if m.Matches(principal) {
			return true
		}
	}
	return false
}
