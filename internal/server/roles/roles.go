// Package roles is the single source of truth for authorization decisions.
// Roles form a total order: admin > editor > viewer.
package roles

import (
	"fmt"
	"strings"
)

type Role string

const (
	Viewer Role = "viewer"
	Editor Role = "editor"
	Admin  Role = "admin"
)

var ranks = map[Role]int{
	Viewer: 1,
	Editor: 2,
	Admin:  3,
}

// Rank returns the position of r in the hierarchy; 0 for unknown roles.
func Rank(r Role) int {
	return ranks[r]
}

// Satisfies reports whether actual meets the required floor. Unknown roles
// never satisfy anything and an unknown floor is never satisfied.
func Satisfies(actual, required Role) bool {
	need := Rank(required)
	return need > 0 && Rank(actual) >= need
}

func (r Role) Valid() bool {
	return Rank(r) > 0
}

func (r Role) String() string {
	return string(r)
}

// All returns the known roles from lowest to highest.
func All() []Role {
	return []Role{Viewer, Editor, Admin}
}

// Parse accepts a role name case-insensitively.
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
