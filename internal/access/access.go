// Package access decides whether a role may perform an action. The permission
// vocabulary is a closed set resolved when the role mapping is loaded, so a
// misspelled permission fails at startup instead of silently never matching.
package access

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionAll authorizes every action for roles that hold it.
const PermissionAll = "ALL"

// Permission tokens recognised by the evaluator.
const (
	PermissionRead   = "READ"
	PermissionWrite  = "WRITE"
	PermissionDelete = "DELETE"
	PermissionAdmin  = "ADMIN"
)

var knownPermissions = map[string]struct{}{
	PermissionAll:    {},
	PermissionRead:   {},
	PermissionWrite:  {},
	PermissionDelete: {},
	PermissionAdmin:  {},
}

// Evaluator maps roles to permission sets. It is immutable after
// construction and safe for concurrent use.
type Evaluator struct {
	roles map[string]map[string]struct{}
}

// DefaultRoles is the built-in role mapping used when configuration supplies
// none.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"admin": {PermissionAll},
		"user":  {PermissionRead, PermissionWrite},
		"guest": {PermissionRead},
	}
}

// NewEvaluator validates and indexes a role→permissions mapping. Unknown
// permission tokens are configuration errors.
func NewEvaluator(roles map[string][]string) (*Evaluator, error) {
	indexed := make(map[string]map[string]struct{}, len(roles))
	for role, perms := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			return nil, fmt.Errorf("access: empty role name")
		}
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			perm = strings.TrimSpace(strings.ToUpper(perm))
			if _, ok := knownPermissions[perm]; !ok {
				return nil, fmt.Errorf("access: role %q grants unknown permission %q", role, perm)
			}
			set[perm] = struct{}{}
		}
		indexed[role] = set
	}
	return &Evaluator{roles: indexed}, nil
}

// Permitted reports whether role may perform action. Unknown roles have no
// permissions: the check fails closed rather than erroring.
func (e *Evaluator) Permitted(role, action string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	action = strings.TrimSpace(strings.ToUpper(action))
	if role == "" || action == "" {
		return false
	}
	perms, ok := e.roles[role]
	if !ok {
		return false
	}
	if _, ok := perms[PermissionAll]; ok {
		return true
	}
	_, ok = perms[action]
	return ok
}

// Roles lists the configured role names, sorted, for diagnostics.
func (e *Evaluator) Roles() []string {
	out := make([]string, 0, len(e.roles))
	for role := range e.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
