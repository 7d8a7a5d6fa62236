package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Action identifies an operation guarded by the resolver.
type Action string

const (
	ActionWIPEntry        Action = "workflow:wip_entry"
	ActionTemplateMapping Action = "workflow:template_mapping"
	ActionBundleCreation  Action = "workflow:bundle_creation"
	ActionMonitoringWrite Action = "workflow:monitoring_write"
	ActionMonitoringRead  Action = "workflow:monitoring_read"
	ActionManageUsers     Action = "users:manage"
)

// DenyPrefix marks a permission string as an explicit deny of the action that follows.
const DenyPrefix = "deny:"

// BuiltinActions enumerates every action known to the resolver.
var BuiltinActions = []Action{
	ActionWIPEntry,
	ActionTemplateMapping,
	ActionBundleCreation,
	ActionMonitoringWrite,
	ActionMonitoringRead,
	ActionManageUsers,
}

var roleFloors = map[Action]Role{
	ActionWIPEntry:        RoleOperator,
	ActionTemplateMapping: RoleSupervisor,
	ActionBundleCreation:  RoleSupervisor,
	ActionMonitoringWrite: RoleSupervisor,
	ActionMonitoringRead:  RoleOperator,
	ActionManageUsers:     RoleAdmin,
}

// Floor returns the minimum role that may perform action without an explicit grant.
func Floor(action Action) (Role, bool) {
	r, ok := roleFloors[action]
	return r, ok
}

// Deny returns the permission string that explicitly denies action.
func Deny(action Action) string {
	return DenyPrefix + string(action)
}

// Rule names the resolver step that produced a decision.
type Rule string

const (
	RuleExplicitDeny  Rule = "explicit_deny"
	RuleExplicitAllow Rule = "explicit_allow"
	RuleRoleFloor     Rule = "role_floor"
	RuleUnknownAction Rule = "unknown_action"
)

// Decision is the outcome of Resolve.
type Decision struct {
	Allowed bool
	Rule    Rule
	Floor   Role
}

// Resolve decides whether a user with role and permissions may perform action.
// Explicit deny wins over explicit allow, which wins over the role floor.
func Resolve(role Role, permissions []string, action Action) Decision {
	deny := Deny(action)
	granted := false
	for _, p := range permissions {
		switch strings.TrimSpace(p) {
		case deny:
			return Decision{Allowed: false, Rule: RuleExplicitDeny}
		case string(action):
			granted = true
		}
	}
	if granted {
		return Decision{Allowed: true, Rule: RuleExplicitAllow}
	}
	floor, ok := roleFloors[action]
	if !ok {
		return Decision{Allowed: false, Rule: RuleUnknownAction}
	}
	return Decision{Allowed: role.AtLeast(floor), Rule: RuleRoleFloor, Floor: floor}
}

// NormalizePermissions trims, validates, dedupes and sorts permission strings.
func NormalizePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := roleFloors[Action(strings.TrimPrefix(p, DenyPrefix))]; !ok {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
