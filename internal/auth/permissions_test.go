package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveOrder(t *testing.T) {
	cases := []struct {
		name  string
		role  Role
		perms []string
		want  Decision
	}{
		{"floor allows", RoleSupervisor, nil, Decision{Allowed: true, Rule: RuleRoleFloor, Floor: RoleSupervisor}},
		{"floor denies", RoleOperator, nil, Decision{Allowed: false, Rule: RuleRoleFloor, Floor: RoleSupervisor}},
		{"explicit allow beats floor", RoleOperator, []string{string(ActionTemplateMapping)}, Decision{Allowed: true, Rule: RuleExplicitAllow}},
		{"deny beats floor", RoleAdmin, []string{Deny(ActionTemplateMapping)}, Decision{Allowed: false, Rule: RuleExplicitDeny}},
		{"deny beats allow", RoleOperator, []string{string(ActionTemplateMapping), Deny(ActionTemplateMapping)}, Decision{Allowed: false, Rule: RuleExplicitDeny}},
		{"unrelated deny ignored", RoleSupervisor, []string{Deny(ActionManageUsers)}, Decision{Allowed: true, Rule: RuleRoleFloor, Floor: RoleSupervisor}},
	}
	for _, tc := range cases {
		got := Resolve(tc.role, tc.perms, ActionTemplateMapping)
		if got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

// expectedDecision restates the resolver rules from fixed tables so the
// exhaustive check does not share code with Resolve.
func expectedDecision(role Role, perms []string, action Action) Decision {
	floors := map[Action]Role{
		ActionWIPEntry:        RoleOperator,
		ActionTemplateMapping: RoleSupervisor,
		ActionBundleCreation:  RoleSupervisor,
		ActionMonitoringWrite: RoleSupervisor,
		ActionMonitoringRead:  RoleOperator,
		ActionManageUsers:     RoleAdmin,
	}
	rank := map[Role]int{RoleOperator: 1, RoleSupervisor: 2, RoleManagement: 3, RoleAdmin: 4}
	allowed, denied := false, false
	for _, p := range perms {
		if p == "deny:"+string(action) {
			denied = true
		}
		if p == string(action) {
			allowed = true
		}
	}
	switch {
	case denied:
		return Decision{Allowed: false, Rule: RuleExplicitDeny}
	case allowed:
		return Decision{Allowed: true, Rule: RuleExplicitAllow}
	}
	floor := floors[action]
	return Decision{Allowed: rank[role] >= rank[floor], Rule: RuleRoleFloor, Floor: floor}
}

func TestResolveExhaustive(t *testing.T) {
	if len(BuiltinActions) != 6 || len(Roles) != 4 {
		t.Fatalf("action or role set changed; update expectedDecision")
	}
	for _, action := range BuiltinActions {
		other := ActionManageUsers
		if action == ActionManageUsers {
			other = ActionWIPEntry
		}
		sets := map[string][]string{
			"none":              nil,
			"allow":             {string(action)},
			"deny":              {Deny(action)},
			"allow+deny":        {string(action), Deny(action)},
			"deny+allow":        {Deny(action), string(action)},
			"unrelated allow":   {string(other)},
			"unrelated deny":    {Deny(other)},
			"allow+other deny":  {string(action), Deny(other)},
			"deny+other allow":  {Deny(action), string(other)},
			"padded allow":      {"  " + string(action) + " "},
			"all allows":        actionStrings(BuiltinActions, ""),
			"all denies":        actionStrings(BuiltinActions, DenyPrefix),
			"all allows+denies": append(actionStrings(BuiltinActions, ""), actionStrings(BuiltinActions, DenyPrefix)...),
		}
		for _, role := range Roles {
			for name, perms := range sets {
				want := expectedDecision(role, trimmed(perms), action)
				if got := Resolve(role, perms, action); got != want {
					t.Fatalf("Resolve(%s, %s, %s) = %+v, want %+v", role, name, action, got, want)
				}
			}
		}
	}
}

func actionStrings(actions []Action, prefix string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, prefix+string(a))
	}
	return out
}

func trimmed(perms []string) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func TestResolveUnknownAction(t *testing.T) {
	d := Resolve(RoleAdmin, nil, Action("workflow:teleport"))
	if d.Allowed || d.Rule != RuleUnknownAction {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestRoleOrdering(t *testing.T) {
	order := []Role{RoleOperator, RoleSupervisor, RoleManagement, RoleAdmin}
	for i, r := range order {
		for j, floor := range order {
			if got := r.AtLeast(floor); got != (i >= j) {
				t.Fatalf("%s.AtLeast(%s) = %v", r, floor, got)
			}
		}
	}
	if Role("guest").AtLeast(RoleOperator) {
		t.Fatal("unknown role must never satisfy a floor")
	}
	if _, err := ParseRole("Supervisor"); err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if _, err := ParseRole("guest"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNormalizePermissions(t *testing.T) {
	got, err := NormalizePermissions([]string{" Workflow:Bundle_Creation ", "", "deny:users:manage", "workflow:bundle_creation"})
	if err != nil {
		t.Fatalf("NormalizePermissions: %v", err)
	}
	want := []string{"deny:users:manage", "workflow:bundle_creation"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := NormalizePermissions([]string{"workflow:teleport"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRequireNamesRule(t *testing.T) {
	u := User{Username: "amina", Role: RoleOperator, Permissions: []string{Deny(ActionWIPEntry)}}
	if err := u.Require(ActionWIPEntry); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := u.Require(ActionMonitoringRead); err != nil {
		t.Fatalf("monitoring read should pass the floor: %v", err)
	}
	if err := u.Require(ActionBundleCreation); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFamilyWatermark(t *testing.T) {
	f := TokenFamily{Generation: 4, RevokedBefore: 2}
	if !f.Revoked(2) || f.Revoked(3) {
		t.Fatal("watermark must cover generations at or below RevokedBefore")
	}
	if !f.Current(4) || f.Current(3) {
		t.Fatal("only the head generation is current")
	}
	f.RevokedBefore = 4
	if f.Current(4) {
		t.Fatal("revoked head must not be current")
	}
}
