package auth

import "fmt"

// Can resolves action against the user's role and explicit permissions.
func (u User) Can(action Action) Decision {
	return Resolve(u.Role, u.Permissions, action)
}

// Require returns ErrUnauthorized, wrapped with the rule that denied it, when
// the user may not perform action.
func (u User) Require(action Action) error {
	d := u.Can(action)
	if d.Allowed {
		return nil
	}
	switch d.Rule {
	case RuleExplicitDeny:
		return fmt.Errorf("%w: %s is explicitly denied for %s", ErrUnauthorized, action, u.Username)
	case RuleRoleFloor:
		return fmt.Errorf("%w: %s requires role %s or permission %q, %s has role %s",
			ErrUnauthorized, action, d.Floor, action, u.Username, u.Role)
	default:
		return fmt.Errorf("%w: unknown action %s", ErrUnauthorized, action)
	}
}
