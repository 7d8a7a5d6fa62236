package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of shop-floor roles, ordered by privilege.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleManagement Role = "management"
	RoleAdmin      Role = "admin"
)

// Roles lists every role from least to most privileged.
var Roles = []Role{RoleOperator, RoleSupervisor, RoleManagement, RoleAdmin}

// ParseRole converts user input into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Rank returns the position of the role in the privilege order, or 0 when unknown.
func (r Role) Rank() int {
	for i, candidate := range Roles {
		if candidate == r {
			return i + 1
		}
	}
	return 0
}

func (r Role) Valid() bool { return r.Rank() > 0 }

// AtLeast reports whether r is the floor role or above.
func (r Role) AtLeast(floor Role) bool {
	return r.Valid() && r.Rank() >= floor.Rank()
}

// User is the identity record resolved from credentials or access tokens.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	Role         Role       `json:"role"`
	Email        string     `json:"email,omitempty"`
	Permissions  []string   `json:"permissions"`
	Department   string     `json:"department,omitempty"`
	MachineType  string     `json:"machine_type,omitempty"`
	Skills       []string   `json:"skills,omitempty"`
	Active       bool       `json:"active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PasswordHash string     `json:"-"`
}

// NewUser carries provisioning input. Role cannot be changed afterwards.
type NewUser struct {
	Username    string
	DisplayName string
	Password    string
	Role        Role
	Email       string
	Permissions []string
	Department  string
	MachineType string
	Skills      []string
}

// Credentials is a single login attempt.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenFamily is the lineage of pairs produced by successive refreshes of one
// login. Generation is the latest issued pair; every pair with a generation at
// or below RevokedBefore is dead.
type TokenFamily struct {
	ID            string
	UserID        string
	Generation    int64
	RevokedBefore int64
	RememberMe    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Revoked reports whether a pair of the given generation has been revoked.
func (f TokenFamily) Revoked(generation int64) bool {
	return generation <= f.RevokedBefore
}

// Current reports whether generation is the live head of the family.
func (f TokenFamily) Current(generation int64) bool {
	return generation == f.Generation && !f.Revoked(generation)
}

// RefreshToken is the stored form of a refresh token; only the secret hash is kept.
type RefreshToken struct {
	ID         string
	FamilyID   string
	UserID     string
	Generation int64
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
