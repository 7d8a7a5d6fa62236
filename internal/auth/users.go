package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"shopfloor.dev/internal/ids"
)

// Provision creates a user on behalf of the provisioning collaborator.
func (s *Service) Provision(ctx context.Context, in NewUser) (User, error) {
	username := NormalizeUsername(in.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if strings.ContainsAny(username, " \t\n") {
		return User{}, fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if len(in.Password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	email := strings.TrimSpace(in.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return User{}, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
	}
	perms, err := NormalizePermissions(in.Permissions)
	if err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = username
	}
	user := User{
		ID:           ids.New(ids.User),
		Username:     username,
		DisplayName:  display,
		Role:         in.Role,
		Email:        email,
		Permissions:  perms,
		Department:   strings.TrimSpace(in.Department),
		MachineType:  strings.TrimSpace(in.MachineType),
		Skills:       trimAll(in.Skills),
		Active:       true,
		CreatedAt:    s.now().UTC(),
		PasswordHash: hash,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// User returns a user by id.
func (s *Service) User(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.Users().Find(ctx, id)
}

// UserByUsername returns a user by username.
func (s *Service) UserByUsername(ctx context.Context, username string) (User, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	return s.store.Users().FindByUsername(ctx, username)
}

// Users lists all users, active or not.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	return s.store.Users().List(ctx)
}

// SetActive toggles a user's active flag. Deactivation revokes every session
// the user holds.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (User, error) {
	if _, err := s.User(ctx, id); err != nil {
		return User{}, err
	}
	if err := s.store.Users().SetActive(ctx, id, active); err != nil {
		return User{}, err
	}
	if !active {
		if err := s.store.Sessions().RevokeUser(ctx, id); err != nil {
			return User{}, err
		}
	}
	return s.store.Users().Find(ctx, id)
}

// SetPermissions replaces the explicit permission set of a user.
func (s *Service) SetPermissions(ctx context.Context, id string, permissions []string) (User, error) {
	perms, err := NormalizePermissions(permissions)
	if err != nil {
		return User{}, err
	}
	if _, err := s.User(ctx, id); err != nil {
		return User{}, err
	}
	if err := s.store.Users().SetPermissions(ctx, id, perms); err != nil {
		return User{}, err
	}
	return s.store.Users().Find(ctx, id)
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
