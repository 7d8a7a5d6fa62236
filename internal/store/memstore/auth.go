package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"shopfloor.dev/internal/auth"
)

type userStore struct{ g guard }

func cloneUser(u auth.User) auth.User {
	u.Permissions = slices.Clone(u.Permissions)
	u.Skills = slices.Clone(u.Skills)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}

func (r userStore) Create(_ context.Context, u auth.User) error {
	return r.g.write(func(st *state) error {
		if _, ok := st.users[u.ID]; ok {
			return fmt.Errorf("%w: user %s", auth.ErrAlreadyExists, u.ID)
		}
		if _, ok := st.usernames[u.Username]; ok {
			return fmt.Errorf("%w: username %s", auth.ErrAlreadyExists, u.Username)
		}
		st.users[u.ID] = cloneUser(u)
		st.usernames[u.Username] = u.ID
		return nil
	})
}

func (r userStore) Find(_ context.Context, id string) (auth.User, error) {
	var out auth.User
	err := r.g.read(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

func (r userStore) FindByUsername(_ context.Context, username string) (auth.User, error) {
	var out auth.User
	err := r.g.read(func(st *state) error {
		id, ok := st.usernames[username]
		if !ok {
			return auth.ErrNotFound
		}
		out = cloneUser(st.users[id])
		return nil
	})
	return out, err
}

func (r userStore) List(_ context.Context) ([]auth.User, error) {
	var out []auth.User
	err := r.g.read(func(st *state) error {
		for _, u := range st.users {
			out = append(out, cloneUser(u))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

func (r userStore) update(id string, fn func(*auth.User)) error {
	return r.g.write(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		u = cloneUser(u)
		fn(&u)
		st.users[id] = u
		return nil
	})
}

func (r userStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *auth.User) { u.LastLoginAt = &at })
}

func (r userStore) SetActive(_ context.Context, id string, active bool) error {
	return r.update(id, func(u *auth.User) { u.Active = active })
}

func (r userStore) SetPermissions(_ context.Context, id string, permissions []string) error {
	return r.update(id, func(u *auth.User) { u.Permissions = slices.Clone(permissions) })
}

type sessionStore struct{ g guard }

func (r sessionStore) CreateFamily(_ context.Context, family auth.TokenFamily, first auth.RefreshToken) error {
	return r.g.write(func(st *state) error {
		if _, ok := st.families[family.ID]; ok {
			return fmt.Errorf("%w: family %s", auth.ErrAlreadyExists, family.ID)
		}
		st.families[family.ID] = family
		st.tokens[first.ID] = first
		return nil
	})
}

func (r sessionStore) FindFamily(_ context.Context, id string) (auth.TokenFamily, error) {
	var out auth.TokenFamily
	err := r.g.read(func(st *state) error {
		f, ok := st.families[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = f
		return nil
	})
	return out, err
}

func (r sessionStore) FindToken(_ context.Context, id string) (auth.RefreshToken, error) {
	var out auth.RefreshToken
	err := r.g.read(func(st *state) error {
		t, ok := st.tokens[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = t
		return nil
	})
	return out, err
}

func (r sessionStore) Rotate(_ context.Context, familyID string, from int64, next auth.RefreshToken) error {
	return r.g.write(func(st *state) error {
		f, ok := st.families[familyID]
		if !ok {
			return auth.ErrNotFound
		}
		if f.Generation != from || f.Revoked(from) {
			return auth.ErrStaleGeneration
		}
		f.Generation = next.Generation
		f.UpdatedAt = next.CreatedAt
		st.families[familyID] = f
		st.tokens[next.ID] = next
		return nil
	})
}

func (r sessionStore) RevokeFamily(_ context.Context, familyID string) error {
	return r.g.write(func(st *state) error {
		f, ok := st.families[familyID]
		if !ok {
			return auth.ErrNotFound
		}
		f.RevokedBefore = f.Generation
		st.families[familyID] = f
		return nil
	})
}

func (r sessionStore) RevokeUser(_ context.Context, userID string) error {
	return r.g.write(func(st *state) error {
		for id, f := range st.families {
			if f.UserID == userID && f.RevokedBefore < f.Generation {
				f.RevokedBefore = f.Generation
				st.families[id] = f
			}
		}
		return nil
	})
}
