package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopfloor.dev/internal/auth"
)

const userColumns = `id, username, display_name, role, email, permissions, department,
	machine_type, skills, active, password_hash, last_login_at, created_at`

type userStore struct{ c conn }

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (auth.User, error) {
	var (
		u           auth.User
		role        string
		perms       string
		skills      string
		lastLogin   sql.NullInt64
		createdAtNs int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &role, &u.Email, &perms, &u.Department,
		&u.MachineType, &skills, &u.Active, &u.PasswordHash, &lastLogin, &createdAtNs); err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	if err := json.Unmarshal([]byte(perms), &u.Permissions); err != nil {
		return auth.User{}, fmt.Errorf("decode permissions of %s: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(skills), &u.Skills); err != nil {
		return auth.User{}, fmt.Errorf("decode skills of %s: %w", u.ID, err)
	}
	if lastLogin.Valid {
		t := fromNanos(lastLogin.Int64)
		u.LastLoginAt = &t
	}
	u.CreatedAt = fromNanos(createdAtNs)
	return u, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	return string(b), err
}

func (r userStore) Create(ctx context.Context, u auth.User) error {
	perms, err := encodeList(u.Permissions)
	if err != nil {
		return err
	}
	skills, err := encodeList(u.Skills)
	if err != nil {
		return err
	}
	var lastLogin sql.NullInt64
	if u.LastLoginAt != nil {
		lastLogin = sql.NullInt64{Int64: nanos(*u.LastLoginAt), Valid: true}
	}
	_, err = r.c.exec(ctx, `
		insert into users (`+userColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.DisplayName, string(u.Role), u.Email, perms, u.Department,
		u.MachineType, skills, u.Active, u.PasswordHash, lastLogin, nanos(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", auth.ErrAlreadyExists, u.Username)
	}
	return err
}

func (r userStore) findBy(ctx context.Context, column, value string) (auth.User, error) {
	u, err := scanUser(r.c.queryRow(ctx, `select `+userColumns+` from users where `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (r userStore) Find(ctx context.Context, id string) (auth.User, error) {
	return r.findBy(ctx, "id", id)
}

func (r userStore) FindByUsername(ctx context.Context, username string) (auth.User, error) {
	return r.findBy(ctx, "username", username)
}

func (r userStore) List(ctx context.Context) ([]auth.User, error) {
	rows, err := r.c.query(ctx, `select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r userStore) update(ctx context.Context, query string, args ...any) error {
	ok, err := r.c.affected(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (r userStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `update users set last_login_at = ? where id = ?`, nanos(at), id)
}

func (r userStore) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, `update users set active = ? where id = ?`, active, id)
}

func (r userStore) SetPermissions(ctx context.Context, id string, permissions []string) error {
	perms, err := encodeList(permissions)
	if err != nil {
		return err
	}
	return r.update(ctx, `update users set permissions = ? where id = ?`, perms, id)
}
