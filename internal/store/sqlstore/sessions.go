package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shopfloor.dev/internal/auth"
)

type sessionStore struct{ c conn }

func (r sessionStore) CreateFamily(ctx context.Context, family auth.TokenFamily, first auth.RefreshToken) error {
	return r.c.atomic(ctx, func(c conn) error {
		_, err := c.exec(ctx, `
			insert into token_families (id, user_id, generation, revoked_before, remember_me, created_at, updated_at)
			values (?, ?, ?, ?, ?, ?, ?)
		`, family.ID, family.UserID, family.Generation, family.RevokedBefore, family.RememberMe,
			nanos(family.CreatedAt), nanos(family.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: family %s", auth.ErrAlreadyExists, family.ID)
		}
		if err != nil {
			return err
		}
		return insertToken(ctx, c, first)
	})
}

func insertToken(ctx context.Context, c conn, t auth.RefreshToken) error {
	_, err := c.exec(ctx, `
		insert into refresh_tokens (id, family_id, user_id, generation, token_hash, expires_at, created_at)
		values (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.FamilyID, t.UserID, t.Generation, t.TokenHash, nanos(t.ExpiresAt), nanos(t.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: refresh token %s", auth.ErrAlreadyExists, t.ID)
	}
	return err
}

func (r sessionStore) FindFamily(ctx context.Context, id string) (auth.TokenFamily, error) {
	var (
		f                auth.TokenFamily
		created, updated int64
	)
	err := r.c.queryRow(ctx, `
		select id, user_id, generation, revoked_before, remember_me, created_at, updated_at
		from token_families where id = ?
	`, id).Scan(&f.ID, &f.UserID, &f.Generation, &f.RevokedBefore, &f.RememberMe, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TokenFamily{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.TokenFamily{}, err
	}
	f.CreatedAt, f.UpdatedAt = fromNanos(created), fromNanos(updated)
	return f, nil
}

func (r sessionStore) FindToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	var (
		t                auth.RefreshToken
		expires, created int64
	)
	err := r.c.queryRow(ctx, `
		select id, family_id, user_id, generation, token_hash, expires_at, created_at
		from refresh_tokens where id = ?
	`, id).Scan(&t.ID, &t.FamilyID, &t.UserID, &t.Generation, &t.TokenHash, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.ExpiresAt, t.CreatedAt = fromNanos(expires), fromNanos(created)
	return t, nil
}

func (r sessionStore) Rotate(ctx context.Context, familyID string, from int64, next auth.RefreshToken) error {
	return r.c.atomic(ctx, func(c conn) error {
		ok, err := c.affected(ctx, `
			update token_families set generation = ?, updated_at = ?
			where id = ? and generation = ? and revoked_before < ?
		`, next.Generation, nanos(next.CreatedAt), familyID, from, from)
		if err != nil {
			return err
		}
		if !ok {
			found, err := c.exists(ctx, "token_families", familyID)
			if err != nil {
				return err
			}
			if !found {
				return auth.ErrNotFound
			}
			return auth.ErrStaleGeneration
		}
		return insertToken(ctx, c, next)
	})
}

func (r sessionStore) RevokeFamily(ctx context.Context, familyID string) error {
	ok, err := r.c.affected(ctx, `update token_families set revoked_before = generation where id = ?`, familyID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (r sessionStore) RevokeUser(ctx context.Context, userID string) error {
	_, err := r.c.exec(ctx, `
		update token_families set revoked_before = generation
		where user_id = ? and revoked_before < generation
	`, userID)
	return err
}
