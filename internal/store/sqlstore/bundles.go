package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shopfloor.dev/internal/bundle"
)

type bundleRepo struct{ c conn }

func (r bundleRepo) Get(ctx context.Context, id string) (bundle.Bundle, error) {
	var (
		b                            bundle.Bundle
		status                       string
		start, end, created, updated int64
	)
	err := r.c.queryRow(ctx, `
		select id, template_ref, window_start, window_end, status, created_at, updated_at
		from bundles where id = ?
	`, id).Scan(&b.ID, &b.TemplateRef, &start, &end, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return bundle.Bundle{}, fmt.Errorf("%w: %s", bundle.ErrNotFound, id)
	}
	if err != nil {
		return bundle.Bundle{}, err
	}
	b.Status = bundle.Status(status)
	b.WindowStart, b.WindowEnd = fromNanos(start), fromNanos(end)
	b.CreatedAt, b.UpdatedAt = fromNanos(created), fromNanos(updated)

	rows, err := r.c.query(ctx, `select work_item_id from bundle_members where bundle_id = ? order by ordinal`, id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			return bundle.Bundle{}, err
		}
		b.WorkItems = append(b.WorkItems, itemID)
	}
	return b, rows.Err()
}

func (r bundleRepo) FindOpen(ctx context.Context, templateRef string, windowStart time.Time) (bundle.Bundle, error) {
	var id string
	err := r.c.queryRow(ctx, `
		select id from bundles
		where template_ref = ? and window_start = ? and status <> 'completed'
	`, templateRef, nanos(windowStart)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return bundle.Bundle{}, bundle.ErrNotFound
	}
	if err != nil {
		return bundle.Bundle{}, err
	}
	return r.Get(ctx, id)
}

func (r bundleRepo) Insert(ctx context.Context, b bundle.Bundle) error {
	return r.c.atomic(ctx, func(c conn) error {
		_, err := c.exec(ctx, `
			insert into bundles (id, template_ref, window_start, window_end, status, created_at, updated_at)
			values (?, ?, ?, ?, ?, ?, ?)
		`, b.ID, b.TemplateRef, nanos(b.WindowStart), nanos(b.WindowEnd), string(b.Status),
			nanos(b.CreatedAt), nanos(b.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open bundle for %s already exists", bundle.ErrConflict, b.TemplateRef)
		}
		if err != nil {
			return err
		}
		for i, itemID := range b.WorkItems {
			if err := insertMember(ctx, c, b.ID, itemID, i, b.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertMember(ctx context.Context, c conn, bundleID, itemID string, ordinal int, at time.Time) error {
	_, err := c.exec(ctx, `
		insert into bundle_members (bundle_id, work_item_id, ordinal, added_at)
		values (?, ?, ?, ?)
	`, bundleID, itemID, ordinal, nanos(at))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already belongs to a bundle", bundle.ErrConflict, itemID)
	}
	return err
}

func (r bundleRepo) AddItem(ctx context.Context, bundleID, itemID string, at time.Time) error {
	return r.c.atomic(ctx, func(c conn) error {
		var owner string
		err := c.queryRow(ctx, `select bundle_id from bundle_members where work_item_id = ?`, itemID).Scan(&owner)
		switch {
		case err == nil && owner == bundleID:
			return nil
		case err == nil:
			return fmt.Errorf("%w: %s already belongs to %s", bundle.ErrConflict, itemID, owner)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		ok, err := c.affected(ctx, `update bundles set updated_at = ? where id = ?`, nanos(at), bundleID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", bundle.ErrNotFound, bundleID)
		}
		var next int
		if err := c.queryRow(ctx, `select coalesce(max(ordinal) + 1, 0) from bundle_members where bundle_id = ?`, bundleID).Scan(&next); err != nil {
			return err
		}
		return insertMember(ctx, c, bundleID, itemID, next, at)
	})
}

func (r bundleRepo) SetStatus(ctx context.Context, id string, from, to bundle.Status, at time.Time) error {
	ok, err := r.c.affected(ctx, `
		update bundles set status = ?, updated_at = ?
		where id = ? and status = ?
	`, string(to), nanos(at), id, string(from))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: another open bundle shares the key of %s", bundle.ErrConflict, id)
	}
	if err != nil {
		return err
	}
	if !ok {
		found, err := r.c.exists(ctx, "bundles", id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", bundle.ErrNotFound, id)
		}
		return fmt.Errorf("%w: %s is no longer %s", bundle.ErrConflict, id, from)
	}
	return nil
}
