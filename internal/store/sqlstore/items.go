package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"shopfloor.dev/internal/workflow"
)

const itemColumns = `id, work_order_ref, product_type, stage, template_ref, bundle_id,
	flag_reason, version, created_by, created_at, updated_at`

type itemRepo struct{ c conn }

func (r itemRepo) Insert(ctx context.Context, item workflow.WorkItem) error {
	return r.c.atomic(ctx, func(c conn) error {
		_, err := c.exec(ctx, `
			insert into work_items (`+itemColumns+`)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, item.WorkOrderRef, item.ProductType, string(item.Stage), item.TemplateRef,
			nullIfEmpty(item.BundleID), item.FlagReason, item.Version, item.CreatedBy,
			nanos(item.CreatedAt), nanos(item.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: work order %s already entered", workflow.ErrConcurrentModification, item.WorkOrderRef)
		}
		if err != nil {
			return err
		}
		for seq, h := range item.History {
			if err := insertStage(ctx, c, item.ID, seq, h); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStage(ctx context.Context, c conn, itemID string, seq int, h workflow.StageEntry) error {
	_, err := c.exec(ctx, `
		insert into work_item_stages (work_item_id, seq, stage, entered_at, actor_id, note)
		values (?, ?, ?, ?, ?, ?)
	`, itemID, seq, string(h.Stage), nanos(h.EnteredAt), h.ActorID, h.Note)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: history entry %d of %s already written", workflow.ErrConcurrentModification, seq, itemID)
	}
	return err
}

// load returns the items matching where, each with its full history.
func (r itemRepo) load(ctx context.Context, where string, args ...any) ([]workflow.WorkItem, error) {
	rows, err := r.c.query(ctx, `select `+itemColumns+` from work_items where `+where+` order by id`, args...)
	if err != nil {
		return nil, err
	}
	var (
		items []workflow.WorkItem
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			w                workflow.WorkItem
			stage            string
			bundleID         sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&w.ID, &w.WorkOrderRef, &w.ProductType, &stage, &w.TemplateRef, &bundleID,
			&w.FlagReason, &w.Version, &w.CreatedBy, &created, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		w.Stage = workflow.Stage(stage)
		w.BundleID = bundleID.String
		w.CreatedAt, w.UpdatedAt = fromNanos(created), fromNanos(updated)
		index[w.ID] = len(items)
		items = append(items, w)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	hrows, err := r.c.query(ctx, `
		select work_item_id, stage, entered_at, actor_id, note
		from work_item_stages
		where work_item_id in (select id from work_items where `+where+`)
		order by work_item_id, seq
	`, args...)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			itemID, stage string
			entered       int64
			h             workflow.StageEntry
		)
		if err := hrows.Scan(&itemID, &stage, &entered, &h.ActorID, &h.Note); err != nil {
			return nil, err
		}
		i, ok := index[itemID]
		if !ok {
			continue
		}
		h.Stage = workflow.Stage(stage)
		h.EnteredAt = fromNanos(entered)
		items[i].History = append(items[i].History, h)
	}
	return items, hrows.Err()
}

func (r itemRepo) one(ctx context.Context, what, where string, args ...any) (workflow.WorkItem, error) {
	items, err := r.load(ctx, where, args...)
	if err != nil {
		return workflow.WorkItem{}, err
	}
	if len(items) == 0 {
		return workflow.WorkItem{}, fmt.Errorf("%w: %s", workflow.ErrNotFound, what)
	}
	return items[0], nil
}

func (r itemRepo) Get(ctx context.Context, id string) (workflow.WorkItem, error) {
	return r.one(ctx, id, "id = ?", id)
}

func (r itemRepo) GetByWorkOrder(ctx context.Context, ref string) (workflow.WorkItem, error) {
	return r.one(ctx, "work order "+ref, "work_order_ref = ?", ref)
}

func (r itemRepo) ListByStage(ctx context.Context, stage workflow.Stage) ([]workflow.WorkItem, error) {
	return r.load(ctx, "stage = ?", string(stage))
}

func (r itemRepo) ListByBundle(ctx context.Context, bundleID string) ([]workflow.WorkItem, error) {
	return r.load(ctx, "bundle_id = ?", bundleID)
}

func (r itemRepo) Save(ctx context.Context, item workflow.WorkItem, expectedVersion int64) error {
	return r.c.atomic(ctx, func(c conn) error {
		ok, err := c.affected(ctx, `
			update work_items
			set stage = ?, template_ref = ?, bundle_id = ?, flag_reason = ?, version = ?, updated_at = ?
			where id = ? and version = ?
		`, string(item.Stage), item.TemplateRef, nullIfEmpty(item.BundleID), item.FlagReason,
			item.Version, nanos(item.UpdatedAt), item.ID, expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			found, err := c.exists(ctx, "work_items", item.ID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", workflow.ErrNotFound, item.ID)
			}
			return fmt.Errorf("%w: %s changed since version %d", workflow.ErrConcurrentModification, item.ID, expectedVersion)
		}
		if last, ok := item.LastEntry(); ok {
			return insertStage(ctx, c, item.ID, len(item.History)-1, last)
		}
		return nil
	})
}
