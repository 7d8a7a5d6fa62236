package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

type itemRepo struct{ g guard }

func (r itemRepo) Insert(_ context.Context, item workflow.WorkItem) error {
	return r.g.write(func(st *state) error {
		if _, ok := st.items[item.ID]; ok {
			return fmt.Errorf("%w: work item %s exists", workflow.ErrConcurrentModification, item.ID)
		}
		if _, ok := st.workOrders[item.WorkOrderRef]; ok {
			return fmt.Errorf("%w: work order %s already entered", workflow.ErrConcurrentModification, item.WorkOrderRef)
		}
		st.items[item.ID] = item.Clone()
		st.workOrders[item.WorkOrderRef] = item.ID
		return nil
	})
}

func (r itemRepo) Get(_ context.Context, id string) (workflow.WorkItem, error) {
	var out workflow.WorkItem
	err := r.g.read(func(st *state) error {
		item, ok := st.items[id]
		if !ok {
			return fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
		}
		out = item.Clone()
		return nil
	})
	return out, err
}

func (r itemRepo) GetByWorkOrder(ctx context.Context, ref string) (workflow.WorkItem, error) {
	var id string
	err := r.g.read(func(st *state) error {
		var ok bool
		if id, ok = st.workOrders[ref]; !ok {
			return fmt.Errorf("%w: work order %s", workflow.ErrNotFound, ref)
		}
		return nil
	})
	if err != nil {
		return workflow.WorkItem{}, err
	}
	return r.Get(ctx, id)
}

func (r itemRepo) list(match func(workflow.WorkItem) bool) []workflow.WorkItem {
	var out []workflow.WorkItem
	_ = r.g.read(func(st *state) error {
		for _, item := range st.items {
			if match(item) {
				out = append(out, item.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r itemRepo) ListByStage(_ context.Context, stage workflow.Stage) ([]workflow.WorkItem, error) {
	return r.list(func(w workflow.WorkItem) bool { return w.Stage == stage }), nil
}

func (r itemRepo) ListByBundle(_ context.Context, bundleID string) ([]workflow.WorkItem, error) {
	return r.list(func(w workflow.WorkItem) bool { return w.BundleID == bundleID }), nil
}

func (r itemRepo) Save(_ context.Context, item workflow.WorkItem, expectedVersion int64) error {
	return r.g.write(func(st *state) error {
		current, ok := st.items[item.ID]
		if !ok {
			return fmt.Errorf("%w: %s", workflow.ErrNotFound, item.ID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: %s is at version %d, expected %d",
				workflow.ErrConcurrentModification, item.ID, current.Version, expectedVersion)
		}
		st.items[item.ID] = item.Clone()
		return nil
	})
}

type bundleRepo struct{ g guard }

func cloneBundle(b bundle.Bundle) bundle.Bundle {
	b.WorkItems = slices.Clone(b.WorkItems)
	return b
}

func (r bundleRepo) Get(_ context.Context, id string) (bundle.Bundle, error) {
	var out bundle.Bundle
	err := r.g.read(func(st *state) error {
		b, ok := st.bundles[id]
		if !ok {
			return fmt.Errorf("%w: %s", bundle.ErrNotFound, id)
		}
		out = cloneBundle(b)
		return nil
	})
	return out, err
}

func findOpen(st *state, templateRef string, windowStart time.Time) (bundle.Bundle, bool) {
	for _, b := range st.bundles {
		if b.TemplateRef == templateRef && b.WindowStart.Equal(windowStart) && b.Open() {
			return b, true
		}
	}
	return bundle.Bundle{}, false
}

func (r bundleRepo) FindOpen(_ context.Context, templateRef string, windowStart time.Time) (bundle.Bundle, error) {
	var out bundle.Bundle
	err := r.g.read(func(st *state) error {
		b, ok := findOpen(st, templateRef, windowStart)
		if !ok {
			return bundle.ErrNotFound
		}
		out = cloneBundle(b)
		return nil
	})
	return out, err
}

func (r bundleRepo) Insert(_ context.Context, b bundle.Bundle) error {
	return r.g.write(func(st *state) error {
		if _, ok := st.bundles[b.ID]; ok {
			return fmt.Errorf("%w: bundle %s exists", bundle.ErrConflict, b.ID)
		}
		if _, ok := findOpen(st, b.TemplateRef, b.WindowStart); ok {
			return fmt.Errorf("%w: open bundle for %s already exists", bundle.ErrConflict, b.TemplateRef)
		}
		for _, itemID := range b.WorkItems {
			if owner, ok := st.membership[itemID]; ok {
				return fmt.Errorf("%w: %s already belongs to %s", bundle.ErrConflict, itemID, owner)
			}
		}
		st.bundles[b.ID] = cloneBundle(b)
		for _, itemID := range b.WorkItems {
			st.membership[itemID] = b.ID
		}
		return nil
	})
}

func (r bundleRepo) AddItem(_ context.Context, bundleID, itemID string, at time.Time) error {
	return r.g.write(func(st *state) error {
		b, ok := st.bundles[bundleID]
		if !ok {
			return fmt.Errorf("%w: %s", bundle.ErrNotFound, bundleID)
		}
		if owner, ok := st.membership[itemID]; ok {
			if owner == bundleID {
				return nil
			}
			return fmt.Errorf("%w: %s already belongs to %s", bundle.ErrConflict, itemID, owner)
		}
		b = cloneBundle(b)
		b.WorkItems = append(b.WorkItems, itemID)
		b.UpdatedAt = at
		st.bundles[bundleID] = b
		st.membership[itemID] = bundleID
		return nil
	})
}

func (r bundleRepo) SetStatus(_ context.Context, id string, from, to bundle.Status, at time.Time) error {
	return r.g.write(func(st *state) error {
		b, ok := st.bundles[id]
		if !ok {
			return fmt.Errorf("%w: %s", bundle.ErrNotFound, id)
		}
		if b.Status != from {
			return fmt.Errorf("%w: %s is %s, expected %s", bundle.ErrConflict, id, b.Status, from)
		}
		b = cloneBundle(b)
		b.Status = to
		b.UpdatedAt = at
		st.bundles[id] = b
		return nil
	})
}
