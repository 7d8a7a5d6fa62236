package bundle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"shopfloor.dev/internal/ids"
	"shopfloor.dev/internal/obs"
)

// Registry owns the grouping rule and the status machine of bundles.
type Registry struct {
	repo   Repository
	policy ShiftPolicy
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithShiftPolicy sets how time is split into batch windows.
func WithShiftPolicy(p ShiftPolicy) Option {
	return func(r *Registry) {
		if p.Length > 0 {
			r.policy = p
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry over repo.
func NewRegistry(repo Repository, opts ...Option) *Registry {
	r := &Registry{repo: repo, policy: DefaultShiftPolicy, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithRepository returns a copy of the registry writing through repo, typically
// a repository bound to an open transaction.
func (r *Registry) WithRepository(repo Repository) *Registry {
	cp := *r
	cp.repo = repo
	return &cp
}

// Window returns the batch window containing at.
func (r *Registry) Window(at time.Time) (time.Time, time.Time) {
	return r.policy.Window(at)
}

// Get returns a bundle by id.
func (r *Registry) Get(ctx context.Context, id string) (Bundle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Bundle{}, fmt.Errorf("%w: bundle id is required", ErrInvalidInput)
	}
	return r.repo.Get(ctx, id)
}

// CreateOrAppend groups itemID into the open bundle for templateRef in the
// current window, creating the bundle if none is open.
func (r *Registry) CreateOrAppend(ctx context.Context, templateRef, itemID string) (Bundle, error) {
	return r.CreateOrAppendAt(ctx, templateRef, itemID, r.now())
}

// CreateOrAppendAt is CreateOrAppend with an explicit instant selecting the window.
func (r *Registry) CreateOrAppendAt(ctx context.Context, templateRef, itemID string, at time.Time) (Bundle, error) {
	templateRef = strings.TrimSpace(templateRef)
	itemID = strings.TrimSpace(itemID)
	if templateRef == "" || itemID == "" {
		return Bundle{}, fmt.Errorf("%w: template and work item are required", ErrInvalidInput)
	}
	at = at.UTC()
	start, end := r.policy.Window(at)

	b, err := r.repo.FindOpen(ctx, templateRef, start)
	switch {
	case err == nil:
		if b.Has(itemID) {
			return b, nil
		}
		if err := r.repo.AddItem(ctx, b.ID, itemID, at); err != nil {
			return Bundle{}, fmt.Errorf("append %s to bundle %s: %w", itemID, b.ID, err)
		}
		b.WorkItems = append(slices.Clone(b.WorkItems), itemID)
		b.UpdatedAt = at
		obs.BundleWrite("appended")
		return b, nil
	case errors.Is(err, ErrNotFound):
		b = Bundle{
			ID:          ids.New(ids.Bundle),
			TemplateRef: templateRef,
			WindowStart: start,
			WindowEnd:   end,
			WorkItems:   []string{itemID},
			Status:      StatusPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		if err := r.repo.Insert(ctx, b); err != nil {
			return Bundle{}, fmt.Errorf("create bundle for %s: %w", templateRef, err)
		}
		obs.BundleWrite("created")
		return b, nil
	default:
		return Bundle{}, err
	}
}

// UpdateStatus moves a bundle along pending→active→completed, with flagged
// reachable from pending or active and returning to active. Writing the current
// status again is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status) (Bundle, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return Bundle{}, err
	}
	if b.Status == to {
		return b, nil
	}
	if !CanTransition(b.Status, to) {
		return Bundle{}, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidStatusTransition, b.ID, b.Status, to)
	}
	now := r.now().UTC()
	if err := r.repo.SetStatus(ctx, b.ID, b.Status, to, now); err != nil {
		return Bundle{}, err
	}
	b.Status = to
	b.UpdatedAt = now
	obs.BundleWrite("status")
	return b, nil
}
