package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopfloor.dev/internal/audit"
	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/ids"
	"shopfloor.dev/internal/obs"
	"shopfloor.dev/internal/stream"
)

// Engine is the work item state machine.
type Engine struct {
	store     Store
	templates TemplateCatalog
	registry  *bundle.Registry
	now       func() time.Time
	locks     *itemLocks
	events    Publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithPublisher sends every committed change to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// NewEngine wires the engine. The registry is rebound to the store's
// transactional repository for every atomic write.
func NewEngine(store Store, templates TemplateCatalog, registry *bundle.Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = bundle.NewRegistry(store.Bundles())
	}
	e := &Engine{
		store:     store,
		templates: templates,
		registry:  registry,
		now:       time.Now,
		locks:     newItemLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type advanceOptions struct {
	templateRef string
	reason      string
	version     int64
}

// AdvanceOption tunes a single Advance call.
type AdvanceOption func(*advanceOptions)

// WithTemplate selects the template a work item is mapped onto.
func WithTemplate(ref string) AdvanceOption {
	return func(o *advanceOptions) { o.templateRef = strings.TrimSpace(ref) }
}

// WithReason records why an item is flagged when advancing to FLAGGED.
func WithReason(reason string) AdvanceOption {
	return func(o *advanceOptions) { o.reason = strings.TrimSpace(reason) }
}

// IfVersion makes the transition conditional on the caller's view of the item.
func IfVersion(v int64) AdvanceOption {
	return func(o *advanceOptions) { o.version = v }
}

// Enter registers a new work item at WIP_ENTRY. Entering a work order that is
// already registered returns the existing item, provided the product type matches.
func (e *Engine) Enter(ctx context.Context, actor auth.User, in NewWorkItem) (WorkItem, error) {
	in.WorkOrderRef = strings.TrimSpace(in.WorkOrderRef)
	in.ProductType = strings.TrimSpace(in.ProductType)
	if in.WorkOrderRef == "" || in.ProductType == "" {
		return WorkItem{}, fmt.Errorf("%w: work order and product type are required", ErrInvalidInput)
	}
	if err := actor.Require(entryAction(StageWIPEntry)); err != nil {
		obs.WorkflowTransition("", string(StageWIPEntry), outcome(err))
		return WorkItem{}, err
	}
	if existing, err := e.store.Items().GetByWorkOrder(ctx, in.WorkOrderRef); err == nil {
		return reentry(existing, in)
	} else if !errors.Is(err, ErrNotFound) {
		return WorkItem{}, err
	}

	now := e.now().UTC()
	item := WorkItem{
		ID:           ids.New(ids.WorkItem),
		WorkOrderRef: in.WorkOrderRef,
		ProductType:  in.ProductType,
		Stage:        StageWIPEntry,
		History:      []StageEntry{{Stage: StageWIPEntry, EnteredAt: now, ActorID: actor.ID}},
		Version:      1,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.Items().Insert(ctx, item); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			if existing, getErr := e.store.Items().GetByWorkOrder(ctx, in.WorkOrderRef); getErr == nil {
				return reentry(existing, in)
			}
		}
		return WorkItem{}, err
	}
	obs.WorkflowTransition("", string(StageWIPEntry), "ok")
	e.audit(ctx, "workflow.entered", actor.ID, item, "")
	e.publish(stream.Event{Kind: "entered", WorkItemID: item.ID, To: string(item.Stage), ActorID: actor.ID, Version: item.Version, Timestamp: now})
	return item, nil
}

// Advance moves a work item to target, which must be the immediate successor
// of its current stage or the other side of the WORK_MONITORING/FLAGGED pair.
// Advancing to the current stage returns the item unchanged.
func (e *Engine) Advance(ctx context.Context, id string, actor auth.User, target Stage, opts ...AdvanceOption) (WorkItem, error) {
	var o advanceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !target.Valid() {
		return WorkItem{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, target)
	}
	switch target {
	case StageCompleted:
		return e.transition(ctx, id, target, o.version, e.completeStep(ctx, actor))
	case StageFlagged:
		return e.transition(ctx, id, target, o.version, e.flagStep(ctx, actor, o.reason))
	}
	return e.transition(ctx, id, target, o.version, func(item WorkItem) (WorkItem, error) {
		if item.Stage == target {
			return item, errNoop
		}
		if item.Stage == StageFlagged && target == StageWorkMonitoring {
			return e.resolveStep(ctx, actor)(item)
		}
		next, ok := item.Stage.Successor()
		if !ok || next != target {
			return item, fmt.Errorf("%w: %s cannot move from %s to %s", ErrOutOfOrderTransition, item.ID, item.Stage, target)
		}
		if err := actor.Require(entryAction(target)); err != nil {
			return item, fmt.Errorf("enter %s: %w", target, err)
		}

		updated := e.stamp(item, target, actor, "")
		var err error
		switch target {
		case StageTemplateMapping:
			if err := e.checkTemplate(item, o.templateRef); err != nil {
				return item, err
			}
			updated.TemplateRef = o.templateRef
			err = e.store.Items().Save(ctx, updated, item.Version)
		case StageBundleCreation:
			err = e.store.Atomic(ctx, func(items ItemRepository, bundles bundle.Repository) error {
				b, err := e.registry.WithRepository(bundles).CreateOrAppendAt(ctx, item.TemplateRef, item.ID, updated.UpdatedAt)
				if err != nil {
					return bundleError(err)
				}
				updated.BundleID = b.ID
				return items.Save(ctx, updated, item.Version)
			})
		case StageWorkMonitoring:
			err = e.store.Atomic(ctx, func(items ItemRepository, bundles bundle.Repository) error {
				if err := e.activateBundle(ctx, bundles, item.BundleID); err != nil {
					return err
				}
				return items.Save(ctx, updated, item.Version)
			})
		default:
			err = e.store.Items().Save(ctx, updated, item.Version)
		}
		return updated, err
	})
}

// Flag moves a monitored work item to FLAGGED. Only the item is blocked; its
// bundle siblings continue.
func (e *Engine) Flag(ctx context.Context, id string, actor auth.User, reason string) (WorkItem, error) {
	return e.transition(ctx, id, StageFlagged, 0, e.flagStep(ctx, actor, strings.TrimSpace(reason)))
}

// ResolveFlag returns a flagged work item to WORK_MONITORING.
func (e *Engine) ResolveFlag(ctx context.Context, id string, actor auth.User) (WorkItem, error) {
	return e.transition(ctx, id, StageWorkMonitoring, 0, func(item WorkItem) (WorkItem, error) {
		if item.Stage == StageWorkMonitoring {
			return item, errNoop
		}
		return e.resolveStep(ctx, actor)(item)
	})
}

// Complete finishes a monitored work item. Its bundle is marked completed only
// when every member is COMPLETED; until then the bundle stays active.
func (e *Engine) Complete(ctx context.Context, id string, actor auth.User) (WorkItem, error) {
	return e.transition(ctx, id, StageCompleted, 0, e.completeStep(ctx, actor))
}

func (e *Engine) flagStep(ctx context.Context, actor auth.User, reason string) func(WorkItem) (WorkItem, error) {
	return func(item WorkItem) (WorkItem, error) {
		if item.Stage == StageFlagged {
			return item, errNoop
		}
		if item.Stage != StageWorkMonitoring {
			return item, fmt.Errorf("%w: %s can only be flagged from %s, is %s", ErrOutOfOrderTransition, item.ID, StageWorkMonitoring, item.Stage)
		}
		if err := actor.Require(auth.ActionMonitoringWrite); err != nil {
			return item, fmt.Errorf("flag: %w", err)
		}
		if reason == "" {
			return item, fmt.Errorf("%w: flag reason is required", ErrInvalidInput)
		}
		updated := e.stamp(item, StageFlagged, actor, reason)
		updated.FlagReason = reason
		return updated, e.store.Items().Save(ctx, updated, item.Version)
	}
}

func (e *Engine) resolveStep(ctx context.Context, actor auth.User) func(WorkItem) (WorkItem, error) {
	return func(item WorkItem) (WorkItem, error) {
		if item.Stage != StageFlagged {
			return item, fmt.Errorf("%w: %s is not flagged, is %s", ErrOutOfOrderTransition, item.ID, item.Stage)
		}
		if err := actor.Require(auth.ActionMonitoringWrite); err != nil {
			return item, fmt.Errorf("resolve flag: %w", err)
		}
		updated := e.stamp(item, StageWorkMonitoring, actor, "resolved: "+item.FlagReason)
		updated.FlagReason = ""
		return updated, e.store.Items().Save(ctx, updated, item.Version)
	}
}

func (e *Engine) completeStep(ctx context.Context, actor auth.User) func(WorkItem) (WorkItem, error) {
	return func(item WorkItem) (WorkItem, error) {
		if item.Stage == StageCompleted {
			return item, errNoop
		}
		if item.BundleID == "" {
			return item, fmt.Errorf("%w: %s never reached %s", ErrNoActiveBundle, item.ID, StageBundleCreation)
		}
		if item.Stage != StageWorkMonitoring {
			return item, fmt.Errorf("%w: %s can only complete from %s, is %s", ErrOutOfOrderTransition, item.ID, StageWorkMonitoring, item.Stage)
		}
		if err := actor.Require(auth.ActionMonitoringWrite); err != nil {
			return item, fmt.Errorf("complete: %w", err)
		}
		updated := e.stamp(item, StageCompleted, actor, "")
		err := e.store.Atomic(ctx, func(items ItemRepository, bundles bundle.Repository) error {
			b, err := bundles.Get(ctx, item.BundleID)
			if errors.Is(err, bundle.ErrNotFound) || (err == nil && !b.Open()) {
				return fmt.Errorf("%w: bundle %s is not open", ErrNoActiveBundle, item.BundleID)
			}
			if err != nil {
				return err
			}
			if err := items.Save(ctx, updated, item.Version); err != nil {
				return err
			}
			members, err := items.ListByBundle(ctx, b.ID)
			if err != nil {
				return err
			}
			for _, m := range members {
				if m.Stage != StageCompleted {
					return nil
				}
			}
			_, err = e.registry.WithRepository(bundles).UpdateStatus(ctx, b.ID, bundle.StatusCompleted)
			return bundleError(err)
		})
		return updated, err
	}
}

// Get returns a work item. Any authenticated role may read.
func (e *Engine) Get(ctx context.Context, id string, actor auth.User) (WorkItem, error) {
	if err := actor.Require(auth.ActionMonitoringRead); err != nil {
		return WorkItem{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return WorkItem{}, fmt.Errorf("%w: work item id is required", ErrInvalidInput)
	}
	return e.store.Items().Get(ctx, id)
}

// ListByStage returns all work items currently in stage.
func (e *Engine) ListByStage(ctx context.Context, stage Stage, actor auth.User) ([]WorkItem, error) {
	if err := actor.Require(auth.ActionMonitoringRead); err != nil {
		return nil, err
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, stage)
	}
	return e.store.Items().ListByStage(ctx, stage)
}

// Bundle returns a bundle record.
func (e *Engine) Bundle(ctx context.Context, id string, actor auth.User) (bundle.Bundle, error) {
	if err := actor.Require(auth.ActionMonitoringRead); err != nil {
		return bundle.Bundle{}, err
	}
	return e.registry.Get(ctx, id)
}

// SetBundleStatus applies a manual status change to a bundle.
func (e *Engine) SetBundleStatus(ctx context.Context, id string, actor auth.User, status bundle.Status) (bundle.Bundle, error) {
	if err := actor.Require(auth.ActionMonitoringWrite); err != nil {
		return bundle.Bundle{}, err
	}
	b, err := e.registry.UpdateStatus(ctx, id, status)
	if err != nil {
		return bundle.Bundle{}, err
	}
	_ = audit.LogEvent(ctx, "bundle.status", map[string]any{
		"bundle_id": b.ID,
		"status":    string(b.Status),
		"actor_id":  actor.ID,
	})
	e.publish(stream.Event{Kind: "bundle_status", BundleID: b.ID, To: string(b.Status), ActorID: actor.ID, Timestamp: b.UpdatedAt})
	return b, nil
}

// errNoop signals that the item is already where the caller wants it.
var errNoop = errors.New("workflow: no-op")

// transition serializes writers on one item and runs apply against fresh state.
func (e *Engine) transition(ctx context.Context, id string, target Stage, version int64, apply func(WorkItem) (WorkItem, error)) (WorkItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return WorkItem{}, fmt.Errorf("%w: work item id is required", ErrInvalidInput)
	}
	unlock, ok := e.locks.tryLock(id)
	if !ok {
		obs.WorkflowTransition("", string(target), "concurrent_modification")
		return WorkItem{}, fmt.Errorf("%w: %s has a transition in flight", ErrConcurrentModification, id)
	}
	defer unlock()

	item, err := e.store.Items().Get(ctx, id)
	if err != nil {
		return WorkItem{}, err
	}
	if version != 0 && version != item.Version {
		obs.WorkflowTransition(string(item.Stage), string(target), "concurrent_modification")
		return WorkItem{}, fmt.Errorf("%w: %s is at version %d, caller expected %d", ErrConcurrentModification, id, item.Version, version)
	}
	updated, err := apply(item.Clone())
	if errors.Is(err, errNoop) {
		obs.WorkflowTransition(string(item.Stage), string(target), "noop")
		return item, nil
	}
	if err != nil {
		obs.WorkflowTransition(string(item.Stage), string(target), outcome(err))
		return WorkItem{}, err
	}
	obs.WorkflowTransition(string(item.Stage), string(updated.Stage), "ok")
	if last, ok := updated.LastEntry(); ok {
		e.audit(ctx, "workflow.transition", last.ActorID, updated, item.Stage)
		e.publish(stream.Event{
			Kind:       "transition",
			WorkItemID: updated.ID,
			BundleID:   updated.BundleID,
			From:       string(item.Stage),
			To:         string(updated.Stage),
			ActorID:    last.ActorID,
			Version:    updated.Version,
			Timestamp:  last.EnteredAt,
		})
	}
	return updated, nil
}

// stamp returns a copy of item entering stage. Entry times strictly increase
// even if the clock stalls or steps back.
func (e *Engine) stamp(item WorkItem, stage Stage, actor auth.User, note string) WorkItem {
	at := e.now().UTC()
	if last, ok := item.LastEntry(); ok && !at.After(last.EnteredAt) {
		at = last.EnteredAt.Add(time.Microsecond)
	}
	next := item.Clone()
	next.Stage = stage
	next.History = append(next.History, StageEntry{Stage: stage, EnteredAt: at, ActorID: actor.ID, Note: note})
	next.Version = item.Version + 1
	next.UpdatedAt = at
	return next
}

// reentry resolves a repeated WIP entry against the item already registered for the work order.
func reentry(existing WorkItem, in NewWorkItem) (WorkItem, error) {
	if !strings.EqualFold(existing.ProductType, in.ProductType) {
		return WorkItem{}, fmt.Errorf("%w: work order %s was entered as %q, not %q",
			ErrInvalidInput, in.WorkOrderRef, existing.ProductType, in.ProductType)
	}
	return existing, nil
}

func (e *Engine) checkTemplate(item WorkItem, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: a template is required to map %s", ErrTemplateMismatch, item.ID)
	}
	if e.templates == nil {
		return fmt.Errorf("%w: no template catalog configured", ErrTemplateMismatch)
	}
	tpl, ok := e.templates.Lookup(ref)
	if !ok {
		return fmt.Errorf("%w: template %q does not exist", ErrTemplateMismatch, ref)
	}
	if !tpl.Supports(item.ProductType) {
		return fmt.Errorf("%w: template %q does not support product type %q", ErrTemplateMismatch, ref, item.ProductType)
	}
	return nil
}

func (e *Engine) activateBundle(ctx context.Context, bundles bundle.Repository, bundleID string) error {
	if bundleID == "" {
		return fmt.Errorf("%w: work item has no bundle", ErrNoActiveBundle)
	}
	b, err := bundles.Get(ctx, bundleID)
	if err != nil {
		return bundleError(err)
	}
	if b.Status != bundle.StatusPending {
		return nil
	}
	_, err = e.registry.WithRepository(bundles).UpdateStatus(ctx, bundleID, bundle.StatusActive)
	return bundleError(err)
}

func (e *Engine) audit(ctx context.Context, event, actorID string, item WorkItem, from Stage) {
	fields := map[string]any{
		"work_item_id": item.ID,
		"stage":        string(item.Stage),
		"version":      item.Version,
		"actor_id":     actorID,
	}
	if from != "" {
		fields["from"] = string(from)
	}
	if item.BundleID != "" {
		fields["bundle_id"] = item.BundleID
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func (e *Engine) publish(evt stream.Event) {
	if e.events != nil {
		e.events.Publish(evt)
	}
}

// bundleError maps registry races onto the engine's retryable error.
func bundleError(err error) error {
	if errors.Is(err, bundle.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrderTransition):
		return "out_of_order"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTemplateMismatch):
		return "template_mismatch"
	case errors.Is(err, ErrNoActiveBundle):
		return "no_active_bundle"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, bundle.ErrInvalidStatusTransition):
		return "invalid_status_transition"
	default:
		return "error"
	}
}
