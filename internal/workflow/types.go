package workflow

import (
	"context"
	"slices"
	"time"

	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/catalog"
	"shopfloor.dev/internal/stream"
)

// StageEntry records one entry of a work item into a stage.
type StageEntry struct {
	Stage     Stage     `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
	ActorID   string    `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
}

// WorkItem is a unit of WIP moving through the pipeline.
type WorkItem struct {
	ID           string       `json:"id"`
	WorkOrderRef string       `json:"work_order_ref"`
	ProductType  string       `json:"product_type"`
	Stage        Stage        `json:"stage"`
	TemplateRef  string       `json:"template_ref,omitempty"`
	BundleID     string       `json:"bundle_id,omitempty"`
	FlagReason   string       `json:"flag_reason,omitempty"`
	History      []StageEntry `json:"history"`
	Version      int64        `json:"version"`
	CreatedBy    string       `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// EnteredAt returns when the item last entered stage.
func (w WorkItem) EnteredAt(stage Stage) (time.Time, bool) {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].Stage == stage {
			return w.History[i].EnteredAt, true
		}
	}
	return time.Time{}, false
}

// LastEntry returns the most recent history entry.
func (w WorkItem) LastEntry() (StageEntry, bool) {
	if len(w.History) == 0 {
		return StageEntry{}, false
	}
	return w.History[len(w.History)-1], true
}

// Clone returns a deep copy safe to mutate.
func (w WorkItem) Clone() WorkItem {
	w.History = slices.Clone(w.History)
	return w
}

// NewWorkItem is the input of a WIP entry.
type NewWorkItem struct {
	WorkOrderRef string `json:"work_order_ref"`
	ProductType  string `json:"product_type"`
}

// ItemRepository persists work items. Implementations may be bound to a transaction.
type ItemRepository interface {
	// Insert stores a new item. A second item for the same work order fails
	// with ErrConcurrentModification.
	Insert(ctx context.Context, item WorkItem) error
	Get(ctx context.Context, id string) (WorkItem, error)
	GetByWorkOrder(ctx context.Context, workOrderRef string) (WorkItem, error)
	ListByStage(ctx context.Context, stage Stage) ([]WorkItem, error)
	ListByBundle(ctx context.Context, bundleID string) ([]WorkItem, error)
	// Save writes the item's mutable fields and appends its last history entry,
	// provided the stored version still equals expectedVersion. Otherwise it
	// fails with ErrConcurrentModification.
	Save(ctx context.Context, item WorkItem, expectedVersion int64) error
}

// Store gives the engine its repositories and a way to write both atomically.
type Store interface {
	Items() ItemRepository
	Bundles() bundle.Repository
	// Atomic runs fn against repositories bound to one unit of work. If fn
	// returns an error nothing it wrote is kept.
	Atomic(ctx context.Context, fn func(items ItemRepository, bundles bundle.Repository) error) error
}

// Publisher receives committed changes, typically a *stream.Stream.
type Publisher interface {
	Publish(stream.Event)
}

// TemplateCatalog resolves template references.
type TemplateCatalog interface {
	Lookup(ref string) (catalog.Template, bool)
}
