package bundle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound                = errors.New("bundle: not found")
	ErrInvalidInput            = errors.New("bundle: invalid input")
	ErrInvalidStatusTransition = errors.New("bundle: invalid status transition")
	// ErrConflict reports a lost race on a bundle row: a concurrent writer
	// created the open bundle for the same key or changed its status first.
	ErrConflict = errors.New("bundle: concurrent modification")
)

// Status is the monitoring status of a bundle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFlagged   Status = "flagged"
)

var allStatuses = []Status{StatusPending, StatusActive, StatusCompleted, StatusFlagged}

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusFlagged},
	StatusActive:  {StatusCompleted, StatusFlagged},
	StatusFlagged: {StatusActive},
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(allStatuses, st) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// CanTransition reports whether a bundle may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Bundle is the registry record aggregating work items under one template.
type Bundle struct {
	ID          string    `json:"id"`
	TemplateRef string    `json:"template_ref"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	WorkItems   []string  `json:"work_items"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Open reports whether work items may still join the bundle.
func (b Bundle) Open() bool { return b.Status != StatusCompleted }

// Has reports whether itemID is a member.
func (b Bundle) Has(itemID string) bool { return slices.Contains(b.WorkItems, itemID) }

// Repository persists bundles. Implementations may be bound to a transaction.
type Repository interface {
	Get(ctx context.Context, id string) (Bundle, error)
	// FindOpen returns the non-completed bundle for (templateRef, windowStart) or ErrNotFound.
	FindOpen(ctx context.Context, templateRef string, windowStart time.Time) (Bundle, error)
	// Insert stores a new bundle with its initial members. It fails with
	// ErrConflict when an open bundle already exists for the same key or a
	// member already belongs to another bundle.
	Insert(ctx context.Context, b Bundle) error
	AddItem(ctx context.Context, bundleID, itemID string, at time.Time) error
	// SetStatus moves the bundle from `from` to `to`, failing with ErrConflict
	// when the stored status is no longer `from`.
	SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error
}
