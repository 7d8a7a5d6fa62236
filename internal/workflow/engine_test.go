package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/catalog"
	"shopfloor.dev/internal/store/memstore"
	"shopfloor.dev/internal/stream"
	"shopfloor.dev/internal/workflow"
)

var (
	operator   = auth.User{ID: "usr_op", Username: "op", Role: auth.RoleOperator, Active: true}
	supervisor = auth.User{ID: "usr_sup", Username: "sup", Role: auth.RoleSupervisor, Active: true}
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(evt stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		catalog.Template{Ref: "TPL-SHIRT", Name: "Shirt", ProductTypes: []string{"shirt"}},
		catalog.Template{Ref: "TPL-ANY", Name: "Generic", ProductTypes: []string{catalog.AnyProduct}},
	)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func newEngine(t *testing.T, store workflow.Store, opts ...workflow.Option) *workflow.Engine {
	t.Helper()
	morning := func() time.Time { return time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC) }
	reg := bundle.NewRegistry(store.Bundles(), bundle.WithClock(morning))
	opts = append([]workflow.Option{workflow.WithClock(morning)}, opts...)
	return workflow.NewEngine(store, testCatalog(t), reg, opts...)
}

func enter(t *testing.T, e *workflow.Engine, ref string) workflow.WorkItem {
	t.Helper()
	item, err := e.Enter(context.Background(), operator, workflow.NewWorkItem{WorkOrderRef: ref, ProductType: "shirt"})
	if err != nil {
		t.Fatalf("Enter(%s): %v", ref, err)
	}
	return item
}

// monitor drives a fresh item up to WORK_MONITORING.
func monitor(t *testing.T, e *workflow.Engine, ref string) workflow.WorkItem {
	t.Helper()
	ctx := context.Background()
	item := enter(t, e, ref)
	steps := []struct {
		stage workflow.Stage
		opts  []workflow.AdvanceOption
	}{
		{workflow.StageTemplateMapping, []workflow.AdvanceOption{workflow.WithTemplate("TPL-SHIRT")}},
		{workflow.StageBundleCreation, nil},
		{workflow.StageWorkMonitoring, nil},
	}
	for _, s := range steps {
		var err error
		item, err = e.Advance(ctx, item.ID, supervisor, s.stage, s.opts...)
		if err != nil {
			t.Fatalf("Advance(%s, %s): %v", ref, s.stage, err)
		}
	}
	return item
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := newEngine(t, memstore.New(), workflow.WithPublisher(rec))

	item := monitor(t, e, "WO-1")
	if item.Stage != workflow.StageWorkMonitoring || item.Version != 4 || len(item.History) != 4 {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.TemplateRef != "TPL-SHIRT" || item.BundleID == "" {
		t.Fatalf("template and bundle must be recorded: %+v", item)
	}
	b, err := e.Bundle(ctx, item.BundleID, operator)
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if b.Status != bundle.StatusActive {
		t.Fatalf("bundle status = %s, want active", b.Status)
	}

	done, err := e.Complete(ctx, item.ID, supervisor)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Stage != workflow.StageCompleted || !done.Stage.Terminal() {
		t.Fatalf("stage = %s", done.Stage)
	}
	for i := 1; i < len(done.History); i++ {
		if !done.History[i].EnteredAt.After(done.History[i-1].EnteredAt) {
			t.Fatalf("history timestamps must strictly increase: %+v", done.History)
		}
	}
	if b, _ = e.Bundle(ctx, item.BundleID, operator); b.Status != bundle.StatusCompleted {
		t.Fatalf("sole member completed, bundle status = %s", b.Status)
	}

	stored, err := e.Get(ctx, item.ID, operator)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Version != done.Version || len(stored.History) != len(done.History) {
		t.Fatalf("stored item diverges: %+v", stored)
	}

	want := []string{"entered", "transition", "transition", "transition", "transition"}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestEnterIsIdempotent(t *testing.T) {
	e := newEngine(t, memstore.New())
	first := enter(t, e, "WO-1")
	second := enter(t, e, " WO-1 ")
	if first.ID != second.ID {
		t.Fatalf("same work order must map to one item: %s vs %s", first.ID, second.ID)
	}
	if _, err := e.Enter(context.Background(), operator, workflow.NewWorkItem{WorkOrderRef: "WO-1", ProductType: "trouser"}); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("conflicting product type on re-entry: expected ErrInvalidInput, got %v", err)
	}
	if again, err := e.Enter(context.Background(), operator, workflow.NewWorkItem{WorkOrderRef: "WO-1", ProductType: "SHIRT"}); err != nil || again.ID != first.ID {
		t.Fatalf("product type match is case-insensitive: %+v, %v", again, err)
	}
	if _, err := e.Enter(context.Background(), operator, workflow.NewWorkItem{WorkOrderRef: "WO-2"}); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	denied := operator
	denied.Permissions = []string{auth.Deny(auth.ActionWIPEntry)}
	if _, err := e.Enter(context.Background(), denied, workflow.NewWorkItem{WorkOrderRef: "WO-3", ProductType: "shirt"}); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAdvanceRejectsSkips(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	item := enter(t, e, "WO-1")

	// Order is checked before permission: an operator skipping a stage sees the ordering error.
	for _, actor := range []auth.User{operator, supervisor} {
		if _, err := e.Advance(ctx, item.ID, actor, workflow.StageBundleCreation); !errors.Is(err, workflow.ErrOutOfOrderTransition) {
			t.Fatalf("%s: expected ErrOutOfOrderTransition, got %v", actor.Username, err)
		}
	}
	if _, err := e.Advance(ctx, item.ID, supervisor, workflow.StageCompleted); !errors.Is(err, workflow.ErrNoActiveBundle) {
		t.Fatalf("expected ErrNoActiveBundle, got %v", err)
	}
	if _, err := e.Advance(ctx, item.ID, supervisor, workflow.Stage("PACKING")); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.Advance(ctx, "wi_missing", supervisor, workflow.StageTemplateMapping); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	same, err := e.Advance(ctx, item.ID, supervisor, workflow.StageWIPEntry)
	if err != nil {
		t.Fatalf("advancing to the current stage: %v", err)
	}
	if same.Version != item.Version {
		t.Fatalf("no-op advance must not bump the version, got %d", same.Version)
	}
}

func TestAdvanceRequiresPermission(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	item := enter(t, e, "WO-1")

	if _, err := e.Advance(ctx, item.ID, operator, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-SHIRT")); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	granted := operator
	granted.Permissions = []string{string(auth.ActionTemplateMapping)}
	mapped, err := e.Advance(ctx, item.ID, granted, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-SHIRT"))
	if err != nil {
		t.Fatalf("explicit allow should pass: %v", err)
	}
	denied := supervisor
	denied.Permissions = []string{auth.Deny(auth.ActionBundleCreation)}
	if _, err := e.Advance(ctx, mapped.ID, denied, workflow.StageBundleCreation); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("explicit deny should block the floor, got %v", err)
	}
}

func TestTemplateMapping(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	item := enter(t, e, "WO-1")

	for _, ref := range []string{"", "TPL-NOPE"} {
		if _, err := e.Advance(ctx, item.ID, supervisor, workflow.StageTemplateMapping, workflow.WithTemplate(ref)); !errors.Is(err, workflow.ErrTemplateMismatch) {
			t.Fatalf("template %q: expected ErrTemplateMismatch, got %v", ref, err)
		}
	}
	trousers, err := e.Enter(ctx, operator, workflow.NewWorkItem{WorkOrderRef: "WO-2", ProductType: "trouser"})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if _, err := e.Advance(ctx, trousers.ID, supervisor, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-SHIRT")); !errors.Is(err, workflow.ErrTemplateMismatch) {
		t.Fatalf("expected ErrTemplateMismatch for product type, got %v", err)
	}
	if _, err := e.Advance(ctx, trousers.ID, supervisor, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-ANY")); err != nil {
		t.Fatalf("wildcard template: %v", err)
	}
	if got, _ := e.Get(ctx, item.ID, operator); got.Version != item.Version {
		t.Fatal("rejected transitions must not change the item")
	}
}

func TestItemsShareBundle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	a := monitor(t, e, "WO-1")
	b := monitor(t, e, "WO-2")
	if a.BundleID != b.BundleID {
		t.Fatalf("same template and window must share a bundle: %s vs %s", a.BundleID, b.BundleID)
	}

	if _, err := e.Complete(ctx, a.ID, supervisor); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	bd, err := e.Bundle(ctx, a.BundleID, operator)
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if bd.Status != bundle.StatusActive {
		t.Fatalf("bundle with open members must stay active, got %s", bd.Status)
	}
	if _, err := e.Complete(ctx, b.ID, supervisor); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if bd, _ = e.Bundle(ctx, a.BundleID, operator); bd.Status != bundle.StatusCompleted {
		t.Fatalf("bundle status = %s, want completed", bd.Status)
	}

	items, err := e.ListByStage(ctx, workflow.StageCompleted, operator)
	if err != nil {
		t.Fatalf("ListByStage: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 completed items, got %d", len(items))
	}
}

func TestFlagAndResolve(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	fresh := enter(t, e, "WO-0")
	if _, err := e.Flag(ctx, fresh.ID, supervisor, "torn seam"); !errors.Is(err, workflow.ErrOutOfOrderTransition) {
		t.Fatalf("flagging outside monitoring: expected ErrOutOfOrderTransition, got %v", err)
	}

	a := monitor(t, e, "WO-1")
	b := monitor(t, e, "WO-2")
	if _, err := e.Flag(ctx, a.ID, supervisor, "  "); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty reason, got %v", err)
	}
	if _, err := e.Flag(ctx, a.ID, operator, "torn seam"); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	flagged, err := e.Flag(ctx, a.ID, supervisor, "torn seam")
	if err != nil {
		t.Fatalf("Flag: %v", err)
	}
	if flagged.Stage != workflow.StageFlagged || flagged.FlagReason != "torn seam" {
		t.Fatalf("unexpected flagged item %+v", flagged)
	}
	if _, err := e.Complete(ctx, a.ID, supervisor); !errors.Is(err, workflow.ErrOutOfOrderTransition) {
		t.Fatalf("flagged items cannot complete, got %v", err)
	}

	// A flagged sibling does not hold back the rest of the bundle.
	if _, err := e.Complete(ctx, b.ID, supervisor); err != nil {
		t.Fatalf("sibling Complete: %v", err)
	}

	resolved, err := e.ResolveFlag(ctx, a.ID, supervisor)
	if err != nil {
		t.Fatalf("ResolveFlag: %v", err)
	}
	if resolved.Stage != workflow.StageWorkMonitoring || resolved.FlagReason != "" {
		t.Fatalf("unexpected resolved item %+v", resolved)
	}
	again, err := e.ResolveFlag(ctx, a.ID, supervisor)
	if err != nil || again.Version != resolved.Version {
		t.Fatalf("resolving twice should be a no-op: %+v, %v", again, err)
	}

	viaAdvance, err := e.Advance(ctx, a.ID, supervisor, workflow.StageFlagged, workflow.WithReason("needle break"))
	if err != nil {
		t.Fatalf("Advance to FLAGGED: %v", err)
	}
	if _, err := e.Advance(ctx, a.ID, supervisor, workflow.StageWorkMonitoring, workflow.IfVersion(viaAdvance.Version)); err != nil {
		t.Fatalf("Advance back to WORK_MONITORING: %v", err)
	}
	if _, err := e.Complete(ctx, a.ID, supervisor); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestIfVersionRejectsStaleCallers(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, memstore.New())
	item := enter(t, e, "WO-1")
	_, err := e.Advance(ctx, item.ID, supervisor, workflow.StageTemplateMapping,
		workflow.WithTemplate("TPL-SHIRT"), workflow.IfVersion(item.Version+1))
	if !errors.Is(err, workflow.ErrConcurrentModification) || !workflow.Retryable(err) {
		t.Fatalf("expected retryable ErrConcurrentModification, got %v", err)
	}
	if _, err := e.Advance(ctx, item.ID, supervisor, workflow.StageTemplateMapping,
		workflow.WithTemplate("TPL-SHIRT"), workflow.IfVersion(item.Version)); err != nil {
		t.Fatalf("Advance with current version: %v", err)
	}
}

func TestStampsIncreaseWhenClockStalls(t *testing.T) {
	stuck := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	e := newEngine(t, memstore.New(), workflow.WithClock(func() time.Time { return stuck }))
	item := monitor(t, e, "WO-1")
	for i := 1; i < len(item.History); i++ {
		if !item.History[i].EnteredAt.After(item.History[i-1].EnteredAt) {
			t.Fatalf("entry %d not after entry %d: %+v", i, i-1, item.History)
		}
	}
	at, ok := item.EnteredAt(workflow.StageBundleCreation)
	if !ok || !at.After(stuck) {
		t.Fatalf("EnteredAt(BUNDLE_CREATION) = %v, %v", at, ok)
	}
}

// blockingStore parks the first armed Save until released.
type blockingStore struct {
	*memstore.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

type blockingItems struct {
	workflow.ItemRepository
	s *blockingStore
}

func (s *blockingStore) Items() workflow.ItemRepository {
	return blockingItems{ItemRepository: s.Store.Items(), s: s}
}

func (b blockingItems) Save(ctx context.Context, item workflow.WorkItem, expected int64) error {
	b.s.mu.Lock()
	armed := b.s.armed
	b.s.armed = false
	b.s.mu.Unlock()
	if armed {
		close(b.s.entered)
		<-b.s.release
	}
	return b.ItemRepository.Save(ctx, item, expected)
}

func TestConcurrentTransitionLoses(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{Store: memstore.New(), entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, store)
	item := enter(t, e, "WO-1")

	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := e.Advance(ctx, item.ID, supervisor, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-SHIRT"))
		done <- err
	}()
	<-store.entered

	_, err := e.Advance(ctx, item.ID, supervisor, workflow.StageTemplateMapping, workflow.WithTemplate("TPL-ANY"))
	if !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification while another transition holds the item, got %v", err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("first transition: %v", err)
	}

	got, err := e.Get(ctx, item.ID, operator)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TemplateRef != "TPL-SHIRT" || got.Version != 2 {
		t.Fatalf("the winning transition must be the only one applied: %+v", got)
	}
}

func TestSetBundleStatus(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := newEngine(t, memstore.New(), workflow.WithPublisher(rec))
	item := monitor(t, e, "WO-1")

	if _, err := e.SetBundleStatus(ctx, item.BundleID, operator, bundle.StatusFlagged); !errors.Is(err, workflow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	b, err := e.SetBundleStatus(ctx, item.BundleID, supervisor, bundle.StatusFlagged)
	if err != nil {
		t.Fatalf("SetBundleStatus: %v", err)
	}
	if b.Status != bundle.StatusFlagged {
		t.Fatalf("status = %s", b.Status)
	}
	if _, err := e.SetBundleStatus(ctx, item.BundleID, supervisor, bundle.StatusCompleted); !errors.Is(err, bundle.ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
	kinds := rec.kinds()
	if kinds[len(kinds)-1] != "bundle_status" {
		t.Fatalf("last event = %s, want bundle_status", kinds[len(kinds)-1])
	}
}

func TestStageHelpers(t *testing.T) {
	if s, err := workflow.ParseStage(" work_monitoring "); err != nil || s != workflow.StageWorkMonitoring {
		t.Fatalf("ParseStage = %s, %v", s, err)
	}
	if _, err := workflow.ParseStage("PACKING"); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if next, ok := workflow.StageWorkMonitoring.Successor(); !ok || next != workflow.StageCompleted {
		t.Fatalf("Successor(WORK_MONITORING) = %s, %v", next, ok)
	}
	for _, s := range []workflow.Stage{workflow.StageCompleted, workflow.StageFlagged} {
		if _, ok := s.Successor(); ok {
			t.Fatalf("%s must have no successor", s)
		}
	}
}
