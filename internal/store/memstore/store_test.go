package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/catalog"
	"shopfloor.dev/internal/workflow"
)

func TestUserUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := auth.User{ID: "usr_1", Username: "amina", Role: auth.RoleOperator, Active: true, Permissions: []string{"a"}}
	if err := s.Users().Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	dup := u
	dup.ID = "usr_2"
	if err := s.Users().Create(ctx, dup); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := s.Users().FindByUsername(ctx, "amina")
	if err != nil {
		t.Fatal(err)
	}
	got.Permissions[0] = "mutated"
	again, _ := s.Users().Find(ctx, "usr_1")
	if again.Permissions[0] != "a" {
		t.Fatal("store leaked internal slice")
	}
}

func TestRotateCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	fam := auth.TokenFamily{ID: "fam_1", UserID: "usr_1", Generation: 1}
	if err := s.Sessions().CreateFamily(ctx, fam, auth.RefreshToken{ID: "rt_1", FamilyID: "fam_1", Generation: 1}); err != nil {
		t.Fatal(err)
	}
	next := auth.RefreshToken{ID: "rt_2", FamilyID: "fam_1", Generation: 2}
	if err := s.Sessions().Rotate(ctx, "fam_1", 1, next); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions().Rotate(ctx, "fam_1", 1, auth.RefreshToken{ID: "rt_3", Generation: 2}); !errors.Is(err, auth.ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
	if err := s.Sessions().RevokeUser(ctx, "usr_1"); err != nil {
		t.Fatal(err)
	}
	f, _ := s.Sessions().FindFamily(ctx, "fam_1")
	if !f.Revoked(2) || f.Current(2) {
		t.Fatalf("family should be revoked: %+v", f)
	}
	if err := s.Sessions().Rotate(ctx, "fam_1", 2, auth.RefreshToken{ID: "rt_4", Generation: 3}); !errors.Is(err, auth.ErrStaleGeneration) {
		t.Fatalf("rotation of a revoked family must fail, got %v", err)
	}
}

func TestBundleMembershipIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	b := bundle.Bundle{ID: "bdl_1", TemplateRef: "T1", WindowStart: start, WorkItems: []string{"wi_1"}, Status: bundle.StatusPending}
	if err := s.Bundles().Insert(ctx, b); err != nil {
		t.Fatal(err)
	}
	other := bundle.Bundle{ID: "bdl_2", TemplateRef: "T1", WindowStart: start, Status: bundle.StatusPending}
	if err := s.Bundles().Insert(ctx, other); !errors.Is(err, bundle.ErrConflict) {
		t.Fatalf("second open bundle for the same key must conflict, got %v", err)
	}
	if err := s.Bundles().AddItem(ctx, "bdl_1", "wi_1", start); err != nil {
		t.Fatalf("re-adding a member should be a no-op: %v", err)
	}
	if err := s.Bundles().SetStatus(ctx, "bdl_1", bundle.StatusActive, bundle.StatusCompleted, start); !errors.Is(err, bundle.ErrConflict) {
		t.Fatalf("expected status CAS conflict, got %v", err)
	}
	got, _ := s.Bundles().Get(ctx, "bdl_1")
	if len(got.WorkItems) != 1 {
		t.Fatalf("unexpected members: %v", got.WorkItems)
	}
}

func TestAtomicRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := workflow.WorkItem{ID: "wi_1", WorkOrderRef: "WO-1", Stage: workflow.StageWIPEntry, Version: 1}
	if err := s.Items().Insert(ctx, item); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := s.Atomic(ctx, func(items workflow.ItemRepository, bundles bundle.Repository) error {
		if err := bundles.Insert(ctx, bundle.Bundle{ID: "bdl_1", TemplateRef: "T1", WorkItems: []string{"wi_1"}, Status: bundle.StatusPending}); err != nil {
			return err
		}
		updated := item
		updated.Version = 2
		updated.BundleID = "bdl_1"
		if err := items.Save(ctx, updated, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Bundles().Get(ctx, "bdl_1"); !errors.Is(err, bundle.ErrNotFound) {
		t.Fatalf("bundle should have been rolled back, got %v", err)
	}
	got, _ := s.Items().Get(ctx, "wi_1")
	if got.Version != 1 || got.BundleID != "" {
		t.Fatalf("item should have been rolled back: %+v", got)
	}
}

func TestSaveVersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := workflow.WorkItem{ID: "wi_1", WorkOrderRef: "WO-1", Stage: workflow.StageWIPEntry, Version: 1}
	_ = s.Items().Insert(ctx, item)
	item.Version = 2
	if err := s.Items().Save(ctx, item, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Items().Save(ctx, item, 1); !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	dup := workflow.WorkItem{ID: "wi_2", WorkOrderRef: "WO-1", Version: 1}
	if err := s.Items().Insert(ctx, dup); !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("duplicate work order must conflict, got %v", err)
	}
}

// TestShiftScenario drives two work items of one template through the whole
// pipeline against the in-memory store.
func TestShiftScenario(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	now := func() time.Time { clock = clock.Add(time.Second); return clock }

	templates, err := catalog.New(catalog.Template{Ref: "T-STITCH", ProductTypes: []string{"shirt"}})
	if err != nil {
		t.Fatal(err)
	}
	reg := bundle.NewRegistry(s.Bundles(), bundle.WithClock(now))
	eng := workflow.NewEngine(s, templates, reg, workflow.WithClock(now))

	op := auth.User{ID: "usr_op", Role: auth.RoleOperator, Active: true}
	sup := auth.User{ID: "usr_sup", Role: auth.RoleSupervisor, Active: true}

	var itemsIDs []string
	for _, wo := range []string{"WO-1", "WO-2"} {
		item, err := eng.Enter(ctx, op, workflow.NewWorkItem{WorkOrderRef: wo, ProductType: "shirt"})
		if err != nil {
			t.Fatalf("enter %s: %v", wo, err)
		}
		if _, err := eng.Advance(ctx, item.ID, sup, workflow.StageTemplateMapping, workflow.WithTemplate("T-STITCH")); err != nil {
			t.Fatalf("map %s: %v", wo, err)
		}
		if _, err := eng.Advance(ctx, item.ID, sup, workflow.StageBundleCreation); err != nil {
			t.Fatalf("bundle %s: %v", wo, err)
		}
		itemsIDs = append(itemsIDs, item.ID)
	}

	first, _ := eng.Get(ctx, itemsIDs[0], op)
	second, _ := eng.Get(ctx, itemsIDs[1], op)
	if first.BundleID == "" || first.BundleID != second.BundleID {
		t.Fatalf("items should share a bundle: %q vs %q", first.BundleID, second.BundleID)
	}

	for _, id := range itemsIDs {
		if _, err := eng.Advance(ctx, id, sup, workflow.StageWorkMonitoring); err != nil {
			t.Fatalf("monitor %s: %v", id, err)
		}
	}
	b, _ := eng.Bundle(ctx, first.BundleID, op)
	if b.Status != bundle.StatusActive {
		t.Fatalf("bundle should be active, got %s", b.Status)
	}

	if _, err := eng.Flag(ctx, itemsIDs[1], sup, "needle broke"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Complete(ctx, itemsIDs[0], sup); err != nil {
		t.Fatal(err)
	}
	b, _ = eng.Bundle(ctx, first.BundleID, op)
	if b.Status != bundle.StatusActive {
		t.Fatalf("bundle must stay active while a member is flagged, got %s", b.Status)
	}

	if _, err := eng.ResolveFlag(ctx, itemsIDs[1], sup); err != nil {
		t.Fatal(err)
	}
	done, err := eng.Complete(ctx, itemsIDs[1], sup)
	if err != nil {
		t.Fatal(err)
	}
	b, _ = eng.Bundle(ctx, first.BundleID, op)
	if b.Status != bundle.StatusCompleted {
		t.Fatalf("bundle should complete with its last member, got %s", b.Status)
	}

	stages := make([]workflow.Stage, 0, len(done.History))
	for i, h := range done.History {
		stages = append(stages, h.Stage)
		if i > 0 && !h.EnteredAt.After(done.History[i-1].EnteredAt) {
			t.Fatalf("history timestamps must strictly increase: %+v", done.History)
		}
	}
	want := []workflow.Stage{
		workflow.StageWIPEntry, workflow.StageTemplateMapping, workflow.StageBundleCreation,
		workflow.StageWorkMonitoring, workflow.StageFlagged, workflow.StageWorkMonitoring, workflow.StageCompleted,
	}
	if len(stages) != len(want) {
		t.Fatalf("unexpected history: %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}
