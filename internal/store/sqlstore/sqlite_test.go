package sqlstore

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

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(SQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	m := s.Migrator()
	status, err := m.Status(ctx)
	if err != nil || len(status) != 1 {
		t.Fatalf("unexpected status %v %v", status, err)
	}
	if _, err := m.Down(ctx); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up again: %v", err)
	}
}

func TestUsersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	created := time.Date(2026, 1, 5, 8, 0, 0, 123, time.UTC)
	u := auth.User{
		ID: "usr_1", Username: "amina", DisplayName: "Amina", Role: auth.RoleSupervisor,
		Permissions: []string{"deny:workflow:bundle_creation"}, Skills: []string{"overlock"},
		Active: true, PasswordHash: "hash", CreatedAt: created,
	}
	if err := s.Users().Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	dup := u
	dup.ID = "usr_2"
	if err := s.Users().Create(ctx, dup); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := s.Users().TouchLastLogin(ctx, u.ID, created.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Users().FindByUsername(ctx, "amina")
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != auth.RoleSupervisor || !got.CreatedAt.Equal(created) || got.LastLoginAt == nil {
		t.Fatalf("unexpected user: %+v", got)
	}
	if len(got.Permissions) != 1 || got.Skills[0] != "overlock" {
		t.Fatalf("lists not decoded: %+v", got)
	}
	if err := s.Users().SetActive(ctx, "usr_missing", false); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	u := auth.User{ID: id, Username: id, DisplayName: id, Role: auth.RoleOperator, Active: true, PasswordHash: "x", CreatedAt: time.Now()}
	if err := s.Users().Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
}

func TestRotateAndRevoke(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	seedUser(t, s, "usr_1")
	now := time.Now().UTC()
	fam := auth.TokenFamily{ID: "fam_1", UserID: "usr_1", Generation: 1, CreatedAt: now, UpdatedAt: now}
	first := auth.RefreshToken{ID: "rt_1", FamilyID: "fam_1", UserID: "usr_1", Generation: 1, TokenHash: "h1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := s.Sessions().CreateFamily(ctx, fam, first); err != nil {
		t.Fatal(err)
	}
	next := first
	next.ID, next.Generation, next.TokenHash = "rt_2", 2, "h2"
	if err := s.Sessions().Rotate(ctx, "fam_1", 1, next); err != nil {
		t.Fatal(err)
	}
	stale := next
	stale.ID = "rt_3"
	if err := s.Sessions().Rotate(ctx, "fam_1", 1, stale); !errors.Is(err, auth.ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
	if _, err := s.Sessions().FindToken(ctx, "rt_3"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("losing rotation must not store its token, got %v", err)
	}
	if err := s.Sessions().Rotate(ctx, "fam_missing", 1, stale); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Sessions().RevokeFamily(ctx, "fam_1"); err != nil {
		t.Fatal(err)
	}
	f, err := s.Sessions().FindFamily(ctx, "fam_1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Generation != 2 || !f.Revoked(2) {
		t.Fatalf("family not revoked: %+v", f)
	}
}

func TestOneOpenBundlePerKey(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	b := bundle.Bundle{ID: "bdl_1", TemplateRef: "T1", WindowStart: start, WindowEnd: start.Add(8 * time.Hour),
		WorkItems: []string{"wi_1"}, Status: bundle.StatusPending, CreatedAt: start, UpdatedAt: start}
	if err := s.Bundles().Insert(ctx, b); err != nil {
		t.Fatal(err)
	}
	dup := b
	dup.ID, dup.WorkItems = "bdl_2", []string{"wi_2"}
	if err := s.Bundles().Insert(ctx, dup); !errors.Is(err, bundle.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.Bundles().AddItem(ctx, "bdl_1", "wi_2", start.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.Bundles().AddItem(ctx, "bdl_1", "wi_2", start.Add(time.Minute)); err != nil {
		t.Fatalf("re-adding a member should be a no-op: %v", err)
	}
	open, err := s.Bundles().FindOpen(ctx, "T1", start)
	if err != nil || len(open.WorkItems) != 2 || open.WorkItems[1] != "wi_2" {
		t.Fatalf("unexpected open bundle %+v %v", open, err)
	}

	for _, step := range []bundle.Status{bundle.StatusActive, bundle.StatusCompleted} {
		from := open.Status
		if err := s.Bundles().SetStatus(ctx, "bdl_1", from, step, start); err != nil {
			t.Fatal(err)
		}
		open.Status = step
	}
	if err := s.Bundles().SetStatus(ctx, "bdl_1", bundle.StatusActive, bundle.StatusFlagged, start); !errors.Is(err, bundle.ErrConflict) {
		t.Fatalf("expected stale status conflict, got %v", err)
	}
	if _, err := s.Bundles().FindOpen(ctx, "T1", start); !errors.Is(err, bundle.ErrNotFound) {
		t.Fatalf("completed bundle must not be open, got %v", err)
	}
	dup.WorkItems = []string{"wi_3"}
	if err := s.Bundles().Insert(ctx, dup); err != nil {
		t.Fatalf("a completed bundle frees its key: %v", err)
	}
}

func TestItemSaveAppendsHistory(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	at := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	item := workflow.WorkItem{
		ID: "wi_1", WorkOrderRef: "WO-1", ProductType: "shirt", Stage: workflow.StageWIPEntry,
		History: []workflow.StageEntry{{Stage: workflow.StageWIPEntry, EnteredAt: at, ActorID: "usr_1"}},
		Version: 1, CreatedBy: "usr_1", CreatedAt: at, UpdatedAt: at,
	}
	if err := s.Items().Insert(ctx, item); err != nil {
		t.Fatal(err)
	}
	again := item
	again.ID = "wi_2"
	if err := s.Items().Insert(ctx, again); !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("duplicate work order must conflict, got %v", err)
	}

	next := item.Clone()
	next.Stage = workflow.StageTemplateMapping
	next.TemplateRef = "T1"
	next.Version = 2
	next.History = append(next.History, workflow.StageEntry{Stage: workflow.StageTemplateMapping, EnteredAt: at.Add(time.Second), ActorID: "usr_2"})
	if err := s.Items().Save(ctx, next, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Items().Save(ctx, next, 1); !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	got, err := s.Items().GetByWorkOrder(ctx, "WO-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || len(got.History) != 2 || got.History[1].ActorID != "usr_2" || got.TemplateRef != "T1" {
		t.Fatalf("unexpected item: %+v", got)
	}
	listed, err := s.Items().ListByStage(ctx, workflow.StageTemplateMapping)
	if err != nil || len(listed) != 1 || len(listed[0].History) != 2 {
		t.Fatalf("unexpected list %+v %v", listed, err)
	}
	if _, err := s.Items().Get(ctx, "wi_missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthServiceOverSQL(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	svc, err := auth.NewService(s, auth.WithSigningKey("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Provision(ctx, auth.NewUser{Username: "Amina", Password: "stitch-2026", Role: auth.RoleOperator}); err != nil {
		t.Fatal(err)
	}
	first, err := svc.Login(ctx, auth.Credentials{Username: "amina", Password: "stitch-2026"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, auth.ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}
	if _, err := svc.Authorize(ctx, second.AccessToken); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("family should be revoked, got %v", err)
	}
}

func TestWorkflowOverSQL(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	clock := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	now := func() time.Time { clock = clock.Add(time.Second); return clock }
	templates, err := catalog.New(catalog.Template{Ref: "T-STITCH", ProductTypes: []string{"shirt"}})
	if err != nil {
		t.Fatal(err)
	}
	eng := workflow.NewEngine(s, templates, bundle.NewRegistry(s.Bundles(), bundle.WithClock(now)), workflow.WithClock(now))
	sup := auth.User{ID: "usr_sup", Role: auth.RoleSupervisor, Active: true}

	item, err := eng.Enter(ctx, sup, workflow.NewWorkItem{WorkOrderRef: "WO-1", ProductType: "shirt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Advance(ctx, item.ID, sup, workflow.StageBundleCreation); !errors.Is(err, workflow.ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition, got %v", err)
	}
	steps := []struct {
		stage workflow.Stage
		opts  []workflow.AdvanceOption
	}{
		{workflow.StageTemplateMapping, []workflow.AdvanceOption{workflow.WithTemplate("T-STITCH")}},
		{workflow.StageBundleCreation, nil},
		{workflow.StageWorkMonitoring, nil},
		{workflow.StageCompleted, nil},
	}
	for _, step := range steps {
		if item, err = eng.Advance(ctx, item.ID, sup, step.stage, step.opts...); err != nil {
			t.Fatalf("advance to %s: %v", step.stage, err)
		}
	}
	stored, err := s.Items().Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Stage != workflow.StageCompleted || len(stored.History) != 5 || stored.Version != 5 {
		t.Fatalf("unexpected stored item: %+v", stored)
	}
	b, err := s.Bundles().Get(ctx, stored.BundleID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != bundle.StatusCompleted || !b.Has(item.ID) {
		t.Fatalf("unexpected bundle: %+v", b)
	}
}
