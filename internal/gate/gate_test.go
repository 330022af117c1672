package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"acceptgate/internal/branch"
	"acceptgate/internal/db"
	"acceptgate/internal/domain"
	"acceptgate/internal/gate"
	"acceptgate/internal/migrate"
	"acceptgate/internal/repo"
)

const (
	projectBranch = "MAIN/PROJECT-A"
	taskBranch    = "MAIN/PROJECT-A/TASK-10"
)

type testEnv struct {
	Engine   gate.Engine
	Branches *branch.Static
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	branches := &branch.Static{
		Branches: map[string]int64{
			projectBranch: 100,
			taskBranch:    100,
		},
		Roles: map[string]map[string][]string{
			projectBranch: {
				"lead":   {"PROJECT_LEAD"},
				"author": {"AUTHOR"},
			},
			taskBranch: {
				"rev":    {"REVIEWER"},
				"author": {"AUTHOR"},
			},
		},
	}
	e := gate.New(conn, branches)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	items := []domain.CriteriaItem{
		{ID: "PROJECT_CLEAN_CLASSIFICATION", Label: "Project classified", Order: 10, AuthoringLevel: domain.LevelProject, Mandatory: true, ExpiresOnCommit: true, RequiredRole: "AUTHOR"},
		{ID: "TASK_CLEAN_CLASSIFICATION", Label: "Task classified", Order: 10, AuthoringLevel: domain.LevelTask, Mandatory: true, ExpiresOnCommit: true, RequiredRole: "AUTHOR"},
		{ID: "PROJECT_SCOPE_REVIEWED", Label: "Scope reviewed", Order: 20, AuthoringLevel: domain.LevelProject, Mandatory: true, Manual: true, RequiredRole: "PROJECT_LEAD"},
		{ID: "TASK_CONTENT_REVIEWED", Label: "Content reviewed", Order: 20, AuthoringLevel: domain.LevelTask, Mandatory: true, Manual: true, RequiredRole: "REVIEWER"},
		{ID: "TASK_EXTRA_CHECK", Label: "Extra check", Order: 30, AuthoringLevel: domain.LevelTask, Manual: true, ExpiresOnCommit: true},
	}
	for _, item := range items {
		if _, err := e.CreateCriteriaItem(ctx, item, "tester"); err != nil {
			t.Fatalf("seed item %s: %v", item.ID, err)
		}
	}
	if _, err := e.SetCriteria(ctx, domain.AcceptanceCriteria{
		BranchPath:         projectBranch,
		ProjectIteration:   0,
		SelectedProjectIDs: []string{"PROJECT_CLEAN_CLASSIFICATION", "PROJECT_SCOPE_REVIEWED"},
		SelectedTaskIDs:    []string{"TASK_CLEAN_CLASSIFICATION", "TASK_CONTENT_REVIEWED", "TASK_EXTRA_CHECK"},
	}, "tester"); err != nil {
		t.Fatalf("set criteria: %v", err)
	}
	return testEnv{Engine: e, Branches: branches, Ctx: ctx}
}

func TestAcceptRejectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.ProjectIteration != nil {
		t.Fatalf("task-level sign-off should have nil iteration, got %d", *s.ProjectIteration)
	}
	if s.BranchHeadTimestamp != 100 {
		t.Fatalf("head timestamp = %d, want 100", s.BranchHeadTimestamp)
	}

	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("double accept: want ErrConflict, got %v", err)
	}

	if err := env.Engine.Reject(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := env.Engine.Reject(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("reject absent: want ErrNotFound, got %v", err)
	}

	// accept again after reject
	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); err != nil {
		t.Fatalf("re-accept: %v", err)
	}
}

func TestAcceptRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "nobody")
	var fe gate.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want ForbiddenError, got %v", err)
	}
	// item without a required role is open to any authenticated user
	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_EXTRA_CHECK", "nobody"); err != nil {
		t.Fatalf("accept roleless item: %v", err)
	}
}

func TestAcceptNonManualItemForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CLEAN_CLASSIFICATION", "author")
	var fe gate.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want ForbiddenError for non-manual item, got %v", err)
	}
}

func TestAcceptItemNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateCriteriaItem(env.Ctx, domain.CriteriaItem{
		ID: "TASK_UNASSIGNED", Label: "Unassigned", AuthoringLevel: domain.LevelTask, Manual: true,
	}, "tester"); err != nil {
		t.Fatalf("create item: %v", err)
	}
	_, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_UNASSIGNED", "rev")
	var ie gate.InvalidError
	if !errors.As(err, &ie) {
		t.Fatalf("want InvalidError, got %v", err)
	}
}

func TestAcceptUnknownBranchAndCollaboratorFailure(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Accept(env.Ctx, "MAIN/NOPE", "TASK_CONTENT_REVIEWED", "rev"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown branch: want ErrNotFound, got %v", err)
	}
	// an unreachable collaborator denies, never silently succeeds
	env.Branches.Err = errors.New("upstream down")
	_, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev")
	var fe gate.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want ForbiddenError on collaborator failure, got %v", err)
	}
}

func TestAcceptUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "NO_SUCH_ITEM", "rev"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEffectiveCriteriaResolution(t *testing.T) {
	env := newTestEnv(t)
	items, err := env.Engine.EffectiveCriteria(env.Ctx, taskBranch)
	if err != nil {
		t.Fatalf("effective task criteria: %v", err)
	}
	wantOrder := []string{"TASK_CLEAN_CLASSIFICATION", "TASK_CONTENT_REVIEWED", "TASK_EXTRA_CHECK"}
	if len(items) != len(wantOrder) {
		t.Fatalf("got %d items, want %d", len(items), len(wantOrder))
	}
	for i, id := range wantOrder {
		if items[i].ID != id {
			t.Fatalf("items[%d] = %s, want %s", i, items[i].ID, id)
		}
		if items[i].Complete {
			t.Fatalf("item %s should start incomplete", id)
		}
	}

	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	items, err = env.Engine.EffectiveCriteria(env.Ctx, taskBranch)
	if err != nil {
		t.Fatalf("effective after accept: %v", err)
	}
	for _, item := range items {
		if item.ID == "TASK_CONTENT_REVIEWED" && !item.Complete {
			t.Fatalf("TASK_CONTENT_REVIEWED should be complete")
		}
	}

	// project branch sees the project-level selection
	items, err = env.Engine.EffectiveCriteria(env.Ctx, projectBranch)
	if err != nil {
		t.Fatalf("effective project criteria: %v", err)
	}
	if len(items) != 2 || items[0].ID != "PROJECT_CLEAN_CLASSIFICATION" || items[1].ID != "PROJECT_SCOPE_REVIEWED" {
		t.Fatalf("unexpected project items: %+v", items)
	}

	if _, err := env.Engine.EffectiveCriteria(env.Ctx, "MAIN/OTHER"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("ungoverned branch: want ErrNotFound, got %v", err)
	}
}

func TestProjectSignOffCarriesIteration(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Accept(env.Ctx, projectBranch, "PROJECT_SCOPE_REVIEWED", "lead")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.ProjectIteration == nil || *s.ProjectIteration != 0 {
		t.Fatalf("project sign-off iteration = %v, want 0", s.ProjectIteration)
	}
}

func TestSetCriteriaValidatesSelection(t *testing.T) {
	env := newTestEnv(t)
	var ie gate.InvalidError
	_, err := env.Engine.SetCriteria(env.Ctx, domain.AcceptanceCriteria{
		BranchPath:         projectBranch,
		ProjectIteration:   1,
		SelectedProjectIDs: []string{"NO_SUCH_ITEM"},
	}, "tester")
	if !errors.As(err, &ie) {
		t.Fatalf("unknown id: want InvalidError, got %v", err)
	}
	// level mismatch: a task item cannot be selected at project level
	_, err = env.Engine.SetCriteria(env.Ctx, domain.AcceptanceCriteria{
		BranchPath:         projectBranch,
		ProjectIteration:   1,
		SelectedProjectIDs: []string{"TASK_CONTENT_REVIEWED"},
	}, "tester")
	if !errors.As(err, &ie) {
		t.Fatalf("level mismatch: want InvalidError, got %v", err)
	}
}

func TestPromotionGatingAndIterationAdvance(t *testing.T) {
	env := newTestEnv(t)

	err := env.Engine.ValidatePromotion(env.Ctx, projectBranch)
	var ce gate.IncompleteCriteriaError
	if !errors.As(err, &ce) {
		t.Fatalf("want IncompleteCriteriaError, got %v", err)
	}
	if len(ce.ItemIDs) != 2 {
		t.Fatalf("incomplete ids = %v, want both mandatory items", ce.ItemIDs)
	}

	if _, err := env.Engine.Accept(env.Ctx, projectBranch, "PROJECT_SCOPE_REVIEWED", "lead"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// classification completes through a classified commit
	if err := env.Engine.ProcessCommit(env.Ctx, domain.CommitInformation{
		Path:       projectBranch,
		CommitType: domain.CommitContent,
		HeadTime:   101,
		Metadata:   map[string]map[string]string{"internal": {"classified": "true"}},
	}, "author"); err != nil {
		t.Fatalf("process commit: %v", err)
	}
	if err := env.Engine.ValidatePromotion(env.Ctx, projectBranch); err != nil {
		t.Fatalf("promotion should pass: %v", err)
	}

	next, err := env.Engine.AdvanceIteration(env.Ctx, projectBranch, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if next.ProjectIteration != 1 {
		t.Fatalf("next iteration = %d, want 1", next.ProjectIteration)
	}
	if len(next.SelectedProjectIDs) != 2 || len(next.SelectedTaskIDs) != 3 {
		t.Fatalf("selections not inherited: %+v", next)
	}

	// a racing advance that targets the same iteration loses
	if err := env.Engine.Repo.InsertAssignment(env.Ctx, next); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate iteration: want ErrConflict, got %v", err)
	}

	// the new iteration starts with a clean project-level ledger
	err = env.Engine.ValidatePromotion(env.Ctx, projectBranch)
	if !errors.As(err, &ce) {
		t.Fatalf("new iteration should gate again, got %v", err)
	}
}

func TestUngovernedBranchPromotesFreely(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ValidatePromotion(env.Ctx, "MAIN/OTHER"); err != nil {
		t.Fatalf("ungoverned promotion: %v", err)
	}
}
