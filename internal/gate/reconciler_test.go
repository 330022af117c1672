package gate_test

import (
	"errors"
	"testing"

	"acceptgate/internal/domain"
)

func classifiedCommit(path, commitType string, head int64) domain.CommitInformation {
	return domain.CommitInformation{
		Path:       path,
		CommitType: commitType,
		HeadTime:   head,
		Metadata:   map[string]map[string]string{"internal": {"classified": "true"}},
	}
}

func unclassifiedCommit(path, commitType string, head int64) domain.CommitInformation {
	return domain.CommitInformation{
		Path:       path,
		CommitType: commitType,
		HeadTime:   head,
	}
}

func itemComplete(t *testing.T, env testEnv, branchPath, itemID string) bool {
	t.Helper()
	items, err := env.Engine.EffectiveCriteria(env.Ctx, branchPath)
	if err != nil {
		t.Fatalf("effective criteria: %v", err)
	}
	for _, item := range items {
		if item.ID == itemID {
			return item.Complete
		}
	}
	t.Fatalf("item %s not in effective criteria for %s", itemID, branchPath)
	return false
}

func TestClassifiedContentCommitAutoAcceptsTaskItem(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 101), "author"); err != nil {
		t.Fatalf("process commit: %v", err)
	}
	if !itemComplete(t, env, taskBranch, "TASK_CLEAN_CLASSIFICATION") {
		t.Fatalf("TASK_CLEAN_CLASSIFICATION should be auto-accepted")
	}
	signOffs, err := env.Engine.Repo.ListSignOffs(env.Ctx, taskBranch, nil, []string{"TASK_CLEAN_CLASSIFICATION"})
	if err != nil {
		t.Fatalf("list sign-offs: %v", err)
	}
	if len(signOffs) != 1 {
		t.Fatalf("got %d sign-offs, want 1", len(signOffs))
	}
	if signOffs[0].UserID != env.Engine.ServiceUser {
		t.Fatalf("auto sign-off user = %s, want %s", signOffs[0].UserID, env.Engine.ServiceUser)
	}
	if signOffs[0].BranchHeadTimestamp != 101 {
		t.Fatalf("head timestamp = %d, want 101", signOffs[0].BranchHeadTimestamp)
	}
}

func TestReprocessingIdenticalCommitIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	info := classifiedCommit(taskBranch, domain.CommitContent, 101)
	if err := env.Engine.ProcessCommit(env.Ctx, info, "author"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := env.Engine.ProcessCommit(env.Ctx, info, "author"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	signOffs, err := env.Engine.Repo.ListSignOffs(env.Ctx, taskBranch, nil, []string{"TASK_CLEAN_CLASSIFICATION"})
	if err != nil {
		t.Fatalf("list sign-offs: %v", err)
	}
	if len(signOffs) != 1 {
		t.Fatalf("got %d sign-offs after reprocess, want 1", len(signOffs))
	}
}

func TestUnclassifiedCommitRevokesExpiringItems(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 101), "author"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	// a manually accepted expiring item is also revoked
	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_EXTRA_CHECK", "rev"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// non-expiring manual work survives commits
	if _, err := env.Engine.Accept(env.Ctx, taskBranch, "TASK_CONTENT_REVIEWED", "rev"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := env.Engine.ProcessCommit(env.Ctx, unclassifiedCommit(taskBranch, domain.CommitRebase, 102), "author"); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if itemComplete(t, env, taskBranch, "TASK_CLEAN_CLASSIFICATION") {
		t.Fatalf("classification should be revoked after unclassified rebase")
	}
	if itemComplete(t, env, taskBranch, "TASK_EXTRA_CHECK") {
		t.Fatalf("expiring manual item should be revoked")
	}
	if !itemComplete(t, env, taskBranch, "TASK_CONTENT_REVIEWED") {
		t.Fatalf("non-expiring item should survive")
	}
}

func TestClassifiedCommitShieldsCompleteItemFromExpiry(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 101), "author"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	// still classified on the next commit: the item stays complete
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 102), "author"); err != nil {
		t.Fatalf("second classify: %v", err)
	}
	if !itemComplete(t, env, taskBranch, "TASK_CLEAN_CLASSIFICATION") {
		t.Fatalf("classification should remain complete")
	}
}

func TestPromotionCommitAutoAcceptsProjectItem(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(projectBranch, domain.CommitPromotion, 103), "author"); err != nil {
		t.Fatalf("process commit: %v", err)
	}
	if !itemComplete(t, env, projectBranch, "PROJECT_CLEAN_CLASSIFICATION") {
		t.Fatalf("PROJECT_CLEAN_CLASSIFICATION should be auto-accepted")
	}
	iter := 0
	signOffs, err := env.Engine.Repo.ListSignOffs(env.Ctx, projectBranch, &iter, []string{"PROJECT_CLEAN_CLASSIFICATION"})
	if err != nil {
		t.Fatalf("list sign-offs: %v", err)
	}
	if len(signOffs) != 1 || signOffs[0].ProjectIteration == nil || *signOffs[0].ProjectIteration != 0 {
		t.Fatalf("project auto sign-off should be scoped to iteration 0: %+v", signOffs)
	}
	if itemComplete(t, env, projectBranch, "PROJECT_SCOPE_REVIEWED") {
		t.Fatalf("manual project item must not be auto-accepted")
	}
}

func TestActorWithoutRoleDoesNotAutoAccept(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 101), "nobody"); err != nil {
		t.Fatalf("process commit: %v", err)
	}
	if itemComplete(t, env, taskBranch, "TASK_CLEAN_CLASSIFICATION") {
		t.Fatalf("actor without AUTHOR role must not trigger auto-accept")
	}
}

func TestRoleLookupFailureStillRevokes(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit(taskBranch, domain.CommitContent, 101), "author"); err != nil {
		t.Fatalf("classify: %v", err)
	}
	env.Branches.Err = errors.New("upstream down")
	if err := env.Engine.ProcessCommit(env.Ctx, unclassifiedCommit(taskBranch, domain.CommitRebase, 102), "author"); err != nil {
		t.Fatalf("rebase with broken collaborator: %v", err)
	}
	env.Branches.Err = nil
	if itemComplete(t, env, taskBranch, "TASK_CLEAN_CLASSIFICATION") {
		t.Fatalf("revocation must not depend on the role lookup")
	}
}

func TestCommitOnUngovernedBranchIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProcessCommit(env.Ctx, classifiedCommit("MAIN/OTHER/TASK-1", domain.CommitContent, 101), "author"); err != nil {
		t.Fatalf("ungoverned commit: %v", err)
	}
}
