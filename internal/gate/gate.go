package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"acceptgate/internal/branch"
	"acceptgate/internal/domain"
	"acceptgate/internal/events"
	"acceptgate/internal/repo"
)

// DefaultServiceUser is stamped on sign-offs created by automatic
// reconciliation instead of a human actor.
const DefaultServiceUser = "acceptance-gate"

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Branches    branch.Service
	ServiceUser string
	Now         func() time.Time
}

func New(db *sql.DB, branches branch.Service) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Branches:    branches,
		ServiceUser: DefaultServiceUser,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- effective-criteria resolution ---

// ResolveGoverningAssignment maps a branch path to the assignment that
// governs it: the branch's own assignment when it is a project branch,
// otherwise its parent's. The highest project iteration wins.
func (e Engine) ResolveGoverningAssignment(ctx context.Context, branchPath string) (domain.AcceptanceCriteria, error) {
	a, err := e.Repo.LatestAssignment(ctx, branchPath)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return a, err
	}
	parent := domain.ParentPath(branchPath)
	if parent == "" {
		return a, repo.ErrNotFound
	}
	return e.Repo.LatestAssignment(ctx, parent)
}

// ApplicableItems returns the catalog entries selected for branchPath's
// level in the assignment, sorted in display order. A selected id missing
// from the catalog is a data-integrity error, not silently dropped.
func (e Engine) ApplicableItems(ctx context.Context, a domain.AcceptanceCriteria, branchPath string) ([]domain.CriteriaItem, error) {
	ids := a.SelectedTaskIDs
	if branchPath == a.BranchPath {
		ids = a.SelectedProjectIDs
	}
	byID, err := e.Repo.CriteriaItemsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]domain.CriteriaItem, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("assignment %s#%d references unknown criteria item %s", a.BranchPath, a.ProjectIteration, id)
		}
		items = append(items, item)
	}
	domain.SortItems(items)
	return items, nil
}

// MarkCompleteness projects ledger state onto the items: Complete is set
// for each item with a sign-off in the branch's iteration scope. Read-only;
// nothing is persisted.
func (e Engine) MarkCompleteness(ctx context.Context, items []domain.CriteriaItem, a domain.AcceptanceCriteria, branchPath string) ([]domain.CriteriaItem, error) {
	if len(items) == 0 {
		return items, nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	signOffs, err := e.Repo.ListSignOffs(ctx, branchPath, iterationScope(a, branchPath), ids)
	if err != nil {
		return nil, err
	}
	complete := make(map[string]bool, len(signOffs))
	for _, s := range signOffs {
		complete[s.CriteriaItemID] = true
	}
	out := make([]domain.CriteriaItem, len(items))
	for i, item := range items {
		item.Complete = complete[item.ID]
		out[i] = item
	}
	return out, nil
}

// EffectiveCriteria resolves the completeness-annotated criteria governing
// a branch path. Returns repo.ErrNotFound when no assignment governs it.
func (e Engine) EffectiveCriteria(ctx context.Context, branchPath string) ([]domain.CriteriaItem, error) {
	a, err := e.ResolveGoverningAssignment(ctx, branchPath)
	if err != nil {
		return nil, err
	}
	items, err := e.ApplicableItems(ctx, a, branchPath)
	if err != nil {
		return nil, err
	}
	return e.MarkCompleteness(ctx, items, a, branchPath)
}

// iterationScope returns the ledger iteration key for a branch under an
// assignment: the assignment's iteration at project level, nil (implicit)
// at task level.
func iterationScope(a domain.AcceptanceCriteria, branchPath string) *int {
	if branchPath == a.BranchPath {
		iter := a.ProjectIteration
		return &iter
	}
	return nil
}

// newSignOff builds a ledger entry for the branch, choosing the project or
// task variant from whether the branch is the assignment's own path.
func (e Engine) newSignOff(itemID, branchPath string, a domain.AcceptanceCriteria, userID string, headTime int64) (domain.SignOff, error) {
	s := domain.SignOff{
		ID:                  uuid.New().String(),
		CriteriaItemID:      itemID,
		Branch:              branchPath,
		UserID:              userID,
		Timestamp:           e.now().UTC().Format(time.RFC3339),
		BranchHeadTimestamp: headTime,
	}
	if branchPath == a.BranchPath {
		if a.ProjectIteration < 0 {
			return s, InvalidError{Reason: "project iteration must be non-negative"}
		}
		iter := a.ProjectIteration
		s.ProjectIteration = &iter
	}
	return s, nil
}

// --- manual accept / reject workflow ---

// Accept marks a manual criteria item complete for a branch, after the full
// validation chain. One ledger row is created; nothing else is touched.
func (e Engine) Accept(ctx context.Context, branchPath, itemID, userID string) (domain.SignOff, error) {
	_, a, err := e.validateWorkflow(ctx, branchPath, itemID, userID)
	if err != nil {
		return domain.SignOff{}, err
	}
	headTime, err := e.Branches.HeadTimestamp(ctx, branchPath)
	if err != nil {
		return domain.SignOff{}, ForbiddenError{Reason: fmt.Sprintf("branch head lookup failed for %s", branchPath)}
	}
	s, err := e.newSignOff(itemID, branchPath, a, userID, headTime)
	if err != nil {
		return domain.SignOff{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SignOff{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetSignOff(ctx, itemID, branchPath, s.ProjectIteration); err == nil {
		return domain.SignOff{}, fmt.Errorf("sign-off exists for %s on %s: %w", itemID, branchPath, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.SignOff{}, err
	}
	if err := e.Repo.InsertSignOff(ctx, tx, s); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.SignOff{}, fmt.Errorf("sign-off exists for %s on %s: %w", itemID, branchPath, repo.ErrConflict)
		}
		return domain.SignOff{}, err
	}
	if err := e.Events.Append(ctx, tx, "signoff.accepted", branchPath, "signoff", s.ID, userID, events.EventPayload{
		"criteria_item_id":  itemID,
		"project_iteration": s.ProjectIteration,
	}); err != nil {
		return domain.SignOff{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SignOff{}, err
	}
	return s, nil
}

// Reject removes the ledger entry for a manual item on a branch. Fails
// NotFound when no sign-off exists to delete.
func (e Engine) Reject(ctx context.Context, branchPath, itemID, userID string) error {
	_, a, err := e.validateWorkflow(ctx, branchPath, itemID, userID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSignOff(ctx, tx, itemID, branchPath, iterationScope(a, branchPath)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "signoff.rejected", branchPath, "signoff", itemID, userID, events.EventPayload{
		"criteria_item_id": itemID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// validateWorkflow runs the shared accept/reject validation chain: the item
// exists, is manual, the user holds its role on an existing branch, the
// branch is governed, and the item is part of the governing selection.
func (e Engine) validateWorkflow(ctx context.Context, branchPath, itemID, userID string) (domain.CriteriaItem, domain.AcceptanceCriteria, error) {
	var a domain.AcceptanceCriteria
	item, err := e.Repo.GetCriteriaItem(ctx, itemID)
	if err != nil {
		return item, a, err
	}
	if !item.Manual {
		return item, a, ForbiddenError{Reason: fmt.Sprintf("criteria item %s is not manually acceptable", itemID)}
	}
	exists, err := e.Branches.Exists(ctx, branchPath)
	if err != nil {
		return item, a, ForbiddenError{Reason: fmt.Sprintf("branch lookup failed for %s", branchPath)}
	}
	if !exists {
		return item, a, fmt.Errorf("branch %s: %w", branchPath, repo.ErrNotFound)
	}
	if item.RequiredRole != "" {
		ok, err := branch.HasRole(ctx, e.Branches, item.RequiredRole, branchPath, userID)
		if err != nil {
			return item, a, ForbiddenError{Reason: fmt.Sprintf("role lookup failed for %s", branchPath)}
		}
		if !ok {
			return item, a, ForbiddenError{Reason: fmt.Sprintf("role %s required on %s", item.RequiredRole, branchPath)}
		}
	}
	a, err = e.ResolveGoverningAssignment(ctx, branchPath)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return item, a, fmt.Errorf("no acceptance criteria for branch %s: %w", branchPath, repo.ErrNotFound)
		}
		return item, a, err
	}
	selected := a.SelectedTaskIDs
	if branchPath == a.BranchPath {
		selected = a.SelectedProjectIDs
	}
	if !contains(selected, itemID) {
		return item, a, InvalidError{Reason: fmt.Sprintf("criteria item %s is not configured for branch %s", itemID, branchPath)}
	}
	return item, a, nil
}

// --- criteria catalog administration ---

func (e Engine) CreateCriteriaItem(ctx context.Context, item domain.CriteriaItem, actorID string) (domain.CriteriaItem, error) {
	if err := validateCriteriaItem(item); err != nil {
		return item, err
	}
	item.Complete = false
	if err := e.Repo.InsertCriteriaItem(ctx, item); err != nil {
		return item, err
	}
	e.appendEvent(ctx, "criteria.created", "", "criteria_item", item.ID, actorID, events.EventPayload{"label": item.Label})
	return item, nil
}

func (e Engine) UpdateCriteriaItem(ctx context.Context, item domain.CriteriaItem, actorID string) (domain.CriteriaItem, error) {
	if err := validateCriteriaItem(item); err != nil {
		return item, err
	}
	item.Complete = false
	if err := e.Repo.UpdateCriteriaItem(ctx, item); err != nil {
		return item, err
	}
	e.appendEvent(ctx, "criteria.updated", "", "criteria_item", item.ID, actorID, events.EventPayload{"label": item.Label})
	return item, nil
}

func (e Engine) DeleteCriteriaItem(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteCriteriaItem(ctx, id); err != nil {
		return err
	}
	e.appendEvent(ctx, "criteria.deleted", "", "criteria_item", id, actorID, nil)
	return nil
}

func validateCriteriaItem(item domain.CriteriaItem) error {
	if item.ID == "" {
		return InvalidError{Reason: "id is required"}
	}
	if item.Label == "" {
		return InvalidError{Reason: "label is required"}
	}
	switch item.AuthoringLevel {
	case domain.LevelCodeSystem, domain.LevelProject, domain.LevelTask:
	default:
		return InvalidError{Reason: fmt.Sprintf("invalid authoring level %q", item.AuthoringLevel)}
	}
	return nil
}

// --- assignment administration ---

// SetCriteria creates or replaces the assignment for a project branch and
// iteration. Every selected id must exist in the catalog at the matching
// authoring level.
func (e Engine) SetCriteria(ctx context.Context, a domain.AcceptanceCriteria, actorID string) (domain.AcceptanceCriteria, error) {
	if a.BranchPath == "" {
		return a, InvalidError{Reason: "branch_path is required"}
	}
	if a.ProjectIteration < 0 {
		return a, InvalidError{Reason: "project_iteration must be non-negative"}
	}
	if err := e.validateSelection(ctx, a.SelectedProjectIDs, domain.LevelProject); err != nil {
		return a, err
	}
	if err := e.validateSelection(ctx, a.SelectedTaskIDs, domain.LevelTask); err != nil {
		return a, err
	}
	a.CreatedBy = actorID
	_, err := e.Repo.GetAssignment(ctx, a.BranchPath, a.ProjectIteration)
	switch {
	case err == nil:
		if err := e.Repo.UpdateAssignment(ctx, a); err != nil {
			return a, err
		}
	case errors.Is(err, repo.ErrNotFound):
		a.CreatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.InsertAssignment(ctx, a); err != nil {
			return a, err
		}
	default:
		return a, err
	}
	e.appendEvent(ctx, "criteria.assigned", a.BranchPath, "assignment", fmt.Sprintf("%s#%d", a.BranchPath, a.ProjectIteration), actorID, events.EventPayload{
		"project_iteration": a.ProjectIteration,
		"project_items":     a.SelectedProjectIDs,
		"task_items":        a.SelectedTaskIDs,
	})
	return a, nil
}

func (e Engine) validateSelection(ctx context.Context, ids []string, level string) error {
	byID, err := e.Repo.CriteriaItemsByID(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return InvalidError{Reason: fmt.Sprintf("unknown criteria item %s", id)}
		}
		if item.AuthoringLevel != level {
			return InvalidError{Reason: fmt.Sprintf("criteria item %s is %s-level, not %s", id, item.AuthoringLevel, level)}
		}
	}
	return nil
}

// --- promotion gating ---

// ValidatePromotion blocks a promotion while any mandatory applicable item
// for the project branch's current iteration is incomplete.
func (e Engine) ValidatePromotion(ctx context.Context, branchPath string) error {
	a, err := e.ResolveGoverningAssignment(ctx, branchPath)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Ungoverned branches promote freely.
			return nil
		}
		return err
	}
	items, err := e.ApplicableItems(ctx, a, branchPath)
	if err != nil {
		return err
	}
	items, err = e.MarkCompleteness(ctx, items, a, branchPath)
	if err != nil {
		return err
	}
	var incomplete []string
	for _, item := range items {
		if item.Mandatory && !item.Complete {
			incomplete = append(incomplete, item.ID)
		}
	}
	if len(incomplete) > 0 {
		return IncompleteCriteriaError{BranchPath: branchPath, ItemIDs: incomplete}
	}
	return nil
}

// AdvanceIteration creates the next iteration's assignment for a promoted
// project branch, inheriting the selected sets. The assignment primary key
// turns a racing advance into repo.ErrConflict instead of a blind
// increment.
func (e Engine) AdvanceIteration(ctx context.Context, branchPath, actorID string) (domain.AcceptanceCriteria, error) {
	current, err := e.Repo.LatestAssignment(ctx, branchPath)
	if err != nil {
		return domain.AcceptanceCriteria{}, err
	}
	next := domain.AcceptanceCriteria{
		BranchPath:         current.BranchPath,
		ProjectIteration:   current.ProjectIteration + 1,
		SelectedProjectIDs: current.SelectedProjectIDs,
		SelectedTaskIDs:    current.SelectedTaskIDs,
		CreatedAt:          e.now().UTC().Format(time.RFC3339),
		CreatedBy:          actorID,
	}
	if err := e.Repo.InsertAssignment(ctx, next); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return next, fmt.Errorf("iteration already advanced for %s: %w", branchPath, repo.ErrConflict)
		}
		return next, err
	}
	e.appendEvent(ctx, "iteration.advanced", branchPath, "assignment", fmt.Sprintf("%s#%d", next.BranchPath, next.ProjectIteration), actorID, events.EventPayload{
		"project_iteration": next.ProjectIteration,
	})
	return next, nil
}

// appendEvent writes a standalone event row; failures are swallowed since
// events are advisory relative to the primary mutation.
func (e Engine) appendEvent(ctx context.Context, evtType, branchPath, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, branchPath, entityKind, entityID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
