package gate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"acceptgate/internal/domain"
	"acceptgate/internal/events"
	"acceptgate/internal/repo"
)

// ProcessCommit reconciles the sign-off ledger against a commit
// notification: the two well-known classification items are auto-accepted
// when the branch is classified at the matching level and the acting user
// holds the item's role, and every complete expiring item not re-accepted
// in the same round is revoked. Revocations apply before acceptances.
// Re-processing an identical commit is a no-op.
func (e Engine) ProcessCommit(ctx context.Context, info domain.CommitInformation, actorID string) error {
	a, err := e.ResolveGoverningAssignment(ctx, info.Path)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Absence of governance is a normal state.
			return nil
		}
		return err
	}
	projectLevel := a.BranchPath == info.Path
	taskLevel := a.BranchPath == domain.ParentPath(info.Path)
	if !projectLevel && !taskLevel {
		return nil
	}
	items, err := e.ApplicableItems(ctx, a, info.Path)
	if err != nil {
		return err
	}
	items, err = e.MarkCompleteness(ctx, items, a, info.Path)
	if err != nil {
		return err
	}
	if actorID == "" {
		actorID = e.ServiceUser
	}
	// A failed role lookup denies acceptance; revocation is unconditional
	// either way.
	roles, roleErr := e.Branches.UserRoles(ctx, info.Path, actorID)
	if roleErr != nil {
		roles = nil
	}

	accept := make(map[string]bool)
	var toAccept, toRevoke []string
	for _, item := range items {
		if !e.qualifiesForAutoAccept(item, info, projectLevel, taskLevel, roles) {
			continue
		}
		if item.Complete {
			accept[item.ID] = true // already satisfied; shield from expiry
			continue
		}
		accept[item.ID] = true
		toAccept = append(toAccept, item.ID)
	}
	for _, item := range items {
		if item.ExpiresOnCommit && item.Complete && !accept[item.ID] {
			toRevoke = append(toRevoke, item.ID)
		}
	}
	if len(toAccept) == 0 && len(toRevoke) == 0 {
		return nil
	}

	scope := iterationScope(a, info.Path)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if len(toRevoke) > 0 {
		if err := e.Repo.DeleteSignOffs(ctx, tx, toRevoke, info.Path, scope); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "signoff.expired", info.Path, "commit", info.CommitType, e.ServiceUser, events.EventPayload{
			"criteria_item_ids": toRevoke,
		}); err != nil {
			return err
		}
	}
	for _, itemID := range toAccept {
		s := domain.SignOff{
			ID:                  uuid.New().String(),
			CriteriaItemID:      itemID,
			Branch:              info.Path,
			ProjectIteration:    scope,
			UserID:              e.ServiceUser,
			Timestamp:           e.now().UTC().Format(time.RFC3339),
			BranchHeadTimestamp: info.HeadTime,
		}
		if err := e.Repo.InsertSignOff(ctx, tx, s); err != nil {
			return err
		}
	}
	if len(toAccept) > 0 {
		if err := e.Events.Append(ctx, tx, "signoff.auto-accepted", info.Path, "commit", info.CommitType, e.ServiceUser, events.EventPayload{
			"criteria_item_ids": toAccept,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) qualifiesForAutoAccept(item domain.CriteriaItem, info domain.CommitInformation, projectLevel, taskLevel bool, roles map[string]struct{}) bool {
	if !info.Classified() {
		return false
	}
	switch item.ID {
	case domain.ProjectCleanClassification:
		if !projectLevel {
			return false
		}
	case domain.TaskCleanClassification:
		if !taskLevel {
			return false
		}
	default:
		return false
	}
	if item.RequiredRole == "" {
		return true
	}
	_, ok := roles[item.RequiredRole]
	return ok
}
