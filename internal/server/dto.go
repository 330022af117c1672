package server

import "acceptgate/internal/domain"

type CriteriaItemRequest struct {
	ID              string `json:"id,omitempty" example:"TASK_CONTENT_REVIEWED"`
	Label           string `json:"label" example:"Content reviewed"`
	Description     string `json:"description,omitempty"`
	Order           int    `json:"order" example:"20"`
	AuthoringLevel  string `json:"authoring_level" enum:"CODE_SYSTEM,PROJECT,TASK"`
	Mandatory       bool   `json:"mandatory"`
	Manual          bool   `json:"manual"`
	ExpiresOnCommit bool   `json:"expires_on_commit"`
	RequiredRole    string `json:"required_role,omitempty" example:"REVIEWER"`
}

func (r CriteriaItemRequest) toDomain(id string) domain.CriteriaItem {
	if id == "" {
		id = r.ID
	}
	return domain.CriteriaItem{
		ID:              id,
		Label:           r.Label,
		Description:     r.Description,
		Order:           r.Order,
		AuthoringLevel:  r.AuthoringLevel,
		Mandatory:       r.Mandatory,
		Manual:          r.Manual,
		ExpiresOnCommit: r.ExpiresOnCommit,
		RequiredRole:    r.RequiredRole,
	}
}

type SetCriteriaRequest struct {
	BranchPath         string   `json:"branch_path" example:"MAIN/PROJECT-A"`
	ProjectIteration   int      `json:"project_iteration" example:"0"`
	SelectedProjectIDs []string `json:"selected_project_criteria_ids"`
	SelectedTaskIDs    []string `json:"selected_task_criteria_ids"`
}

type SignOffRequest struct {
	Branch         string `json:"branch" example:"MAIN/PROJECT-A/TASK-10"`
	CriteriaItemID string `json:"criteria_item_id" example:"TASK_CONTENT_REVIEWED"`
}

type CommitAccepted struct {
	Status           string                     `json:"status" example:"accepted"`
	NextAssignment   *domain.AcceptanceCriteria `json:"next_assignment,omitempty"`
	ReconcileQueued  bool                       `json:"reconcile_queued"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// CreateAPIKeyResponse carries the plaintext key exactly once; only its
// hash is stored.
type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeySummary struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}
