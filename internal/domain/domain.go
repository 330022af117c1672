package domain

import (
	"sort"
	"strings"
)

// Authoring levels a criteria item can be defined at.
const (
	LevelCodeSystem = "CODE_SYSTEM"
	LevelProject    = "PROJECT"
	LevelTask       = "TASK"
)

// Well-known catalog ids the commit reconciler acts on.
const (
	ProjectCleanClassification = "PROJECT_CLEAN_CLASSIFICATION"
	TaskCleanClassification    = "TASK_CLEAN_CLASSIFICATION"
)

// Commit types delivered by the terminology server.
const (
	CommitContent   = "CONTENT"
	CommitRebase    = "REBASE"
	CommitPromotion = "PROMOTION"
)

type CriteriaItem struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	Description     string `json:"description,omitempty"`
	Order           int    `json:"order"`
	AuthoringLevel  string `json:"authoring_level" enum:"CODE_SYSTEM,PROJECT,TASK"`
	Mandatory       bool   `json:"mandatory"`
	Manual          bool   `json:"manual"`
	ExpiresOnCommit bool   `json:"expires_on_commit"`
	RequiredRole    string `json:"required_role,omitempty"`
	// Complete is a projection flag set when reporting effective criteria;
	// it is never written back to the catalog.
	Complete bool `json:"complete"`
}

// Compare orders items by Order ascending, ties broken by ID.
func (c CriteriaItem) Compare(o CriteriaItem) int {
	if c.Order != o.Order {
		if c.Order < o.Order {
			return -1
		}
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}

// SortItems sorts criteria items in display order.
func SortItems(items []CriteriaItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Compare(items[j]) < 0 })
}

// AcceptanceCriteria names which catalog items govern a project branch and
// its task branches for one project iteration.
type AcceptanceCriteria struct {
	BranchPath         string   `json:"branch_path"`
	ProjectIteration   int      `json:"project_iteration"`
	SelectedProjectIDs []string `json:"selected_project_criteria_ids"`
	SelectedTaskIDs    []string `json:"selected_task_criteria_ids"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	CreatedBy          string   `json:"created_by,omitempty"`
}

// SignOff records that one criteria item is satisfied for a branch.
// ProjectIteration is set for project-level sign-offs and nil for
// task-level ones, which are implicitly scoped to whichever iteration
// currently governs the parent project.
type SignOff struct {
	ID                  string `json:"id"`
	CriteriaItemID      string `json:"criteria_item_id"`
	Branch              string `json:"branch"`
	ProjectIteration    *int   `json:"project_iteration,omitempty"`
	UserID              string `json:"user_id"`
	Timestamp           string `json:"timestamp" format:"date-time"`
	BranchHeadTimestamp int64  `json:"branch_head_timestamp"`
}

// CommitInformation is the notification payload for a branch commit.
type CommitInformation struct {
	Path       string                       `json:"path"`
	CommitType string                       `json:"commit_type" enum:"CONTENT,REBASE,PROMOTION"`
	HeadTime   int64                        `json:"head_time"`
	Metadata   map[string]map[string]string `json:"metadata,omitempty"`
}

// Classified reports whether the commit metadata marks the branch as
// cleanly classified. Absent metadata means not classified.
func (c CommitInformation) Classified() bool {
	internal, ok := c.Metadata["internal"]
	if !ok {
		return false
	}
	return internal["classified"] == "true"
}

// ParentPath returns the branch path up to the last '/' separator, or ""
// for a root branch.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Branch     string `json:"branch,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
