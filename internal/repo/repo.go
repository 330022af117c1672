package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"acceptgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// --- criteria catalog ---

func (r Repo) InsertCriteriaItem(ctx context.Context, item domain.CriteriaItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO criteria_items(id,label,description,ord,authoring_level,mandatory,manual,expires_on_commit,required_role)
VALUES (?,?,?,?,?,?,?,?,?)`,
		item.ID, item.Label, nullable(item.Description), item.Order, item.AuthoringLevel,
		boolInt(item.Mandatory), boolInt(item.Manual), boolInt(item.ExpiresOnCommit), nullable(item.RequiredRole))
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) UpdateCriteriaItem(ctx context.Context, item domain.CriteriaItem) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE criteria_items SET label=?, description=?, ord=?, authoring_level=?, mandatory=?, manual=?, expires_on_commit=?, required_role=? WHERE id=?`,
		item.Label, nullable(item.Description), item.Order, item.AuthoringLevel,
		boolInt(item.Mandatory), boolInt(item.Manual), boolInt(item.ExpiresOnCommit), nullable(item.RequiredRole), item.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCriteriaItem(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM criteria_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const criteriaItemColumns = `id,label,COALESCE(description,''),ord,authoring_level,mandatory,manual,expires_on_commit,COALESCE(required_role,'')`

func scanCriteriaItem(scan func(dest ...any) error) (domain.CriteriaItem, error) {
	var item domain.CriteriaItem
	var mandatory, manual, expires int
	err := scan(&item.ID, &item.Label, &item.Description, &item.Order, &item.AuthoringLevel, &mandatory, &manual, &expires, &item.RequiredRole)
	if err != nil {
		return item, err
	}
	item.Mandatory = mandatory != 0
	item.Manual = manual != 0
	item.ExpiresOnCommit = expires != 0
	return item, nil
}

func (r Repo) GetCriteriaItem(ctx context.Context, id string) (domain.CriteriaItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+criteriaItemColumns+` FROM criteria_items WHERE id=?`, id)
	item, err := scanCriteriaItem(row.Scan)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	return item, err
}

func (r Repo) ListCriteriaItems(ctx context.Context) ([]domain.CriteriaItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+criteriaItemColumns+` FROM criteria_items ORDER BY ord ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CriteriaItem
	for rows.Next() {
		item, err := scanCriteriaItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CriteriaItemsByID loads the named catalog entries, keyed by id. Missing
// ids are simply absent from the result; callers decide whether that is an
// integrity error.
func (r Repo) CriteriaItemsByID(ctx context.Context, ids []string) (map[string]domain.CriteriaItem, error) {
	res := make(map[string]domain.CriteriaItem, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := `SELECT ` + criteriaItemColumns + ` FROM criteria_items WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanCriteriaItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[item.ID] = item
	}
	return res, rows.Err()
}

// --- acceptance criteria assignments ---

func (r Repo) InsertAssignment(ctx context.Context, a domain.AcceptanceCriteria) error {
	projectJSON, err := marshalIDs(a.SelectedProjectIDs)
	if err != nil {
		return err
	}
	taskJSON, err := marshalIDs(a.SelectedTaskIDs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO acceptance_criteria(branch_path,project_iteration,project_criteria_json,task_criteria_json,created_at,created_by)
VALUES (?,?,?,?,?,?)`,
		a.BranchPath, a.ProjectIteration, projectJSON, taskJSON, a.CreatedAt, nullable(a.CreatedBy))
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) UpdateAssignment(ctx context.Context, a domain.AcceptanceCriteria) error {
	projectJSON, err := marshalIDs(a.SelectedProjectIDs)
	if err != nil {
		return err
	}
	taskJSON, err := marshalIDs(a.SelectedTaskIDs)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE acceptance_criteria SET project_criteria_json=?, task_criteria_json=? WHERE branch_path=? AND project_iteration=?`,
		projectJSON, taskJSON, a.BranchPath, a.ProjectIteration)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const assignmentColumns = `branch_path,project_iteration,project_criteria_json,task_criteria_json,created_at,COALESCE(created_by,'')`

func scanAssignment(scan func(dest ...any) error) (domain.AcceptanceCriteria, error) {
	var a domain.AcceptanceCriteria
	var projectJSON, taskJSON string
	err := scan(&a.BranchPath, &a.ProjectIteration, &projectJSON, &taskJSON, &a.CreatedAt, &a.CreatedBy)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(projectJSON), &a.SelectedProjectIDs); err != nil {
		return a, fmt.Errorf("assignment %s#%d project ids: %w", a.BranchPath, a.ProjectIteration, err)
	}
	if err := json.Unmarshal([]byte(taskJSON), &a.SelectedTaskIDs); err != nil {
		return a, fmt.Errorf("assignment %s#%d task ids: %w", a.BranchPath, a.ProjectIteration, err)
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, branchPath string, iteration int) (domain.AcceptanceCriteria, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM acceptance_criteria WHERE branch_path=? AND project_iteration=?`, branchPath, iteration)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// LatestAssignment returns the assignment with the highest iteration for
// the branch path.
func (r Repo) LatestAssignment(ctx context.Context, branchPath string) (domain.AcceptanceCriteria, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM acceptance_criteria WHERE branch_path=? ORDER BY project_iteration DESC LIMIT 1`, branchPath)
	a, err := scanAssignment(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAssignments(ctx context.Context, branchPath string) ([]domain.AcceptanceCriteria, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM acceptance_criteria WHERE branch_path=? ORDER BY project_iteration DESC`, branchPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AcceptanceCriteria
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- sign-off ledger ---

const signOffColumns = `id,criteria_item_id,branch,project_iteration,user_id,ts,branch_head_ts`

func scanSignOff(scan func(dest ...any) error) (domain.SignOff, error) {
	var s domain.SignOff
	var iteration sql.NullInt64
	err := scan(&s.ID, &s.CriteriaItemID, &s.Branch, &iteration, &s.UserID, &s.Timestamp, &s.BranchHeadTimestamp)
	if err != nil {
		return s, err
	}
	if iteration.Valid {
		v := int(iteration.Int64)
		s.ProjectIteration = &v
	}
	return s, nil
}

func iterationClause(iteration *int) (string, []any) {
	if iteration == nil {
		return "project_iteration IS NULL", nil
	}
	return "project_iteration=?", []any{*iteration}
}

// GetSignOff looks up the single ledger entry for an item/branch/iteration
// tuple. Task-level entries are addressed with a nil iteration.
func (r Repo) GetSignOff(ctx context.Context, itemID, branch string, iteration *int) (domain.SignOff, error) {
	clause, args := iterationClause(iteration)
	query := `SELECT ` + signOffColumns + ` FROM sign_offs WHERE criteria_item_id=? AND branch=? AND ` + clause
	row := r.DB.QueryRowContext(ctx, query, append([]any{itemID, branch}, args...)...)
	s, err := scanSignOff(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListSignOffs returns ledger entries for a branch and iteration scope,
// optionally restricted to a set of item ids.
func (r Repo) ListSignOffs(ctx context.Context, branch string, iteration *int, itemIDs []string) ([]domain.SignOff, error) {
	clause, iterArgs := iterationClause(iteration)
	clauses := []string{"branch=?", clause}
	args := append([]any{branch}, iterArgs...)
	if len(itemIDs) > 0 {
		clauses = append(clauses, "criteria_item_id IN (?"+strings.Repeat(",?", len(itemIDs)-1)+")")
		for _, id := range itemIDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + signOffColumns + ` FROM sign_offs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ts DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SignOff
	for rows.Next() {
		s, err := scanSignOff(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertSignOff(ctx context.Context, tx *sql.Tx, s domain.SignOff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sign_offs(id,criteria_item_id,branch,project_iteration,user_id,ts,branch_head_ts) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.CriteriaItemID, s.Branch, nullableIntPtr(s.ProjectIteration), s.UserID, s.Timestamp, s.BranchHeadTimestamp)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) DeleteSignOff(ctx context.Context, tx *sql.Tx, itemID, branch string, iteration *int) error {
	clause, args := iterationClause(iteration)
	query := `DELETE FROM sign_offs WHERE criteria_item_id=? AND branch=? AND ` + clause
	res, err := tx.ExecContext(ctx, query, append([]any{itemID, branch}, args...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSignOffs removes ledger entries for a set of item ids on one
// branch/iteration scope. Used by the commit reconciler's revoke batch.
func (r Repo) DeleteSignOffs(ctx context.Context, tx *sql.Tx, itemIDs []string, branch string, iteration *int) error {
	if len(itemIDs) == 0 {
		return nil
	}
	clause, iterArgs := iterationClause(iteration)
	query := `DELETE FROM sign_offs WHERE branch=? AND ` + clause +
		` AND criteria_item_id IN (?` + strings.Repeat(",?", len(itemIDs)-1) + `)`
	args := append([]any{branch}, iterArgs...)
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, branch, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if branch != "" {
		clauses = append(clauses, "branch=?")
		args = append(args, branch)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(branch,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(branch,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Branch, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
