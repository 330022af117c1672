package gate

import "fmt"

// ForbiddenError covers role failures, non-manual item misuse, and an
// unreachable branch collaborator (denied by policy, never silently ok).
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// InvalidError indicates caller-correctable input, such as accepting an
// item that is not part of the branch's configured criteria.
type InvalidError struct {
	Reason string
}

func (e InvalidError) Error() string { return e.Reason }

// IncompleteCriteriaError blocks a promotion while mandatory items remain
// unsatisfied.
type IncompleteCriteriaError struct {
	BranchPath string
	ItemIDs    []string
}

func (e IncompleteCriteriaError) Error() string {
	return fmt.Sprintf("mandatory acceptance criteria incomplete for %s: %v", e.BranchPath, e.ItemIDs)
}
