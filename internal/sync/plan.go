package sync

import (
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/prefect"
)

// ActionKind is what the reconciler does for a changed deployment file
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionDelete ActionKind = "delete"
)

// Range selects the commits to reconcile. An empty Base selects the Head
// commit only; an empty Head means HEAD.
type Range struct {
	Base string
	Head string
}

// Merge combines r with a later range into one covering both: the earliest
// base and the latest head.
func (r Range) Merge(next Range) Range {
	base := r.Base
	if base == "" && r.Head != "" {
		// r covered only its head commit
		base = r.Head + "^"
	}
	head := next.Head
	if head == "" {
		head = r.Head
	}
	return Range{Base: base, Head: head}
}

// Plan is the ordered list of actions for one reconciliation
type Plan struct {
	Commits []string
	Actions []Action
}

// Action is a single create or delete
type Action struct {
	Kind   ActionKind
	Path   string // repository-relative path
	Commit string // first commit that touched Path with this kind
	Op     git.Op
	// Targets are the remote deployments tagged with the file's base name (delete only)
	Targets []prefect.Deployment
}

// Counts returns the number of create and delete actions in the plan
func (p *Plan) Counts() (creates, deletes int) {
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionCreate:
			creates++
		case ActionDelete:
			deletes++
		}
	}
	return creates, deletes
}
