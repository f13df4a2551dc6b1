package changeset

import (
	"context"
	"errors"

	"vgraph/graph"
	"vgraph/layercache"
	"vgraph/snapshot"
	"vgraph/store"
)

var (
	ErrChangeSetNotFound = errors.New("change set not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrChangeSetInactive = errors.New("change set is no longer active")
	ErrInvalidTransition = errors.New("invalid change set status transition")
	ErrCannotApplyToSelf = errors.New("cannot apply change set to itself")
	ErrNoBaseChangeSet   = errors.New("change set has no base change set")
	ErrNotApproved       = errors.New("change set is not approved")
	ErrSelfApproval      = errors.New("change set cannot be reviewed by its requester")
	ErrDVURootsNotEmpty  = errors.New("dependent value updates are still pending")
	ErrCannotAbandonHead = errors.New("cannot abandon the workspace's HEAD change set")
	ErrRebaseFailed      = errors.New("rebase failed")
	ErrRebaseTimeout     = errors.New("timed out waiting for rebase")
	ErrDVUTimeout        = errors.New("timed out waiting for dependent value updates")
	ErrStalePointer      = errors.New("change set pointer moved")
)

// IsNotFound reports whether err means a referenced record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChangeSetNotFound) ||
		errors.Is(err, ErrWorkspaceNotFound) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, graph.ErrNodeNotFound) ||
		errors.Is(err, graph.ErrEdgeNotFound) ||
		errors.Is(err, layercache.ErrNotFound)
}

// IsPolicy reports whether err is a refusal by the change set rules rather
// than a failure.
func IsPolicy(err error) bool {
	for _, target := range []error{
		ErrChangeSetInactive, ErrInvalidTransition, ErrCannotApplyToSelf,
		ErrNoBaseChangeSet, ErrNotApproved, ErrSelfApproval,
		ErrDVURootsNotEmpty, ErrCannotAbandonHead,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsStructural reports whether err is a graph integrity violation.
func IsStructural(err error) bool {
	return errors.Is(err, graph.ErrWouldCreateCycle) ||
		errors.Is(err, graph.ErrInvalidOrder) ||
		errors.Is(err, graph.ErrNotOrdered) ||
		errors.Is(err, graph.ErrCannotRemoveRoot) ||
		errors.Is(err, graph.ErrInvalidKind)
}

// IsTimeout reports whether err is a bounded wait running out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRebaseTimeout) ||
		errors.Is(err, ErrDVUTimeout) ||
		errors.Is(err, snapshot.ErrSnapshotNotFetched) ||
		errors.Is(err, context.DeadlineExceeded)
}
