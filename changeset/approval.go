package changeset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"vgraph/cas"
	"vgraph/events"
	"vgraph/ident"
	"vgraph/store"
)

// transition moves a change set to status to inside one transaction. check
// runs against the locked row before the move and may mutate it.
func (m *Manager) transition(ctx context.Context, id ident.ID, actor string, to Status, check func(row *store.ChangeSetRow) error) (*ChangeSet, error) {
	return m.transitionWith(ctx, id, actor, to, check, nil)
}

// transitionWith is transition with extra fields for the history entry and
// the published event.
func (m *Manager) transitionWith(ctx context.Context, id ident.ID, actor string, to Status, check func(row *store.ChangeSetRow) error, extra map[string]string) (*ChangeSet, error) {
	var (
		cs   *ChangeSet
		from Status
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := m.db.GetChangeSetTx(ctx, tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
		}
		if err != nil {
			return err
		}
		from = Status(row.Status)
		if from.Terminal() {
			return fmt.Errorf("%s is %s: %w", id, from, ErrChangeSetInactive)
		}
		if !from.CanTransition(to) {
			return fmt.Errorf("%s to %s: %w", from, to, ErrInvalidTransition)
		}
		if check != nil {
			if err := check(row); err != nil {
				return err
			}
		}

		row.Status = string(to)
		row.UpdatedAt = cas.NowMs()
		if err := m.db.UpdateChangeSet(ctx, tx, *row); err != nil {
			return err
		}
		kind := historyStatus
		if to == StatusApplied {
			kind = historyApply
		}
		data := map[string]interface{}{"from": string(from), "to": string(to)}
		for k, v := range extra {
			data[k] = v
		}
		_, err = m.db.AppendHistory(ctx, tx, store.HistoryEvent{
			Actor:       actor,
			WorkspaceID: row.WorkspaceID,
			ChangeSetID: id,
			Kind:        kind,
			Data:        data,
		})
		if err != nil {
			return err
		}
		cs = fromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Infow("change set status changed", "changeSet", id, "from", from, "to", to, "actor", actor)
	kind := events.ChangeSetStatusChanged
	switch to {
	case StatusAbandoned:
		kind = events.ChangeSetAbandoned
	case StatusApplied:
		kind = events.ChangeSetApplied
	}
	e := events.New(kind, cs.WorkspaceID, id, actor).
		With("from", string(from)).
		With("to", string(to))
	for k, v := range extra {
		e = e.With(k, v)
	}
	m.publish(ctx, e)
	return cs, nil
}

// checkReviewer enforces that the reviewer is not the requester.
func (m *Manager) checkReviewer(row *store.ChangeSetRow, actor string) error {
	if m.opts.AllowSelfApproval || row.MergeRequestedBy == nil {
		return nil
	}
	if *row.MergeRequestedBy == actor {
		return fmt.Errorf("%s requested by %s: %w", row.ID, actor, ErrSelfApproval)
	}
	return nil
}

// RequestApproval asks for the change set to be reviewed before apply.
func (m *Manager) RequestApproval(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusNeedsApproval, func(row *store.ChangeSetRow) error {
		now := cas.NowMs()
		row.MergeRequestedBy = &actor
		row.MergeRequestedAt = &now
		row.ReviewedBy = nil
		row.ReviewedAt = nil
		return nil
	})
}

// Approve marks a pending change set approved.
func (m *Manager) Approve(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusApproved, func(row *store.ChangeSetRow) error {
		if err := m.checkReviewer(row, actor); err != nil {
			return err
		}
		now := cas.NowMs()
		row.ReviewedBy = &actor
		row.ReviewedAt = &now
		return nil
	})
}

// Reject marks a pending change set rejected.
func (m *Manager) Reject(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusRejected, func(row *store.ChangeSetRow) error {
		if err := m.checkReviewer(row, actor); err != nil {
			return err
		}
		now := cas.NowMs()
		row.ReviewedBy = &actor
		row.ReviewedAt = &now
		return nil
	})
}

// Reopen returns a pending, approved or rejected change set to open and
// clears its review.
func (m *Manager) Reopen(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusOpen, func(row *store.ChangeSetRow) error {
		row.MergeRequestedBy = nil
		row.MergeRequestedAt = nil
		row.ReviewedBy = nil
		row.ReviewedAt = nil
		return nil
	})
}

// RequestAbandonApproval asks for a reviewer to confirm abandoning.
func (m *Manager) RequestAbandonApproval(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	if err := m.refuseHead(ctx, id); err != nil {
		return nil, err
	}
	return m.transition(ctx, id, actor, StatusNeedsAbandonApproval, func(row *store.ChangeSetRow) error {
		now := cas.NowMs()
		row.MergeRequestedBy = &actor
		row.MergeRequestedAt = &now
		row.ReviewedBy = nil
		row.ReviewedAt = nil
		return nil
	})
}

// ApproveAbandon confirms a pending abandon request.
func (m *Manager) ApproveAbandon(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusAbandoned, func(row *store.ChangeSetRow) error {
		if Status(row.Status) != StatusNeedsAbandonApproval {
			return fmt.Errorf("%s is %s: %w", row.ID, row.Status, ErrInvalidTransition)
		}
		if err := m.checkReviewer(row, actor); err != nil {
			return err
		}
		now := cas.NowMs()
		row.ReviewedBy = &actor
		row.ReviewedAt = &now
		return nil
	})
}

// RejectAbandon declines a pending abandon request, reopening the change
// set.
func (m *Manager) RejectAbandon(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	return m.transition(ctx, id, actor, StatusOpen, func(row *store.ChangeSetRow) error {
		if Status(row.Status) != StatusNeedsAbandonApproval {
			return fmt.Errorf("%s is %s: %w", row.ID, row.Status, ErrInvalidTransition)
		}
		if err := m.checkReviewer(row, actor); err != nil {
			return err
		}
		row.MergeRequestedBy = nil
		row.MergeRequestedAt = nil
		return nil
	})
}

// Abandon abandons an active change set directly. HEAD cannot be
// abandoned.
func (m *Manager) Abandon(ctx context.Context, id ident.ID, actor string) (*ChangeSet, error) {
	if err := m.refuseHead(ctx, id); err != nil {
		return nil, err
	}
	return m.transition(ctx, id, actor, StatusAbandoned, nil)
}

func (m *Manager) refuseHead(ctx context.Context, id ident.ID) error {
	cs, err := m.Find(ctx, id)
	if err != nil {
		return err
	}
	head, err := m.IsHead(ctx, cs)
	if err != nil {
		return err
	}
	if head {
		return fmt.Errorf("%s: %w", id, ErrCannotAbandonHead)
	}
	return nil
}

// Rename changes an active change set's name.
func (m *Manager) Rename(ctx context.Context, id ident.ID, name, actor string) (*ChangeSet, error) {
	var (
		cs  *ChangeSet
		old string
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := m.db.GetChangeSetTx(ctx, tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
		}
		if err != nil {
			return err
		}
		if Status(row.Status).Terminal() {
			return fmt.Errorf("%s is %s: %w", id, row.Status, ErrChangeSetInactive)
		}
		old = row.Name
		row.Name = name
		row.UpdatedAt = cas.NowMs()
		if err := m.db.UpdateChangeSet(ctx, tx, *row); err != nil {
			return err
		}
		_, err = m.db.AppendHistory(ctx, tx, store.HistoryEvent{
			Actor:       actor,
			WorkspaceID: row.WorkspaceID,
			ChangeSetID: id,
			Kind:        historyRename,
			Data:        map[string]interface{}{"from": old, "to": name},
		})
		if err != nil {
			return err
		}
		cs = fromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.New(events.ChangeSetRenamed, cs.WorkspaceID, id, actor).
		With("from", old).
		With("to", name))
	return cs, nil
}
