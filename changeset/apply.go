package changeset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vgraph/cas"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/pack"
	"vgraph/rpc"
)

// resolveBase returns the change set cs applies onto: its base, or the
// workspace HEAD when it has none. It does no snapshot I/O.
func (m *Manager) resolveBase(ctx context.Context, cs *ChangeSet) (*ChangeSet, error) {
	if cs.BaseChangeSetID == nil {
		head, err := m.Head(ctx, cs.WorkspaceID)
		if IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", cs.ID, ErrNoBaseChangeSet)
		}
		if err != nil {
			return nil, err
		}
		if head.ID == cs.ID {
			return nil, fmt.Errorf("%s: %w", cs.ID, ErrCannotApplyToSelf)
		}
		return head, nil
	}

	if *cs.BaseChangeSetID == cs.ID {
		return nil, fmt.Errorf("%s: %w", cs.ID, ErrCannotApplyToSelf)
	}
	base, err := m.Find(ctx, *cs.BaseChangeSetID)
	if errors.Is(err, ErrChangeSetNotFound) {
		return nil, fmt.Errorf("base %s of %s: %w", *cs.BaseChangeSetID, cs.ID, ErrNoBaseChangeSet)
	}
	if err != nil {
		return nil, err
	}
	return base, nil
}

// ApplyToBaseChangeSet sends the change set's updates to the rebaser for its
// base change set, waits for the reply and marks the change set applied.
// When the reply does not arrive in time the change set is left as it was.
func (m *Manager) ApplyToBaseChangeSet(ctx context.Context, id ident.ID, actor string) (cs *ChangeSet, err error) {
	ctx, span := tracer.Start(ctx, "changeset.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("change_set", id.String()))
	defer func() {
		result := "applied"
		switch {
		case err == nil:
		case IsPolicy(err):
			result = "refused"
		case IsTimeout(err):
			result = "timeout"
		default:
			result = "error"
		}
		applyTotal.WithLabelValues(result).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	cs, err = m.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Status.Terminal() {
		return nil, fmt.Errorf("%s is %s: %w", id, cs.Status, ErrChangeSetInactive)
	}
	base, err := m.resolveBase(ctx, cs)
	if err != nil {
		return nil, err
	}
	if m.opts.RequireApproval && cs.Status != StatusApproved {
		return nil, fmt.Errorf("%s is %s: %w", id, cs.Status, ErrNotApproved)
	}
	if !cs.Status.CanTransition(StatusApplied) {
		return nil, fmt.Errorf("%s to %s: %w", cs.Status, StatusApplied, ErrInvalidTransition)
	}

	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := snap.HasDependentValueRoots()
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, fmt.Errorf("%s: %w", id, ErrDVURootsNotEmpty)
	}

	updates, err := m.detect(ctx, base, cs)
	if err != nil {
		return nil, fmt.Errorf("detecting updates: %w", err)
	}
	span.SetAttributes(
		attribute.String("base_change_set", base.ID.String()),
		attribute.Int("updates", len(updates)),
	)

	if len(updates) > 0 {
		if err := m.rebaseOnto(ctx, cs, base, updates, actor); err != nil {
			return nil, err
		}
	} else {
		m.log.Debugw("no updates to apply", "changeSet", id, "base", base.ID)
	}

	return m.transitionWith(ctx, id, actor, StatusApplied, nil, map[string]string{"base": base.ID.String()})
}

// rebaseOnto stores updates as a rebase batch and waits for the rebaser to
// apply it to base.
func (m *Manager) rebaseOnto(ctx context.Context, cs, base *ChangeSet, updates []graph.Update, actor string) error {
	if m.rebase == nil {
		return fmt.Errorf("no rebase client configured: %w", ErrRebaseFailed)
	}
	blob, err := pack.EncodeBatch(m.opts.BatchKind, updates)
	if err != nil {
		return fmt.Errorf("encoding rebase batch: %w", err)
	}
	// Registered so the retention sweeper collects the batch once it ages.
	hash := cas.Sum(blob)
	err = m.db.Retain(ctx, hash, func(ctx context.Context) error {
		_, perr := m.cas.Put(ctx, blob)
		return perr
	})
	if err != nil {
		return fmt.Errorf("storing rebase batch: %w", err)
	}

	from := cs.ID
	req := rpc.Request{
		WorkspaceID:         cs.WorkspaceID,
		ToRebaseChangeSetID: base.ID,
		RebaseBatchAddress:  pack.RebaseBatchAddress{Kind: m.opts.BatchKind, Hash: hash},
		FromChangeSetID:     &from,
		Actor:               actor,
	}
	p, err := m.rebase.Send(ctx, req)
	if err != nil {
		return fmt.Errorf("sending rebase request: %w", err)
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, m.opts.RebaseTimeout)
	defer cancel()
	reply, err := p.Wait(waitCtx)
	rebaseWaitSeconds.Observe(time.Since(start).Seconds())
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		m.log.Warnw("rebase reply timed out", "changeSet", cs.ID, "base", base.ID, "request", p.RequestID(), "timeout", m.opts.RebaseTimeout)
		return fmt.Errorf("request %s after %s: %w", p.RequestID(), m.opts.RebaseTimeout, ErrRebaseTimeout)
	}
	if err != nil {
		return fmt.Errorf("waiting for rebase: %w", err)
	}
	if !reply.OK() {
		return fmt.Errorf("%s: %w", reply.Message, ErrRebaseFailed)
	}

	m.log.Infow("rebase applied", "changeSet", cs.ID, "base", base.ID, "address", reply.Address.Short(), "updates", len(updates))
	return nil
}

// WaitForDVU blocks until the change set has no dependent value roots left.
// With withTimeout the wait is bounded by the DVU wait timeout.
func (m *Manager) WaitForDVU(ctx context.Context, id ident.ID, withTimeout bool) error {
	if withTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DVUWaitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(m.opts.DVUPollInterval)
	defer ticker.Stop()
	for {
		snap, err := m.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		pending, err := snap.HasDependentValueRoots()
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}

		select {
		case <-ctx.Done():
			if withTimeout && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s after %s: %w", id, m.opts.DVUWaitTimeout, ErrDVUTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
