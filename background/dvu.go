package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"vgraph/changeset"
	"vgraph/ident"
	"vgraph/snapshot"
	"vgraph/store"
)

var dvuProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vgraph_dvu_roots_processed_total",
	Help: "Dependent value roots processed by result",
}, []string{"result"})

// RecomputeFunc updates the values depending on valueID inside snap.
type RecomputeFunc func(ctx context.Context, snap *snapshot.WorkspaceSnapshot, valueID ident.ID) error

// maxPointerAttempts bounds how often a drain restarts because another
// writer moved the change set's pointer.
const maxPointerAttempts = 3

// DVUWorker drains dependent value roots: for each active change set with
// roots it recomputes every root, removes it, writes the snapshot and moves
// the change set's pointer.
type DVUWorker struct {
	db        *store.DB
	mgr       *changeset.Manager
	recompute RecomputeFunc
	log       *zap.SugaredLogger
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
}

// NewDVUWorker creates a worker. A nil recompute only clears the roots.
func NewDVUWorker(db *store.DB, mgr *changeset.Manager, recompute RecomputeFunc, log *zap.SugaredLogger, interval time.Duration) *DVUWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if recompute == nil {
		recompute = func(context.Context, *snapshot.WorkspaceSnapshot, ident.ID) error { return nil }
	}
	return &DVUWorker{
		db:        db,
		mgr:       mgr,
		recompute: recompute,
		log:       log,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the processing loop.
func (w *DVUWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop to stop and waits for it.
func (w *DVUWorker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *DVUWorker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Warnw("dependent value update pass failed", "error", err)
			}
		}
	}
}

// RunOnce processes every active change set once and returns the number of
// roots drained.
func (w *DVUWorker) RunOnce(ctx context.Context) (int, error) {
	workspaces, err := w.db.ListWorkspaces(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ws := range workspaces {
		sets, err := w.mgr.List(ctx, ws.ID, changeset.ActiveStatuses...)
		if err != nil {
			return total, err
		}
		for _, cs := range sets {
			n, err := w.process(ctx, cs)
			total += n
			if err != nil {
				w.log.Warnw("dependent value update failed", "changeSet", cs.ID, "error", err)
			}
		}
	}
	return total, nil
}

// process drains the roots of cs. The pointer only moves if it still names
// the snapshot the roots were read from; otherwise the drain starts over on
// the newer snapshot.
func (w *DVUWorker) process(ctx context.Context, cs *changeset.ChangeSet) (int, error) {
	for attempt := 1; ; attempt++ {
		n, err := w.drain(ctx, cs)
		if !errors.Is(err, changeset.ErrStalePointer) || attempt >= maxPointerAttempts {
			return n, err
		}
		dvuProcessed.WithLabelValues("stale").Inc()
		w.log.Debugw("pointer moved during dependent value update, retrying", "changeSet", cs.ID, "attempt", attempt)
		if cs, err = w.mgr.Find(ctx, cs.ID); err != nil {
			return 0, err
		}
	}
}

func (w *DVUWorker) drain(ctx context.Context, cs *changeset.ChangeSet) (int, error) {
	snap, err := w.mgr.SnapshotAt(ctx, cs.SnapshotAddress)
	if err != nil {
		return 0, err
	}
	roots, err := snap.DependentValueRoots()
	if err != nil || len(roots) == 0 {
		return 0, err
	}

	for _, value := range roots {
		if err := w.recompute(ctx, snap, value); err != nil {
			dvuProcessed.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("recomputing %s: %w", value, err)
		}
		if err := snap.RemoveDependentValueRoot(value); err != nil {
			return 0, err
		}
	}

	addr, err := snap.Write(ctx)
	if err != nil {
		return 0, err
	}
	if addr != cs.SnapshotAddress {
		if _, err := w.mgr.UpdatePointerFrom(ctx, cs.ID, cs.SnapshotAddress, addr, "dvu"); err != nil {
			return 0, err
		}
	}
	dvuProcessed.WithLabelValues("done").Add(float64(len(roots)))
	w.log.Debugw("drained dependent value roots", "changeSet", cs.ID, "roots", len(roots), "address", addr.Short())
	return len(roots), nil
}
