// Package rebaser applies rebase batches to change sets. It is the server
// side of the rpc boundary: ApplyToBaseChangeSet sends a request naming a
// batch and a target, and Service.Handle performs it.
package rebaser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vgraph/cas"
	"vgraph/changeset"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/pack"
	"vgraph/rpc"
)

var tracer = otel.Tracer("vgraph.rebaser")

var (
	rebaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_rebase_total",
		Help: "Rebase requests handled by result",
	}, []string{"result"})

	rebaseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vgraph_rebase_seconds",
		Help:    "Time to apply a rebase batch to its target",
		Buckets: prometheus.DefBuckets,
	})

	correctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_rebase_corrections_total",
		Help: "Updates dropped or rewritten while rebasing, by rule",
	}, []string{"rule", "action"})

	replayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_rebase_replays_total",
		Help: "Replays of HEAD updates onto active change sets by result",
	}, []string{"result"})
)

// maxPointerAttempts bounds how often a rebase restarts because another
// writer moved the change set's pointer.
const maxPointerAttempts = 3

// DefaultReplayConcurrency bounds how many change sets a HEAD update is
// replayed onto at once.
const DefaultReplayConcurrency = 4

// Service handles rebase requests against the change sets of a Manager.
type Service struct {
	mgr               *changeset.Manager
	log               *zap.SugaredLogger
	replayConcurrency int

	locksMu sync.Mutex
	locks   map[ident.ID]*sync.Mutex
}

// New creates a rebaser. replayConcurrency <= 0 uses the default.
func New(mgr *changeset.Manager, log *zap.SugaredLogger, replayConcurrency int) *Service {
	if replayConcurrency <= 0 {
		replayConcurrency = DefaultReplayConcurrency
	}
	return &Service{
		mgr:               mgr,
		log:               log,
		replayConcurrency: replayConcurrency,
		locks:             make(map[ident.ID]*sync.Mutex),
	}
}

// lock serializes work on one change set and returns the unlock function.
func (s *Service) lock(id ident.ID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Handle implements rpc.Handler.
func (s *Service) Handle(ctx context.Context, req rpc.Request) rpc.Reply {
	ctx, span := tracer.Start(ctx, "rebaser.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("request", req.ID),
		attribute.String("target", req.ToRebaseChangeSetID.String()),
		attribute.String("batch", req.RebaseBatchAddress.String()),
	)

	start := time.Now()
	addr, err := s.handle(ctx, req)
	rebaseSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		rebaseTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warnw("rebase failed", "request", req.ID, "target", req.ToRebaseChangeSetID, "error", err)
		return rpc.Failure(req, err)
	}
	rebaseTotal.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("address", addr.String()))
	return rpc.Success(req, addr)
}

func (s *Service) handle(ctx context.Context, req rpc.Request) (cas.Hash, error) {
	updates, err := s.loadBatch(ctx, req.RebaseBatchAddress)
	if err != nil {
		return cas.ZeroHash, err
	}

	target := req.ToRebaseChangeSetID
	head, err := s.mgr.Head(ctx, req.WorkspaceID)
	if err != nil {
		return cas.ZeroHash, err
	}
	updatingHead := head.ID == target
	fromDifferent := !updatingHead && req.FromChangeSetID != nil && *req.FromChangeSetID != target

	addr, err := s.rebaseOne(ctx, target, updates, fromDifferent, req.Actor)
	if err != nil {
		return cas.ZeroHash, err
	}

	if updatingHead {
		s.replay(ctx, req, updates)
	}
	return addr, nil
}

func (s *Service) loadBatch(ctx context.Context, addr pack.RebaseBatchAddress) ([]graph.Update, error) {
	blob, err := s.mgr.CAS().ReadWaitForMemory(ctx, addr.Hash)
	if err != nil {
		return nil, fmt.Errorf("reading rebase batch %s: %w", addr, err)
	}
	updates, err := pack.DecodeBatch(addr.Kind, blob)
	if err != nil {
		return nil, fmt.Errorf("decoding rebase batch %s: %w", addr, err)
	}
	return updates, nil
}

// rebaseOne corrects and performs updates on one change set's snapshot,
// writes it and moves the pointer. A pointer moved by another writer in the
// meantime restarts the attempt from the new snapshot.
func (s *Service) rebaseOne(ctx context.Context, id ident.ID, updates []graph.Update, fromDifferent bool, actor string) (cas.Hash, error) {
	unlock := s.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		addr, err := s.tryRebase(ctx, id, updates, fromDifferent, actor)
		if errors.Is(err, changeset.ErrStalePointer) && attempt < maxPointerAttempts {
			s.log.Debugw("pointer moved during rebase, retrying", "changeSet", id, "attempt", attempt)
			continue
		}
		return addr, err
	}
}

func (s *Service) tryRebase(ctx context.Context, id ident.ID, updates []graph.Update, fromDifferent bool, actor string) (cas.Hash, error) {
	cs, err := s.mgr.Find(ctx, id)
	if err != nil {
		return cas.ZeroHash, err
	}
	if cs.Status.Terminal() {
		return cas.ZeroHash, fmt.Errorf("%s is %s: %w", id, cs.Status, changeset.ErrChangeSetInactive)
	}

	snap, err := s.mgr.SnapshotAt(ctx, cs.SnapshotAddress)
	if err != nil {
		return cas.ZeroHash, err
	}
	corrected, reports, err := snap.CorrectTransforms(ctx, updates, fromDifferent)
	if err != nil {
		return cas.ZeroHash, fmt.Errorf("correcting updates: %w", err)
	}
	for _, r := range reports {
		correctionsTotal.WithLabelValues(r.Rule, string(r.Action)).Inc()
	}
	if err := snap.PerformUpdates(ctx, corrected); err != nil {
		return cas.ZeroHash, fmt.Errorf("performing updates: %w", err)
	}
	addr, err := snap.Write(ctx)
	if err != nil {
		return cas.ZeroHash, err
	}
	if addr == cs.SnapshotAddress {
		return addr, nil
	}
	if _, err := s.mgr.UpdatePointerFrom(ctx, id, cs.SnapshotAddress, addr, actor); err != nil {
		return cas.ZeroHash, err
	}

	s.log.Infow("rebased change set",
		"changeSet", id,
		"updates", len(updates),
		"corrections", len(reports),
		"address", addr.Short(),
	)
	return addr, nil
}

// replay applies a HEAD update to every other active change set of the
// workspace, including those under review, so they keep tracking HEAD.
// Failures are logged; HEAD has already moved.
func (s *Service) replay(ctx context.Context, req rpc.Request, updates []graph.Update) {
	active, err := s.mgr.List(ctx, req.WorkspaceID, changeset.ActiveStatuses...)
	if err != nil {
		s.log.Warnw("listing change sets for replay failed", "workspace", req.WorkspaceID, "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.replayConcurrency)
	for _, cs := range active {
		if cs.ID == req.ToRebaseChangeSetID {
			continue
		}
		if req.FromChangeSetID != nil && cs.ID == *req.FromChangeSetID {
			continue
		}
		id := cs.ID
		g.Go(func() error {
			if _, err := s.rebaseOne(gctx, id, updates, true, req.Actor); err != nil {
				replayTotal.WithLabelValues("error").Inc()
				s.log.Warnw("replaying HEAD update failed", "changeSet", id, "error", err)
				return nil
			}
			replayTotal.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = g.Wait()
}
