// Package snapshot provides WorkspaceSnapshot, the copy-on-write handle
// through which a change set reads and mutates its graph. A snapshot is
// loaded from a CAS address, cloned lazily on first mutation and written
// back as a new address.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/layercache"
	"vgraph/pack"
)

var ErrSnapshotNotFetched = errors.New("workspace snapshot not fetched")

// Fetch retry defaults. A snapshot written by another process may not be
// readable yet when its address is first seen.
const (
	DefaultFetchAttempts = 5
	DefaultFetchInterval = 5 * time.Millisecond
)

var tracer = otel.Tracer("vgraph.snapshot")

var (
	writesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgraph_snapshot_writes_total",
		Help: "Workspace snapshots written to the CAS",
	})

	writeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vgraph_snapshot_write_seconds",
		Help:    "Time to hash, encode and store a workspace snapshot",
		Buckets: prometheus.DefBuckets,
	})

	cycleChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_cycle_checks_total",
		Help: "Cycle checks run by AddEdge, by result",
	}, []string{"result"})

	fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgraph_snapshot_fetch_retries_total",
		Help: "Snapshot reads retried because the address was not yet readable",
	})
)

// PointerSource resolves a change set to its current snapshot address.
type PointerSource interface {
	SnapshotAddress(ctx context.Context, changeSetID ident.ID) (cas.Hash, error)
}

// Retainer registers an address with the retention sweeper before the blob
// at that address is stored.
type Retainer interface {
	Retain(ctx context.Context, addr cas.Hash, write func(context.Context) error) error
}

// Option configures a WorkspaceSnapshot.
type Option func(*WorkspaceSnapshot)

// WithSlowPool runs CPU-bound work on p instead of DefaultSlowPool.
func WithSlowPool(p *SlowPool) Option {
	return func(s *WorkspaceSnapshot) { s.pool = p }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *WorkspaceSnapshot) { s.log = log }
}

// WithCorrectionPolicy replaces the default correction rules.
func WithCorrectionPolicy(p *graph.CorrectionPolicy) Option {
	return func(s *WorkspaceSnapshot) { s.policy = p }
}

// WithRetainer makes Write register each address through r before storing
// the blob.
func WithRetainer(r Retainer) Option {
	return func(s *WorkspaceSnapshot) { s.retainer = r }
}

// WithFetchRetry overrides the not-yet-readable retry bound used by Find.
func WithFetchRetry(attempts int, interval time.Duration) Option {
	return func(s *WorkspaceSnapshot) {
		if attempts > 0 {
			s.fetchAttempts = attempts
		}
		if interval > 0 {
			s.fetchInterval = interval
		}
	}
}

// WorkspaceSnapshot wraps a graph with copy-on-write semantics. Reads go to
// the working copy when one exists and to the shared base otherwise; the
// first mutation clones the base.
type WorkspaceSnapshot struct {
	store  layercache.Store
	pool   *SlowPool
	log    *zap.SugaredLogger
	policy *graph.CorrectionPolicy

	retainer Retainer

	fetchAttempts int
	fetchInterval time.Duration

	addrMu  sync.Mutex
	address cas.Hash

	mu      sync.RWMutex
	base    *graph.Graph // never mutated; merkle hashes are current
	working *graph.Graph

	cycleChecks atomic.Int32

	dvuMu        sync.Mutex
	dvuRootCheck map[ident.ID]bool

	inferred atomic.Pointer[InferredConnections]
}

func newSnapshot(store layercache.Store, opts []Option) *WorkspaceSnapshot {
	s := &WorkspaceSnapshot{
		store:         store,
		fetchAttempts: DefaultFetchAttempts,
		fetchInterval: DefaultFetchInterval,
		dvuRootCheck:  make(map[ident.ID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = DefaultSlowPool()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.policy == nil {
		s.policy = graph.DefaultCorrectionPolicy()
	}
	return s
}

// FromGraph wraps g, which the snapshot takes ownership of. The snapshot has
// no address until it is written.
func FromGraph(store layercache.Store, g *graph.Graph, opts ...Option) *WorkspaceSnapshot {
	s := newSnapshot(store, opts)
	g.CleanupAndMerkleTreeHash()
	s.base = g
	return s
}

// Initial builds the graph every new workspace starts from: a root with one
// category node per well-known category. The result is written to store.
func Initial(ctx context.Context, store layercache.Store, opts ...Option) (*WorkspaceSnapshot, error) {
	g := graph.NewWithRoot()
	for _, name := range []string{
		graph.CategoryComponent,
		graph.CategorySchema,
		graph.CategoryFunc,
		graph.CategoryView,
		graph.CategoryDependentValueRoot,
	} {
		cat := graph.NewCategory(name)
		if err := g.AddOrReplaceNode(cat); err != nil {
			return nil, fmt.Errorf("adding %s category: %w", name, err)
		}
		if err := g.AddEdge(g.Root(), graph.NewEdge(graph.EdgeContain), cat.ID, false); err != nil {
			return nil, fmt.Errorf("attaching %s category: %w", name, err)
		}
	}

	s := FromGraph(store, g, opts...)
	if _, err := s.Write(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Find loads the snapshot stored at addr. A missing address is retried a
// bounded number of times before failing with ErrSnapshotNotFetched.
func Find(ctx context.Context, store layercache.Store, addr cas.Hash, opts ...Option) (*WorkspaceSnapshot, error) {
	s := newSnapshot(store, opts)

	var (
		blob []byte
		err  error
	)
	for attempt := 1; ; attempt++ {
		blob, err = store.ReadWaitForMemory(ctx, addr)
		if err == nil {
			break
		}
		if !errors.Is(err, layercache.ErrNotFound) {
			return nil, fmt.Errorf("reading snapshot %s: %w", addr.Short(), err)
		}
		if attempt >= s.fetchAttempts {
			return nil, fmt.Errorf("snapshot %s after %d attempts: %w", addr.Short(), attempt, ErrSnapshotNotFetched)
		}
		fetchRetriesTotal.Inc()
		select {
		case <-time.After(s.fetchInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var g *graph.Graph
	err = s.pool.Do(ctx, func() error {
		var derr error
		g, derr = pack.DecodeSnapshot(blob)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", addr.Short(), err)
	}
	s.base = g
	s.address = addr
	return s, nil
}

// FindForChangeSet loads the snapshot the change set currently points at.
func FindForChangeSet(ctx context.Context, store layercache.Store, pointers PointerSource, changeSetID ident.ID, opts ...Option) (*WorkspaceSnapshot, error) {
	addr, err := pointers.SnapshotAddress(ctx, changeSetID)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot of change set %s: %w", changeSetID, err)
	}
	return Find(ctx, store, addr, opts...)
}

// Address returns the address of the last loaded or written state. It is
// zero for a snapshot that has never been written.
func (s *WorkspaceSnapshot) Address() cas.Hash {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.address
}

func (s *WorkspaceSnapshot) setAddress(addr cas.Hash) {
	s.addrMu.Lock()
	s.address = addr
	s.addrMu.Unlock()
}

// Dirty reports whether the snapshot has unwritten mutations.
func (s *WorkspaceSnapshot) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.working != nil
}

// Write garbage-collects and rehashes the graph, stores it and returns the
// new address. The written state becomes the snapshot's new base. Branch
// pointers are left to the caller.
func (s *WorkspaceSnapshot) Write(ctx context.Context) (addr cas.Hash, err error) {
	ctx, span := tracer.Start(ctx, "snapshot.Write")
	defer span.End()
	defer func() {
		if err != nil {
			spanError(span, err)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		if current := s.Address(); !current.IsZero() {
			return current, nil
		}
	}

	start := time.Now()
	g := s.current()
	owned := s.working != nil
	var blob []byte
	err = s.pool.Do(ctx, func() error {
		if owned {
			g.CleanupAndMerkleTreeHash()
		}
		var eerr error
		blob, eerr = pack.EncodeSnapshot(g)
		return eerr
	})
	if err != nil {
		return cas.ZeroHash, fmt.Errorf("encoding snapshot: %w", err)
	}

	put := func(ctx context.Context) error {
		var perr error
		addr, perr = s.store.Put(ctx, blob)
		return perr
	}
	if s.retainer != nil {
		err = s.retainer.Retain(ctx, cas.Sum(blob), put)
	} else {
		err = put(ctx)
	}
	if err != nil {
		return cas.ZeroHash, fmt.Errorf("storing snapshot: %w", err)
	}

	s.base = g
	s.working = nil
	s.setAddress(addr)

	writesTotal.Inc()
	writeSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("snapshot.address", addr.String()),
		attribute.Int("snapshot.nodes", g.NodeCount()),
		attribute.Int("snapshot.bytes", len(blob)),
	)
	s.log.Debugw("wrote workspace snapshot", "address", addr.Short(), "nodes", g.NodeCount(), "bytes", len(blob))
	return addr, nil
}

// Revert discards unwritten mutations and the session's DVU bookkeeping.
func (s *WorkspaceSnapshot) Revert() {
	s.dvuMu.Lock()
	defer s.dvuMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.working = nil
	s.dvuRootCheck = make(map[ident.ID]bool)
	s.inferred.Store(nil)
}

// current returns the graph reads should see. Callers hold s.mu.
func (s *WorkspaceSnapshot) current() *graph.Graph {
	if s.working != nil {
		return s.working
	}
	return s.base
}

// writable returns the working copy, cloning the base on first use. Callers
// hold s.mu for writing.
func (s *WorkspaceSnapshot) writable() *graph.Graph {
	if s.working == nil {
		s.working = s.base.Clone()
	}
	s.inferred.Store(nil)
	return s.working
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
