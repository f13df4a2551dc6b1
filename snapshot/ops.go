package snapshot

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"vgraph/cas"
	"vgraph/graph"
)

// AddOrReplaceNode adds w or replaces the node with the same ID.
func (s *WorkspaceSnapshot) AddOrReplaceNode(w graph.NodeWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().AddOrReplaceNode(w)
}

// AddOrderedNode adds w together with its ordering satellite.
func (s *WorkspaceSnapshot) AddOrderedNode(w graph.NodeWeight) (graph.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().AddOrderedNode(w)
}

// AddEdge adds an edge, rejecting it with graph.ErrWouldCreateCycle when
// cycle checking is enabled and the edge would close a cycle.
func (s *WorkspaceSnapshot) AddEdge(ctx context.Context, from graph.ID, w graph.EdgeWeight, to graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.writable()
	if !s.CycleCheckEnabled() {
		return g.AddEdge(from, w, to, false)
	}
	return s.checkedAdd(ctx, func() error { return g.AddEdge(from, w, to, true) })
}

// AddEdgeUnchecked adds an edge without a cycle check regardless of the
// snapshot's setting.
func (s *WorkspaceSnapshot) AddEdgeUnchecked(from graph.ID, w graph.EdgeWeight, to graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().AddEdge(from, w, to, false)
}

// AddOrderedEdge adds an edge from a node that owns an ordering satellite
// and appends the target to its order.
func (s *WorkspaceSnapshot) AddOrderedEdge(ctx context.Context, from graph.ID, w graph.EdgeWeight, to graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.writable()
	if !s.CycleCheckEnabled() {
		return g.AddOrderedEdge(from, w, to, false)
	}
	return s.checkedAdd(ctx, func() error { return g.AddOrderedEdge(from, w, to, true) })
}

func (s *WorkspaceSnapshot) checkedAdd(ctx context.Context, add func() error) error {
	err := s.pool.Do(ctx, add)
	switch {
	case errors.Is(err, graph.ErrWouldCreateCycle):
		cycleChecksTotal.WithLabelValues("rejected").Inc()
	case err == nil:
		cycleChecksTotal.WithLabelValues("ok").Inc()
	}
	return err
}

// RemoveNodeByID removes the node and detaches its edges.
func (s *WorkspaceSnapshot) RemoveNodeByID(id graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().RemoveNode(id)
}

// RemoveEdge removes the edge of the given kind between from and to.
func (s *WorkspaceSnapshot) RemoveEdge(from graph.ID, kind graph.EdgeKind, to graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().RemoveEdge(from, kind, to)
}

// UpdateOrder replaces owner's child order with a permutation of it.
func (s *WorkspaceSnapshot) UpdateOrder(owner graph.ID, order []graph.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable().UpdateOrder(owner, order)
}

// RootID returns the root node's ID.
func (s *WorkspaceSnapshot) RootID() graph.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Root()
}

// GetNode returns the node with the given ID.
func (s *WorkspaceSnapshot) GetNode(id graph.ID) (graph.NodeWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().GetNode(id)
}

// Nodes returns every live node sorted by ID.
func (s *WorkspaceSnapshot) Nodes() []graph.NodeWeight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Nodes()
}

// NodesOfKind returns the live nodes of one kind.
func (s *WorkspaceSnapshot) NodesOfKind(kind graph.NodeKind) []graph.NodeWeight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().NodesOfKind(kind)
}

// Edges returns every edge sorted by source, kind and target.
func (s *WorkspaceSnapshot) Edges() []graph.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Edges()
}

// OrderedChildren returns owner's children in satellite order.
func (s *WorkspaceSnapshot) OrderedChildren(owner graph.ID) ([]graph.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().OrderedChildren(owner)
}

// Targets returns the targets of id's outgoing edges of the given kinds.
func (s *WorkspaceSnapshot) Targets(id graph.ID, kinds ...graph.EdgeKind) []graph.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Targets(id, kinds...)
}

// Sources returns the sources of id's incoming edges of the given kinds.
func (s *WorkspaceSnapshot) Sources(id graph.ID, kinds ...graph.EdgeKind) []graph.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Sources(id, kinds...)
}

// MerkleTreeHash returns id's merkle tree hash, rehashing pending mutations
// first.
func (s *WorkspaceSnapshot) MerkleTreeHash(ctx context.Context, id graph.ID) (cas.Hash, error) {
	if err := s.CleanupAndMerkleTreeHash(ctx); err != nil {
		return cas.ZeroHash, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().MerkleTreeHash(id)
}

// Category returns the ID of the well-known category node called name.
func (s *WorkspaceSnapshot) Category(name string) (graph.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return categoryIn(s.current(), name)
}

func categoryIn(g *graph.Graph, name string) (graph.ID, error) {
	for _, id := range g.Targets(g.Root(), graph.EdgeContain) {
		n, err := g.GetNode(id)
		if err != nil {
			continue
		}
		if n.Kind == graph.KindCategory && string(n.Inline) == name {
			return id, nil
		}
	}
	return graph.ID{}, fmt.Errorf("category %s: %w", name, graph.ErrNodeNotFound)
}

// Graph returns a deep copy of the current graph.
func (s *WorkspaceSnapshot) Graph() *graph.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().Clone()
}

// view returns a graph later mutations of s cannot change: the shared base,
// or a clone of the working copy.
func (s *WorkspaceSnapshot) view() *graph.Graph {
	s.mu.RLock()
	if s.working == nil {
		defer s.mu.RUnlock()
		return s.base
	}
	g := s.working.Clone()
	s.mu.RUnlock()
	if g.Dirty() {
		g.CleanupAndMerkleTreeHash()
	}
	return g
}

// CleanupAndMerkleTreeHash drops unreachable nodes and brings merkle hashes
// up to date. It is a no-op when there are no unwritten mutations.
func (s *WorkspaceSnapshot) CleanupAndMerkleTreeHash(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working == nil || !s.working.Dirty() {
		return nil
	}
	g := s.working
	return s.pool.Do(ctx, func() error {
		g.CleanupAndMerkleTreeHash()
		return nil
	})
}

// DetectUpdates returns the updates that turn this snapshot's graph into
// updated's graph.
func (s *WorkspaceSnapshot) DetectUpdates(ctx context.Context, updated *WorkspaceSnapshot) ([]graph.Update, error) {
	if s == updated {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "snapshot.DetectUpdates")
	defer span.End()

	if err := s.CleanupAndMerkleTreeHash(ctx); err != nil {
		return nil, err
	}
	if err := updated.CleanupAndMerkleTreeHash(ctx); err != nil {
		return nil, err
	}

	// Never hold both snapshots' locks at once.
	base, other := s.view(), updated.view()
	var updates []graph.Update
	err := s.pool.Do(ctx, func() error {
		updates = graph.DetectUpdates(base, other)
		return nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("updates", len(updates)))
	return updates, nil
}

// CorrectTransforms adjusts updates so that performing them on this
// snapshot cannot leave the graph structurally invalid. fromDifferent is
// set when the updates come from a change set other than the one being
// rebased.
func (s *WorkspaceSnapshot) CorrectTransforms(ctx context.Context, updates []graph.Update, fromDifferent bool) ([]graph.Update, []graph.CorrectionReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.current()
	var (
		corrected []graph.Update
		reports   []graph.CorrectionReport
	)
	err := s.pool.Do(ctx, func() error {
		corrected, reports = s.policy.Correct(g, updates, fromDifferent)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range reports {
		s.log.Debugw("correction applied", "rule", r.Rule, "action", r.Action, "update", r.Update.String(), "reason", r.Reason)
	}
	return corrected, reports, nil
}

// PerformUpdates applies updates to the working copy.
func (s *WorkspaceSnapshot) PerformUpdates(ctx context.Context, updates []graph.Update) error {
	if len(updates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.writable()
	return s.pool.Do(ctx, func() error {
		return g.PerformUpdates(updates)
	})
}
