package snapshot

import (
	"fmt"
	"sort"

	"vgraph/cas"
	"vgraph/graph"
	"vgraph/ident"
)

// Dependent value roots are values whose dependents still need
// recomputing. Each one is a DependentValueRoot node under the
// dependent_value_roots category carrying the value's ID inline, so they
// travel with the graph through rebases.

// AddDependentValueRoot records valueID as needing dependent value updates.
// It reports false when the value was already recorded.
func (s *WorkspaceSnapshot) AddDependentValueRoot(valueID ident.ID) (bool, error) {
	s.dvuMu.Lock()
	defer s.dvuMu.Unlock()
	if s.dvuRootCheck[valueID] {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := categoryIn(s.current(), graph.CategoryDependentValueRoot)
	if err != nil {
		return false, err
	}
	if _, ok := findDVURoot(s.current(), cat, valueID); ok {
		s.dvuRootCheck[valueID] = true
		return false, nil
	}

	g := s.writable()
	node := graph.NewNode(graph.KindDependentValueRoot, cas.ZeroHash, []byte(valueID.String()))
	if err := g.AddOrReplaceNode(node); err != nil {
		return false, fmt.Errorf("adding dependent value root: %w", err)
	}
	if err := g.AddEdge(cat, graph.NewEdge(graph.EdgeUse), node.ID, false); err != nil {
		return false, fmt.Errorf("attaching dependent value root: %w", err)
	}
	s.dvuRootCheck[valueID] = true
	return true, nil
}

// DependentValueRoots returns the recorded value IDs in ID order.
func (s *WorkspaceSnapshot) DependentValueRoots() ([]ident.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.current()
	cat, err := categoryIn(g, graph.CategoryDependentValueRoot)
	if err != nil {
		return nil, err
	}
	var out []ident.ID
	for _, id := range g.Targets(cat, graph.EdgeUse) {
		n, err := g.GetNode(id)
		if err != nil || n.Kind != graph.KindDependentValueRoot {
			continue
		}
		v, err := ident.Parse(string(n.Inline))
		if err != nil {
			return nil, fmt.Errorf("dependent value root %s: %w", id, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return ident.Less(out[i], out[j]) })
	return out, nil
}

// HasDependentValueRoots reports whether any value is waiting for
// dependent value updates.
func (s *WorkspaceSnapshot) HasDependentValueRoots() (bool, error) {
	roots, err := s.DependentValueRoots()
	if err != nil {
		return false, err
	}
	return len(roots) > 0, nil
}

// RemoveDependentValueRoot forgets valueID. Removing an unknown value is
// not an error.
func (s *WorkspaceSnapshot) RemoveDependentValueRoot(valueID ident.ID) error {
	s.dvuMu.Lock()
	defer s.dvuMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dvuRootCheck, valueID)
	cat, err := categoryIn(s.current(), graph.CategoryDependentValueRoot)
	if err != nil {
		return err
	}
	node, ok := findDVURoot(s.current(), cat, valueID)
	if !ok {
		return nil
	}
	return s.writable().RemoveNode(node)
}

func findDVURoot(g *graph.Graph, cat graph.ID, valueID ident.ID) (graph.ID, bool) {
	want := valueID.String()
	for _, id := range g.Targets(cat, graph.EdgeUse) {
		n, err := g.GetNode(id)
		if err == nil && n.Kind == graph.KindDependentValueRoot && string(n.Inline) == want {
			return id, true
		}
	}
	return graph.ID{}, false
}
