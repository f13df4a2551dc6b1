package snapshot

import (
	"context"
	"sort"

	"vgraph/graph"
	"vgraph/ident"
)

// InferredConnection says that Component sits inside Frame, directly or
// through nested frames, and so inherits the frame's connections.
type InferredConnection struct {
	Frame     graph.ID `json:"frame"`
	Component graph.ID `json:"component"`
}

// InferredConnections indexes the FrameContains closure of a graph.
type InferredConnections struct {
	frames     map[graph.ID][]graph.ID // component -> enclosing frames
	components map[graph.ID][]graph.ID // frame -> enclosed components
	all        []InferredConnection
}

func buildInferredConnections(g *graph.Graph) *InferredConnections {
	ic := &InferredConnections{
		frames:     make(map[graph.ID][]graph.ID),
		components: make(map[graph.ID][]graph.ID),
	}
	for _, frame := range g.NodesOfKind(graph.KindComponent) {
		if len(g.Targets(frame.ID, graph.EdgeFrameContains)) == 0 {
			continue
		}
		seen := map[graph.ID]bool{frame.ID: true}
		stack := g.Targets(frame.ID, graph.EdgeFrameContains)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[n] {
				continue
			}
			seen[n] = true
			if w, err := g.GetNode(n); err == nil && w.Kind == graph.KindComponent {
				ic.all = append(ic.all, InferredConnection{Frame: frame.ID, Component: n})
				ic.frames[n] = append(ic.frames[n], frame.ID)
				ic.components[frame.ID] = append(ic.components[frame.ID], n)
			}
			stack = append(stack, g.Targets(n, graph.EdgeFrameContains)...)
		}
	}
	sort.Slice(ic.all, func(i, j int) bool {
		if ic.all[i].Frame != ic.all[j].Frame {
			return ident.Less(ic.all[i].Frame, ic.all[j].Frame)
		}
		return ident.Less(ic.all[i].Component, ic.all[j].Component)
	})
	for _, ids := range ic.frames {
		sortIDs(ids)
	}
	for _, ids := range ic.components {
		sortIDs(ids)
	}
	return ic
}

// FramesOf returns the frames enclosing component, sorted by ID.
func (ic *InferredConnections) FramesOf(component graph.ID) []graph.ID {
	return ic.frames[component]
}

// ComponentsIn returns every component enclosed by frame.
func (ic *InferredConnections) ComponentsIn(frame graph.ID) []graph.ID {
	return ic.components[frame]
}

// All returns every connection sorted by frame then component.
func (ic *InferredConnections) All() []InferredConnection {
	return ic.all
}

// InferredConnections computes the frame containment closure on first use
// and caches it until the next mutation.
func (s *WorkspaceSnapshot) InferredConnections(ctx context.Context) (*InferredConnections, error) {
	if ic := s.inferred.Load(); ic != nil {
		return ic, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.current()
	var ic *InferredConnections
	err := s.pool.Do(ctx, func() error {
		ic = buildInferredConnections(g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.inferred.Store(ic)
	return ic, nil
}

// ClearInferredConnections drops the cached closure.
func (s *WorkspaceSnapshot) ClearInferredConnections() {
	s.inferred.Store(nil)
}

func sortIDs(ids []graph.ID) {
	sort.Slice(ids, func(i, j int) bool { return ident.Less(ids[i], ids[j]) })
}
