package graph

import (
	"fmt"
	"sort"

	"vgraph/ident"
)

// UpdateKind discriminates the primitive graph mutations exchanged between
// snapshots.
type UpdateKind string

const (
	UpdateNewNode         UpdateKind = "new_node"
	UpdateRemoveNode      UpdateKind = "remove_node"
	UpdateReplaceNode     UpdateKind = "replace_node"
	UpdateNewEdge         UpdateKind = "new_edge"
	UpdateRemoveEdge      UpdateKind = "remove_edge"
	UpdateReorderChildren UpdateKind = "reorder_children"
)

// Update is one primitive mutation. Which fields are set depends on Kind:
//
//	new_node          Node
//	replace_node      ID (node being replaced), Node
//	remove_node       ID
//	new_edge          Source, Target, Edge
//	remove_edge       Source, Target, TargetLineage, Edge (kind only)
//	reorder_children  ID (owner), Order
type Update struct {
	Kind          UpdateKind  `json:"kind"`
	ID            ID          `json:"id"`
	Node          *NodeWeight `json:"node,omitempty"`
	Source        ID          `json:"source"`
	Target        ID          `json:"target"`
	TargetLineage ID          `json:"targetLineage"`
	Edge          *EdgeWeight `json:"edge,omitempty"`
	Order         []ID        `json:"order,omitempty"`
}

// NewNodeUpdate adds w.
func NewNodeUpdate(w NodeWeight) Update {
	n := w.Clone()
	return Update{Kind: UpdateNewNode, ID: w.ID, Node: &n}
}

// ReplaceNodeUpdate overwrites the node oldID with w, re-keying it when the
// IDs differ.
func ReplaceNodeUpdate(oldID ID, w NodeWeight) Update {
	n := w.Clone()
	return Update{Kind: UpdateReplaceNode, ID: oldID, Node: &n}
}

// RemoveNodeUpdate removes id.
func RemoveNodeUpdate(id ID) Update {
	return Update{Kind: UpdateRemoveNode, ID: id}
}

// NewEdgeUpdate connects source to target.
func NewEdgeUpdate(source ID, w EdgeWeight, target ID) Update {
	return Update{Kind: UpdateNewEdge, Source: source, Target: target, Edge: &w}
}

// RemoveEdgeUpdate removes the edge of kind from source to target. When
// target is no longer present, the edge to a node of targetLineage is
// removed instead.
func RemoveEdgeUpdate(source ID, kind EdgeKind, target, targetLineage ID) Update {
	w := NewEdge(kind)
	return Update{Kind: UpdateRemoveEdge, Source: source, Target: target, TargetLineage: targetLineage, Edge: &w}
}

// ReorderChildrenUpdate sets the child order of owner.
func ReorderChildrenUpdate(owner ID, order []ID) Update {
	return Update{Kind: UpdateReorderChildren, ID: owner, Order: append([]ID(nil), order...)}
}

// String renders the update for logs.
func (u Update) String() string {
	switch u.Kind {
	case UpdateNewNode:
		return fmt.Sprintf("new_node(%s %s)", u.Node.Kind, u.ID)
	case UpdateReplaceNode:
		return fmt.Sprintf("replace_node(%s -> %s)", u.ID, u.Node.ID)
	case UpdateRemoveNode:
		return fmt.Sprintf("remove_node(%s)", u.ID)
	case UpdateNewEdge, UpdateRemoveEdge:
		return fmt.Sprintf("%s(%s -%s-> %s)", u.Kind, u.Source, u.Edge.Kind, u.Target)
	case UpdateReorderChildren:
		return fmt.Sprintf("reorder_children(%s, %d)", u.ID, len(u.Order))
	}
	return string(u.Kind)
}

// Validate checks that the fields required by the kind are present.
func (u Update) Validate() error {
	switch u.Kind {
	case UpdateNewNode, UpdateReplaceNode:
		if u.Node == nil {
			return fmt.Errorf("%s without node: %w", u.Kind, ErrInvalidKind)
		}
	case UpdateNewEdge, UpdateRemoveEdge:
		if u.Edge == nil {
			return fmt.Errorf("%s without edge: %w", u.Kind, ErrInvalidKind)
		}
	case UpdateRemoveNode, UpdateReorderChildren:
	default:
		return fmt.Errorf("update kind %q: %w", u.Kind, ErrInvalidKind)
	}
	return nil
}

// PerformUpdates applies updates in order. Updates whose subject no longer
// exists are skipped. Afterwards every ordering satellite touched by the
// batch is repaired to be a permutation of its owner's ordered targets.
func (g *Graph) PerformUpdates(updates []Update) error {
	affected := make(map[ID]bool)

	for i, u := range updates {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		if err := g.performOne(u, affected); err != nil {
			return fmt.Errorf("update %d %s: %w", i, u, err)
		}
	}

	owners := make([]ID, 0, len(affected))
	for id := range affected {
		if g.HasNode(id) {
			owners = append(owners, id)
		}
	}
	sortIDs(owners)
	for _, owner := range owners {
		g.repairOrder(owner)
	}
	return nil
}

func (g *Graph) performOne(u Update, affected map[ID]bool) error {
	switch u.Kind {
	case UpdateNewNode:
		if err := g.AddOrReplaceNode(*u.Node); err != nil {
			return err
		}
		g.markOwnersOf(u.Node.ID, affected)

	case UpdateReplaceNode:
		if !g.HasNode(u.ID) {
			return nil
		}
		for _, src := range g.Sources(u.ID) {
			affected[src] = true
		}
		if err := g.ReplaceNode(u.ID, *u.Node); err != nil {
			return err
		}
		delete(affected, u.ID)
		g.markOwnersOf(u.Node.ID, affected)

	case UpdateRemoveNode:
		if u.ID == g.root || !g.HasNode(u.ID) {
			return nil
		}
		for _, src := range g.Sources(u.ID) {
			affected[src] = true
		}
		return g.RemoveNode(u.ID)

	case UpdateNewEdge:
		if !g.HasNode(u.Source) || !g.HasNode(u.Target) {
			return nil
		}
		if err := g.AddEdge(u.Source, *u.Edge, u.Target, false); err != nil {
			return err
		}
		if u.Edge.IsDefault {
			g.ensureOnlyOneDefault(u.Source, u.Edge.Kind, u.Target)
		}
		affected[u.Source] = true

	case UpdateRemoveEdge:
		if !g.HasNode(u.Source) {
			return nil
		}
		target, ok := g.resolveEdgeTarget(u.Source, u.Edge.Kind, u.Target, u.TargetLineage)
		if !ok {
			return nil
		}
		affected[u.Source] = true
		return g.RemoveEdge(u.Source, u.Edge.Kind, target)

	case UpdateReorderChildren:
		if !g.HasNode(u.ID) {
			return nil
		}
		sat, ok := g.OrderingNode(u.ID)
		if !ok {
			return nil
		}
		g.setOrder(sat, append([]ID(nil), u.Order...))
		affected[u.ID] = true
	}
	return nil
}

// markOwnersOf flags the owner of id when id is an ordering satellite, and
// id itself when it owns one.
func (g *Graph) markOwnersOf(id ID, affected map[ID]bool) {
	w := g.nodes[id]
	if w.Kind == KindOrdering {
		for _, owner := range g.Sources(id, EdgeOrdering) {
			affected[owner] = true
		}
		return
	}
	if _, ok := g.OrderingNode(id); ok {
		affected[id] = true
	}
}

func (g *Graph) resolveEdgeTarget(source ID, kind EdgeKind, target, lineage ID) (ID, bool) {
	if _, ok := g.Edge(source, kind, target); ok {
		return target, true
	}
	if ident.IsNil(lineage) {
		return ID{}, false
	}
	for _, id := range g.NodesForLineage(lineage) {
		if _, ok := g.Edge(source, kind, id); ok {
			return id, true
		}
	}
	return ID{}, false
}

// ensureOnlyOneDefault clears the default flag on every other edge of kind
// leaving source.
func (g *Graph) ensureOnlyOneDefault(source ID, kind EdgeKind, keep ID) {
	for _, k := range g.outgoing[source] {
		if k.kind != kind || k.target == keep {
			continue
		}
		if w := g.edges[k]; w.IsDefault {
			w.IsDefault = false
			g.edges[k] = w
			g.touch(source)
		}
	}
}

// SortUpdates orders updates the way DetectUpdates emits the trailing
// removals: by kind, then subject ID. Used for stable comparisons.
func SortUpdates(updates []Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i], updates[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.ID != b.ID {
			return ident.Less(a.ID, b.ID)
		}
		if a.Source != b.Source {
			return ident.Less(a.Source, b.Source)
		}
		return ident.Less(a.Target, b.Target)
	})
}
