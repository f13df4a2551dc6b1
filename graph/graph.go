package graph

import (
	"errors"
	"fmt"
	"sort"

	"vgraph/cas"
	"vgraph/ident"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrWouldCreateCycle = errors.New("edge would create a cycle")
	ErrCannotRemoveRoot = errors.New("cannot remove the root node")
	ErrDuplicateRoot    = errors.New("graph already has a root")
	ErrInvalidOrder     = errors.New("order is not a permutation of the ordered children")
	ErrNotOrdered       = errors.New("node has no ordering satellite")
	ErrInvalidKind      = errors.New("unknown kind")
	ErrIDCollision      = errors.New("node id already in use")
)

// Graph is a rooted directed graph of typed nodes and edges. It is not safe
// for concurrent use; snapshot.WorkspaceSnapshot provides the locking.
type Graph struct {
	root     ID
	nodes    map[ID]NodeWeight
	edges    map[edgeKey]EdgeWeight
	outgoing map[ID][]edgeKey
	incoming map[ID][]edgeKey
	lineage  map[ID]map[ID]struct{}
	merkle   map[ID]cas.Hash
	touched  map[ID]struct{}
	removed  map[ID]struct{}
}

// New creates a graph holding only the given root node.
func New(root NodeWeight) (*Graph, error) {
	if root.Kind != KindRoot {
		return nil, fmt.Errorf("root must be of kind %s, got %s: %w", KindRoot, root.Kind, ErrInvalidKind)
	}
	g := empty()
	g.root = root.ID
	g.insertNode(root.Clone())
	return g, nil
}

// NewWithRoot creates a graph with a fresh root node.
func NewWithRoot() *Graph {
	g, _ := New(NewNode(KindRoot, cas.ZeroHash, nil))
	return g
}

func empty() *Graph {
	return &Graph{
		nodes:    make(map[ID]NodeWeight),
		edges:    make(map[edgeKey]EdgeWeight),
		outgoing: make(map[ID][]edgeKey),
		incoming: make(map[ID][]edgeKey),
		lineage:  make(map[ID]map[ID]struct{}),
		merkle:   make(map[ID]cas.Hash),
		touched:  make(map[ID]struct{}),
		removed:  make(map[ID]struct{}),
	}
}

// Clone returns a deep copy. The copy shares nothing with g.
func (g *Graph) Clone() *Graph {
	c := empty()
	c.root = g.root
	for id, w := range g.nodes {
		c.nodes[id] = w.Clone()
	}
	for k, w := range g.edges {
		c.edges[k] = w
	}
	for id, keys := range g.outgoing {
		c.outgoing[id] = append([]edgeKey(nil), keys...)
	}
	for id, keys := range g.incoming {
		c.incoming[id] = append([]edgeKey(nil), keys...)
	}
	for lin, ids := range g.lineage {
		set := make(map[ID]struct{}, len(ids))
		for id := range ids {
			set[id] = struct{}{}
		}
		c.lineage[lin] = set
	}
	for id, h := range g.merkle {
		c.merkle[id] = h
	}
	for id := range g.touched {
		c.touched[id] = struct{}{}
	}
	for id := range g.removed {
		c.removed[id] = struct{}{}
	}
	return c
}

// Root returns the root node ID.
func (g *Graph) Root() ID {
	return g.root
}

// HasNode reports whether id is a live (not tombstoned) node.
func (g *Graph) HasNode(id ID) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	_, gone := g.removed[id]
	return !gone
}

// GetNode returns a copy of the node's weight.
func (g *Graph) GetNode(id ID) (NodeWeight, error) {
	if !g.HasNode(id) {
		return NodeWeight{}, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return g.nodes[id].Clone(), nil
}

// NodesForLineage returns the live node IDs sharing a lineage, sorted.
func (g *Graph) NodesForLineage(lineage ID) []ID {
	var ids []ID
	for id := range g.lineage[lineage] {
		if g.HasNode(id) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// Nodes returns all live nodes sorted by ID.
func (g *Graph) Nodes() []NodeWeight {
	out := make([]NodeWeight, 0, len(g.nodes))
	for _, id := range g.nodeIDs() {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// NodesOfKind returns the live nodes of the given kind sorted by ID.
func (g *Graph) NodesOfKind(kind NodeKind) []NodeWeight {
	var out []NodeWeight
	for _, id := range g.nodeIDs() {
		if w := g.nodes[id]; w.Kind == kind {
			out = append(out, w.Clone())
		}
	}
	return out
}

func (g *Graph) nodeIDs() []ID {
	ids := make([]ID, 0, len(g.nodes))
	for id := range g.nodes {
		if g.HasNode(id) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes) - len(g.removed)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Edges returns all edges sorted by source, kind and target.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for k, w := range g.edges {
		out = append(out, Edge{Source: k.source, Target: k.target, Weight: w})
	}
	sortEdges(out)
	return out
}

// OutgoingEdges returns the edges leaving id in insertion order.
func (g *Graph) OutgoingEdges(id ID) []Edge {
	keys := g.outgoing[id]
	out := make([]Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, Edge{Source: k.source, Target: k.target, Weight: g.edges[k]})
	}
	return out
}

// IncomingEdges returns the edges arriving at id in insertion order.
func (g *Graph) IncomingEdges(id ID) []Edge {
	keys := g.incoming[id]
	out := make([]Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, Edge{Source: k.source, Target: k.target, Weight: g.edges[k]})
	}
	return out
}

// Targets returns the distinct targets of id's outgoing edges, restricted to
// kinds when given, in insertion order.
func (g *Graph) Targets(id ID, kinds ...EdgeKind) []ID {
	var out []ID
	seen := make(map[ID]bool)
	for _, k := range g.outgoing[id] {
		if !matchKind(k.kind, kinds) || seen[k.target] {
			continue
		}
		seen[k.target] = true
		out = append(out, k.target)
	}
	return out
}

// Sources returns the distinct sources of id's incoming edges, restricted to
// kinds when given, in insertion order.
func (g *Graph) Sources(id ID, kinds ...EdgeKind) []ID {
	var out []ID
	seen := make(map[ID]bool)
	for _, k := range g.incoming[id] {
		if !matchKind(k.kind, kinds) || seen[k.source] {
			continue
		}
		seen[k.source] = true
		out = append(out, k.source)
	}
	return out
}

// Edge returns the weight of the edge (from, kind, to).
func (g *Graph) Edge(from ID, kind EdgeKind, to ID) (EdgeWeight, bool) {
	w, ok := g.edges[edgeKey{source: from, kind: kind, target: to}]
	return w, ok
}

func (g *Graph) hasAnyEdge(from, to ID) bool {
	for _, k := range g.outgoing[from] {
		if k.target == to {
			return true
		}
	}
	return false
}

// AddOrReplaceNode inserts w, or overwrites the weight of the node with the
// same ID. Existing edges are kept. A tombstoned ID is revived.
func (g *Graph) AddOrReplaceNode(w NodeWeight) error {
	if !w.Kind.Valid() {
		return fmt.Errorf("node kind %q: %w", w.Kind, ErrInvalidKind)
	}
	if w.Kind == KindRoot && w.ID != g.root {
		return ErrDuplicateRoot
	}
	if w.ID == g.root && w.Kind != KindRoot {
		return fmt.Errorf("root must stay of kind %s: %w", KindRoot, ErrInvalidKind)
	}

	if old, ok := g.nodes[w.ID]; ok {
		delete(g.removed, w.ID)
		if old.LineageID != w.LineageID {
			g.unindexLineage(old.LineageID, w.ID)
			g.indexLineage(w.LineageID, w.ID)
		}
		g.nodes[w.ID] = w.Clone()
		g.touch(w.ID)
		return nil
	}

	g.insertNode(w.Clone())
	return nil
}

func (g *Graph) insertNode(w NodeWeight) {
	g.nodes[w.ID] = w
	g.indexLineage(w.LineageID, w.ID)
	g.touch(w.ID)
}

// ReplaceNode overwrites the node oldID with w. When w carries a different
// ID the node is re-keyed: its edges and any ordering entries naming oldID
// are moved to the new ID.
func (g *Graph) ReplaceNode(oldID ID, w NodeWeight) error {
	if !g.HasNode(oldID) {
		return fmt.Errorf("%s: %w", oldID, ErrNodeNotFound)
	}
	if oldID == w.ID {
		return g.AddOrReplaceNode(w)
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("node kind %q: %w", w.Kind, ErrInvalidKind)
	}
	if _, taken := g.nodes[w.ID]; taken {
		return fmt.Errorf("%s: %w", w.ID, ErrIDCollision)
	}
	if oldID == g.root {
		if w.Kind != KindRoot {
			return fmt.Errorf("root must stay of kind %s: %w", KindRoot, ErrInvalidKind)
		}
	} else if w.Kind == KindRoot {
		return ErrDuplicateRoot
	}

	outgoing := g.OutgoingEdges(oldID)
	incoming := g.IncomingEdges(oldID)
	for _, e := range outgoing {
		g.deleteEdge(e.key())
	}
	for _, e := range incoming {
		g.deleteEdge(e.key())
	}

	old := g.nodes[oldID]
	delete(g.nodes, oldID)
	delete(g.merkle, oldID)
	delete(g.touched, oldID)
	g.unindexLineage(old.LineageID, oldID)
	if oldID == g.root {
		g.root = w.ID
	}
	g.insertNode(w.Clone())

	for _, e := range outgoing {
		e.Source = w.ID
		if e.Target == oldID {
			e.Target = w.ID
		}
		g.insertEdge(e)
	}
	for _, e := range incoming {
		if e.Source == oldID {
			continue
		}
		e.Target = w.ID
		g.insertEdge(e)
		g.touch(e.Source)
		if sat, ok := g.OrderingNode(e.Source); ok {
			g.renameInOrder(sat, oldID, w.ID)
		}
	}
	return nil
}

// AddEdge connects from to to. Adding an edge that already exists with the
// same kind replaces its weight. When checkCycle is set and no edge from→to
// exists yet, the edge is refused if to can already reach from.
func (g *Graph) AddEdge(from ID, w EdgeWeight, to ID, checkCycle bool) error {
	if !w.Kind.Valid() {
		return fmt.Errorf("edge kind %q: %w", w.Kind, ErrInvalidKind)
	}
	if !g.HasNode(from) {
		return fmt.Errorf("edge source %s: %w", from, ErrNodeNotFound)
	}
	if !g.HasNode(to) {
		return fmt.Errorf("edge target %s: %w", to, ErrNodeNotFound)
	}

	k := edgeKey{source: from, kind: w.Kind, target: to}
	if old, ok := g.edges[k]; ok {
		if old != w {
			g.edges[k] = w
			g.touch(from)
		}
		return nil
	}

	if checkCycle && !g.hasAnyEdge(from, to) && g.WouldCreateCycle(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrWouldCreateCycle)
	}

	g.insertEdge(Edge{Source: from, Target: to, Weight: w})
	g.touch(from)

	if w.Kind.Ordered() {
		if sat, ok := g.OrderingNode(from); ok {
			g.appendToOrder(sat, to)
		}
	}
	return nil
}

func (g *Graph) insertEdge(e Edge) {
	k := e.key()
	g.edges[k] = e.Weight
	g.outgoing[k.source] = append(g.outgoing[k.source], k)
	g.incoming[k.target] = append(g.incoming[k.target], k)
}

func (g *Graph) deleteEdge(k edgeKey) {
	delete(g.edges, k)
	g.outgoing[k.source] = removeKey(g.outgoing[k.source], k)
	if len(g.outgoing[k.source]) == 0 {
		delete(g.outgoing, k.source)
	}
	g.incoming[k.target] = removeKey(g.incoming[k.target], k)
	if len(g.incoming[k.target]) == 0 {
		delete(g.incoming, k.target)
	}
}

// WouldCreateCycle reports whether an edge from→to would close a cycle.
func (g *Graph) WouldCreateCycle(from, to ID) bool {
	return from == to || g.HasPath(to, from)
}

// HasPath reports whether to is reachable from from.
func (g *Graph) HasPath(from, to ID) bool {
	if from == to {
		return true
	}
	seen := map[ID]bool{from: true}
	stack := []ID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, k := range g.outgoing[n] {
			if k.target == to {
				return true
			}
			if !seen[k.target] {
				seen[k.target] = true
				stack = append(stack, k.target)
			}
		}
	}
	return false
}

// RemoveEdge deletes the edge (from, kind, to). The source's ordering
// satellite drops to when no other ordered edge from→to remains.
func (g *Graph) RemoveEdge(from ID, kind EdgeKind, to ID) error {
	k := edgeKey{source: from, kind: kind, target: to}
	if _, ok := g.edges[k]; !ok {
		return fmt.Errorf("%s -%s-> %s: %w", from, kind, to, ErrEdgeNotFound)
	}
	g.deleteEdge(k)
	g.touch(from)

	if kind.Ordered() {
		if sat, ok := g.OrderingNode(from); ok && !g.hasOrderedEdge(from, to) {
			g.dropFromOrder(sat, to)
		}
	}
	return nil
}

// RemoveNode detaches every edge touching id and tombstones it. The node is
// physically dropped by the next Cleanup.
func (g *Graph) RemoveNode(id ID) error {
	if id == g.root {
		return ErrCannotRemoveRoot
	}
	if !g.HasNode(id) {
		return fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	for _, e := range g.IncomingEdges(id) {
		if err := g.RemoveEdge(e.Source, e.Weight.Kind, e.Target); err != nil {
			return err
		}
	}
	for _, e := range g.OutgoingEdges(id) {
		g.deleteEdge(e.key())
	}
	g.removed[id] = struct{}{}
	return nil
}

// Tombstones returns the IDs removed since the last Cleanup, sorted.
func (g *Graph) Tombstones() []ID {
	ids := make([]ID, 0, len(g.removed))
	for id := range g.removed {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (g *Graph) touch(id ID) {
	g.touched[id] = struct{}{}
}

func (g *Graph) indexLineage(lineage, id ID) {
	set, ok := g.lineage[lineage]
	if !ok {
		set = make(map[ID]struct{})
		g.lineage[lineage] = set
	}
	set[id] = struct{}{}
}

func (g *Graph) unindexLineage(lineage, id ID) {
	if set, ok := g.lineage[lineage]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.lineage, lineage)
		}
	}
}

func matchKind(k EdgeKind, kinds []EdgeKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func removeKey(keys []edgeKey, k edgeKey) []edgeKey {
	for i, existing := range keys {
		if existing == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ident.Less(ids[i], ids[j]) })
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return ident.Less(a.Source, b.Source)
		}
		if a.Weight.Kind != b.Weight.Kind {
			return a.Weight.Kind < b.Weight.Kind
		}
		return ident.Less(a.Target, b.Target)
	})
}
