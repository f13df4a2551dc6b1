package graph

import (
	"fmt"
)

// AddOrderedNode inserts w together with its own ordering satellite, so that
// ordered edges leaving w are tracked in insertion order. Returns the
// satellite ID. An existing node keeps its satellite.
func (g *Graph) AddOrderedNode(w NodeWeight) (ID, error) {
	if err := g.AddOrReplaceNode(w); err != nil {
		return ID{}, err
	}
	if sat, ok := g.OrderingNode(w.ID); ok {
		return sat, nil
	}

	sat := NewOrdering()
	sat.Order = g.orderedTargets(w.ID)
	if err := g.AddOrReplaceNode(sat); err != nil {
		return ID{}, err
	}
	g.insertEdge(Edge{Source: w.ID, Target: sat.ID, Weight: NewEdge(EdgeOrdering)})
	g.touch(w.ID)
	return sat.ID, nil
}

// AddOrderedEdge is AddEdge for an ordered kind whose source owns a
// satellite.
func (g *Graph) AddOrderedEdge(from ID, w EdgeWeight, to ID, checkCycle bool) error {
	if !w.Kind.Ordered() {
		return fmt.Errorf("edge kind %s is not ordered: %w", w.Kind, ErrInvalidKind)
	}
	if _, ok := g.OrderingNode(from); !ok {
		return fmt.Errorf("%s: %w", from, ErrNotOrdered)
	}
	return g.AddEdge(from, w, to, checkCycle)
}

// OrderingNode returns the satellite owned by owner, if any.
func (g *Graph) OrderingNode(owner ID) (ID, bool) {
	for _, k := range g.outgoing[owner] {
		if k.kind == EdgeOrdering && g.HasNode(k.target) {
			return k.target, true
		}
	}
	return ID{}, false
}

// OrderedChildren returns owner's ordered children in satellite order.
func (g *Graph) OrderedChildren(owner ID) ([]ID, error) {
	if !g.HasNode(owner) {
		return nil, fmt.Errorf("%s: %w", owner, ErrNodeNotFound)
	}
	sat, ok := g.OrderingNode(owner)
	if !ok {
		return nil, fmt.Errorf("%s: %w", owner, ErrNotOrdered)
	}
	return append([]ID(nil), g.nodes[sat].Order...), nil
}

// UpdateOrder replaces owner's child order. order must be a permutation of
// the current ordered targets.
func (g *Graph) UpdateOrder(owner ID, order []ID) error {
	if !g.HasNode(owner) {
		return fmt.Errorf("%s: %w", owner, ErrNodeNotFound)
	}
	sat, ok := g.OrderingNode(owner)
	if !ok {
		return fmt.Errorf("%s: %w", owner, ErrNotOrdered)
	}
	if !samePermutation(order, g.orderedTargets(owner)) {
		return fmt.Errorf("%s: %w", owner, ErrInvalidOrder)
	}
	g.setOrder(sat, append([]ID(nil), order...))
	return nil
}

// orderedTargets returns the distinct targets of owner's ordered edges in
// edge insertion order.
func (g *Graph) orderedTargets(owner ID) []ID {
	return g.Targets(owner, EdgeUse, EdgeContain)
}

func (g *Graph) hasOrderedEdge(from, to ID) bool {
	for _, k := range g.outgoing[from] {
		if k.target == to && k.kind.Ordered() {
			return true
		}
	}
	return false
}

func (g *Graph) setOrder(sat ID, order []ID) {
	w := g.nodes[sat]
	w.Order = order
	g.nodes[sat] = w
	g.touch(sat)
}

func (g *Graph) appendToOrder(sat, child ID) {
	for _, id := range g.nodes[sat].Order {
		if id == child {
			return
		}
	}
	order := append(append([]ID(nil), g.nodes[sat].Order...), child)
	g.setOrder(sat, order)
}

func (g *Graph) dropFromOrder(sat, child ID) {
	old := g.nodes[sat].Order
	order := make([]ID, 0, len(old))
	for _, id := range old {
		if id != child {
			order = append(order, id)
		}
	}
	if len(order) != len(old) {
		g.setOrder(sat, order)
	}
}

func (g *Graph) renameInOrder(sat, from, to ID) {
	old := g.nodes[sat].Order
	order := make([]ID, len(old))
	changed := false
	for i, id := range old {
		if id == from {
			id = to
			changed = true
		}
		order[i] = id
	}
	if changed {
		g.setOrder(sat, order)
	}
}

// repairOrder makes owner's satellite a permutation of its ordered targets:
// listed IDs that are still targets keep their relative position (first
// occurrence wins), missing targets are appended sorted by ID.
func (g *Graph) repairOrder(owner ID) {
	sat, ok := g.OrderingNode(owner)
	if !ok {
		return
	}
	targets := g.orderedTargets(owner)
	want := make(map[ID]bool, len(targets))
	for _, id := range targets {
		want[id] = true
	}

	order := make([]ID, 0, len(targets))
	placed := make(map[ID]bool, len(targets))
	for _, id := range g.nodes[sat].Order {
		if want[id] && !placed[id] {
			placed[id] = true
			order = append(order, id)
		}
	}
	var missing []ID
	for _, id := range targets {
		if !placed[id] {
			missing = append(missing, id)
		}
	}
	sortIDs(missing)
	order = append(order, missing...)

	if !equalIDs(order, g.nodes[sat].Order) {
		g.setOrder(sat, order)
	}
}

func samePermutation(a, b []ID) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[ID]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}

func equalIDs(a, b []ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
