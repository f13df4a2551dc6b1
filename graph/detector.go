package graph

import (
	"sort"

	"vgraph/ident"
)

// DetectUpdates returns the updates that turn base into updated. Both graphs
// must have current merkle hashes (see CleanupAndMerkleTreeHash).
//
// The updated graph is walked depth first from the root. Nodes are matched
// to base nodes by lineage; a matched node whose merkle hash and ID are
// unchanged is not descended into. New nodes are emitted when discovered, so
// every node precedes the edges that reference it. Edge and order changes are
// emitted when a node is finished, and removals of vanished lineages come
// last.
func DetectUpdates(base, updated *Graph) []Update {
	d := &detector{
		base:         base,
		updated:      updated,
		baseLive:     base.Reachable(),
		visited:      make(map[ID]bool),
		seenLineages: make(map[ID]bool),
	}
	d.walk(updated.root)
	d.removals()
	return d.out
}

type detector struct {
	base, updated *Graph
	baseLive      map[ID]bool
	visited       map[ID]bool
	seenLineages  map[ID]bool
	out           []Update
}

// match finds the base node corresponding to an updated node.
func (d *detector) match(id ID) (ID, bool) {
	if id == d.updated.root {
		return d.base.root, true
	}
	w := d.updated.nodes[id]
	var best ID
	found := false
	for cand := range d.base.lineage[w.LineageID] {
		if !d.baseLive[cand] || cand == d.base.root {
			continue
		}
		if cand == id {
			return cand, true
		}
		if !found || ident.Less(cand, best) {
			best, found = cand, true
		}
	}
	return best, found
}

func (d *detector) walk(id ID) {
	d.visited[id] = true
	w := d.updated.nodes[id]
	d.seenLineages[w.LineageID] = true

	baseID, matched := d.match(id)
	if !matched {
		d.out = append(d.out, NewNodeUpdate(w))
	} else if baseID == id && d.base.merkle[baseID] == d.updated.merkle[id] {
		d.markSubtreeSeen(id)
		return
	}

	for _, child := range d.children(id) {
		if !d.visited[child] {
			d.walk(child)
		}
	}

	if !matched {
		edges := d.updated.OutgoingEdges(id)
		sortEdges(edges)
		for _, e := range edges {
			d.out = append(d.out, NewEdgeUpdate(e.Source, e.Weight, e.Target))
		}
		return
	}
	d.finishChanged(baseID, id)
}

// markSubtreeSeen records the lineages of a pruned subtree so they are not
// reported as removed.
func (d *detector) markSubtreeSeen(id ID) {
	stack := []ID{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range d.updated.Targets(n) {
			if d.visited[child] {
				continue
			}
			d.visited[child] = true
			d.seenLineages[d.updated.nodes[child].LineageID] = true
			stack = append(stack, child)
		}
	}
}

func (d *detector) children(id ID) []ID {
	out := d.updated.Targets(id)
	sortIDs(out)
	return out
}

type diffKey struct {
	kind    EdgeKind
	lineage ID
}

func (d *detector) finishChanged(baseID, id ID) {
	bw := d.base.nodes[baseID]
	uw := d.updated.nodes[id]

	if baseID != id || (uw.Kind != KindOrdering && bw.NodeHash() != uw.NodeHash()) || bw.LineageID != uw.LineageID {
		d.out = append(d.out, ReplaceNodeUpdate(baseID, uw))
	}

	baseEdges := make(map[diffKey]Edge)
	for _, e := range d.base.OutgoingEdges(baseID) {
		baseEdges[diffKey{e.Weight.Kind, d.base.nodes[e.Target].LineageID}] = e
	}
	newEdges := make(map[diffKey]Edge)
	for _, e := range d.updated.OutgoingEdges(id) {
		newEdges[diffKey{e.Weight.Kind, d.updated.nodes[e.Target].LineageID}] = e
	}

	var removed, added []Edge
	for k, be := range baseEdges {
		ue, ok := newEdges[k]
		if !ok || ue.Weight != be.Weight {
			removed = append(removed, be)
		}
		if ok && ue.Weight != be.Weight {
			added = append(added, ue)
		}
	}
	for k, ue := range newEdges {
		if _, ok := baseEdges[k]; !ok {
			added = append(added, ue)
		}
	}
	sortEdges(removed)
	sortEdges(added)
	for _, e := range removed {
		d.out = append(d.out, RemoveEdgeUpdate(id, e.Weight.Kind, e.Target, d.base.nodes[e.Target].LineageID))
	}
	for _, e := range added {
		d.out = append(d.out, NewEdgeUpdate(id, e.Weight, e.Target))
	}

	if sat, ok := d.updated.OrderingNode(id); ok {
		order := d.updated.nodes[sat].Order
		var baseOrder []ID
		if bsat, ok := d.base.OrderingNode(baseID); ok {
			baseOrder = d.base.nodes[bsat].Order
		}
		// Edge re-adds append to the order, so any edge change re-states it.
		if len(removed) > 0 || len(added) > 0 || !equalIDs(order, baseOrder) {
			d.out = append(d.out, ReorderChildrenUpdate(id, order))
		}
	}
}

func (d *detector) removals() {
	var gone []ID
	for id := range d.baseLive {
		if id == d.base.root {
			continue
		}
		if !d.seenLineages[d.base.nodes[id].LineageID] {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return ident.Less(gone[i], gone[j]) })
	for _, id := range gone {
		d.out = append(d.out, RemoveNodeUpdate(id))
	}
}
