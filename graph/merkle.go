package graph

import (
	"fmt"
	"sort"

	"vgraph/cas"
	"vgraph/ident"
)

// MerkleTreeHash returns the node's merkle tree hash as of the last
// RecalculateMerkleTreeHashes.
func (g *Graph) MerkleTreeHash(id ID) (cas.Hash, error) {
	if !g.HasNode(id) {
		return cas.ZeroHash, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return g.merkle[id], nil
}

// RootMerkleTreeHash is MerkleTreeHash of the root.
func (g *Graph) RootMerkleTreeHash() cas.Hash {
	return g.merkle[g.root]
}

// Dirty reports whether mutations happened since the last merkle pass.
func (g *Graph) Dirty() bool {
	return len(g.touched) > 0 || len(g.removed) > 0
}

// Reachable returns the set of nodes reachable from the root.
func (g *Graph) Reachable() map[ID]bool {
	seen := map[ID]bool{g.root: true}
	stack := []ID{g.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, k := range g.outgoing[n] {
			if !seen[k.target] && g.HasNode(k.target) {
				seen[k.target] = true
				stack = append(stack, k.target)
			}
		}
	}
	return seen
}

// Cleanup drops every node not reachable from the root, along with its edges
// and index entries, and forgets the tombstone set. Returns the number of
// nodes dropped.
func (g *Graph) Cleanup() int {
	live := g.Reachable()
	var dead []ID
	for id := range g.nodes {
		if !live[id] {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		for _, k := range append([]edgeKey(nil), g.outgoing[id]...) {
			g.deleteEdge(k)
		}
		for _, k := range append([]edgeKey(nil), g.incoming[id]...) {
			g.deleteEdge(k)
		}
		g.unindexLineage(g.nodes[id].LineageID, id)
		delete(g.nodes, id)
		delete(g.merkle, id)
		delete(g.touched, id)
	}
	g.removed = make(map[ID]struct{})
	return len(dead)
}

// RecalculateMerkleTreeHashes rehashes every touched node and all of its
// ancestors, children before parents.
func (g *Graph) RecalculateMerkleTreeHashes() {
	dirty := make(map[ID]bool, len(g.touched))
	var queue []ID
	mark := func(id ID) {
		if !dirty[id] && g.HasNode(id) {
			dirty[id] = true
			queue = append(queue, id)
		}
	}
	for id := range g.touched {
		mark(id)
	}
	for id := range g.nodes {
		if _, ok := g.merkle[id]; !ok {
			mark(id)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, k := range g.incoming[n] {
			mark(k.source)
		}
	}

	onStack := make(map[ID]bool)
	var visit func(id ID)
	visit = func(id ID) {
		if !dirty[id] || onStack[id] {
			return
		}
		onStack[id] = true
		for _, k := range g.outgoing[id] {
			visit(k.target)
		}
		onStack[id] = false
		g.merkle[id] = g.computeMerkle(id)
		delete(dirty, id)
	}

	visit(g.root)
	rest := make([]ID, 0, len(dirty))
	for id := range dirty {
		rest = append(rest, id)
	}
	sortIDs(rest)
	for _, id := range rest {
		visit(id)
	}
	g.touched = make(map[ID]struct{})
}

// CleanupAndMerkleTreeHash runs Cleanup then RecalculateMerkleTreeHashes.
func (g *Graph) CleanupAndMerkleTreeHash() {
	g.Cleanup()
	g.RecalculateMerkleTreeHashes()
}

func (g *Graph) computeMerkle(id ID) cas.Hash {
	h := cas.NewHasher()
	h.WriteHash(g.nodes[id].NodeHash())

	consumed := make(map[edgeKey]bool)
	if sat, ok := g.OrderingNode(id); ok {
		for _, child := range g.nodes[sat].Order {
			for _, kind := range []EdgeKind{EdgeUse, EdgeContain} {
				k := edgeKey{source: id, kind: kind, target: child}
				w, exists := g.edges[k]
				if !exists || consumed[k] {
					continue
				}
				consumed[k] = true
				g.mixChild(h, w, child)
			}
		}
	}

	rest := make([]edgeKey, 0, len(g.outgoing[id]))
	for _, k := range g.outgoing[id] {
		if !consumed[k] {
			rest = append(rest, k)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].target != rest[j].target {
			return ident.Less(rest[i].target, rest[j].target)
		}
		return rest[i].kind < rest[j].kind
	})
	for _, k := range rest {
		g.mixChild(h, g.edges[k], k.target)
	}
	return h.Sum()
}

func (g *Graph) mixChild(h *cas.Hasher, w EdgeWeight, child ID) {
	h.WriteHash(w.Hash())
	h.Write(child[:])
	lineage := g.nodes[child].LineageID
	h.Write(lineage[:])
	h.WriteHash(g.merkle[child])
}
