package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vgraph/cas"
)

func contentNode(kind NodeKind, payload string) NodeWeight {
	return NewNode(kind, cas.SumString(payload), nil)
}

func addChild(t *testing.T, g *Graph, parent ID, w NodeWeight) ID {
	t.Helper()
	require.NoError(t, g.AddOrReplaceNode(w))
	require.NoError(t, g.AddEdge(parent, NewEdge(EdgeUse), w.ID, true))
	return w.ID
}

func allMerkles(g *Graph) map[ID]cas.Hash {
	out := make(map[ID]cas.Hash)
	for _, n := range g.Nodes() {
		h, _ := g.MerkleTreeHash(n.ID)
		out[n.ID] = h
	}
	return out
}

func TestNewRequiresRootKind(t *testing.T) {
	_, err := New(contentNode(KindProp, "x"))
	require.ErrorIs(t, err, ErrInvalidKind)

	g := NewWithRoot()
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())

	err = g.AddOrReplaceNode(NewNode(KindRoot, cas.ZeroHash, nil))
	assert.ErrorIs(t, err, ErrDuplicateRoot)
}

func TestGetNodeNotFound(t *testing.T) {
	g := NewWithRoot()
	_, err := g.GetNode(contentNode(KindProp, "missing").ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = g.MerkleTreeHash(contentNode(KindProp, "missing").ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAddEdgeIsIdempotentPerKind(t *testing.T) {
	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindComponent, "a"))

	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), a, true))
	assert.Equal(t, 1, g.EdgeCount())

	w := EdgeWeight{Kind: EdgeUse, Key: "slot"}
	require.NoError(t, g.AddEdge(g.Root(), w, a, true))
	assert.Equal(t, 1, g.EdgeCount())
	got, ok := g.Edge(g.Root(), EdgeUse, a)
	require.True(t, ok)
	assert.Equal(t, "slot", got.Key)

	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgePrototype), a, true))
	assert.Equal(t, 2, g.EdgeCount())
}

func TestAddEdgeMissingEndpoint(t *testing.T) {
	g := NewWithRoot()
	err := g.AddEdge(g.Root(), NewEdge(EdgeUse), contentNode(KindProp, "x").ID, false)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindComponent, "a"))
	b := addChild(t, g, a, contentNode(KindComponent, "b"))
	c := addChild(t, g, b, contentNode(KindComponent, "c"))
	g.CleanupAndMerkleTreeHash()

	nodes, edges := g.NodeCount(), g.EdgeCount()
	before := allMerkles(g)

	err := g.AddEdge(c, NewEdge(EdgeUse), a, true)
	require.ErrorIs(t, err, ErrWouldCreateCycle)
	err = g.AddEdge(c, NewEdge(EdgeUse), c, true)
	require.ErrorIs(t, err, ErrWouldCreateCycle)

	g.RecalculateMerkleTreeHashes()
	assert.Equal(t, nodes, g.NodeCount())
	assert.Equal(t, edges, g.EdgeCount())
	assert.Equal(t, before, allMerkles(g))
	assert.False(t, g.Dirty())
}

func TestCycleCheckSkippedWhenPairAlreadyConnected(t *testing.T) {
	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindComponent, "a"))
	b := addChild(t, g, a, contentNode(KindComponent, "b"))

	require.NoError(t, g.AddEdge(a, NewEdge(EdgePrototype), b, true))
	assert.True(t, g.HasPath(g.Root(), b))
	assert.False(t, g.HasPath(b, a))
	assert.True(t, g.WouldCreateCycle(b, a))
}

func TestRemoveNodeTombstonesAndRevives(t *testing.T) {
	g := NewWithRoot()
	w := contentNode(KindComponent, "a")
	a := addChild(t, g, g.Root(), w)

	require.NoError(t, g.RemoveNode(a))
	assert.False(t, g.HasNode(a))
	_, err := g.GetNode(a)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Equal(t, []ID{a}, g.Tombstones())
	assert.Empty(t, g.Sources(a))

	require.NoError(t, g.AddOrReplaceNode(w))
	assert.True(t, g.HasNode(a))
	assert.Empty(t, g.Tombstones())

	assert.ErrorIs(t, g.RemoveNode(g.Root()), ErrCannotRemoveRoot)
}

func TestCleanupCollectsUnreachable(t *testing.T) {
	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindComponent, "a"))
	b := addChild(t, g, a, contentNode(KindComponent, "b"))
	shared := addChild(t, g, a, contentNode(KindProp, "shared"))
	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), shared, true))

	require.NoError(t, g.RemoveNode(a))
	dropped := g.Cleanup()

	assert.Equal(t, 2, dropped) // a and b
	assert.False(t, g.HasNode(b))
	assert.True(t, g.HasNode(shared))
	for _, n := range g.Nodes() {
		assert.NotEqual(t, a, n.ID)
		assert.NotEqual(t, b, n.ID)
	}
	assert.Empty(t, g.NodesForLineage(a))
}

func TestOrderedEdgesMaintainSatellite(t *testing.T) {
	g := NewWithRoot()
	parent := contentNode(KindProp, "parent")
	_, err := g.AddOrderedNode(parent)
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), parent.ID, true))

	a := contentNode(KindProp, "a")
	b := contentNode(KindProp, "b")
	c := contentNode(KindProp, "c")
	for _, w := range []NodeWeight{a, b, c} {
		require.NoError(t, g.AddOrReplaceNode(w))
		require.NoError(t, g.AddOrderedEdge(parent.ID, NewEdge(EdgeContain), w.ID, true))
	}
	order, err := g.OrderedChildren(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []ID{a.ID, b.ID, c.ID}, order)

	require.NoError(t, g.RemoveEdge(parent.ID, EdgeContain, b.ID))
	order, _ = g.OrderedChildren(parent.ID)
	assert.Equal(t, []ID{a.ID, c.ID}, order)

	require.NoError(t, g.RemoveNode(a.ID))
	order, _ = g.OrderedChildren(parent.ID)
	assert.Equal(t, []ID{c.ID}, order)

	err = g.AddOrderedEdge(g.Root(), NewEdge(EdgeUse), c.ID, true)
	assert.ErrorIs(t, err, ErrNotOrdered)
	_, err = g.OrderedChildren(g.Root())
	assert.ErrorIs(t, err, ErrNotOrdered)
}

func TestUpdateOrderRequiresPermutation(t *testing.T) {
	g := NewWithRoot()
	parent := contentNode(KindView, "view")
	_, err := g.AddOrderedNode(parent)
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), parent.ID, true))
	a := addChild(t, g, parent.ID, contentNode(KindGeometry, "a"))
	b := addChild(t, g, parent.ID, contentNode(KindGeometry, "b"))

	require.NoError(t, g.UpdateOrder(parent.ID, []ID{b, a}))
	order, _ := g.OrderedChildren(parent.ID)
	assert.Equal(t, []ID{b, a}, order)

	assert.ErrorIs(t, g.UpdateOrder(parent.ID, []ID{a}), ErrInvalidOrder)
	assert.ErrorIs(t, g.UpdateOrder(parent.ID, []ID{a, a}), ErrInvalidOrder)
	assert.ErrorIs(t, g.UpdateOrder(g.Root(), nil), ErrNotOrdered)
}

func TestReorderChangesMerkleOnlyAlongPath(t *testing.T) {
	g := NewWithRoot()
	parent := contentNode(KindView, "view")
	_, err := g.AddOrderedNode(parent)
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), parent.ID, true))
	a := addChild(t, g, parent.ID, contentNode(KindGeometry, "a"))
	b := addChild(t, g, parent.ID, contentNode(KindGeometry, "b"))
	g.CleanupAndMerkleTreeHash()

	rootBefore := g.RootMerkleTreeHash()
	aBefore, _ := g.MerkleTreeHash(a)

	require.NoError(t, g.UpdateOrder(parent.ID, []ID{b, a}))
	g.RecalculateMerkleTreeHashes()

	aAfter, _ := g.MerkleTreeHash(a)
	assert.Equal(t, aBefore, aAfter)
	assert.NotEqual(t, rootBefore, g.RootMerkleTreeHash())
}

func TestMerkleIsContentBased(t *testing.T) {
	g1 := NewWithRoot()
	g1.RecalculateMerkleTreeHashes()
	g2 := g1.Clone()
	g2.RecalculateMerkleTreeHashes()
	assert.Equal(t, g1.RootMerkleTreeHash(), g2.RootMerkleTreeHash())

	addChild(t, g2, g2.Root(), contentNode(KindProp, "p"))
	g2.RecalculateMerkleTreeHashes()
	assert.NotEqual(t, g1.RootMerkleTreeHash(), g2.RootMerkleTreeHash())

	w, err := g2.GetNode(g2.Targets(g2.Root())[0])
	require.NoError(t, err)
	w.Content = cas.SumString("q")
	before := g2.RootMerkleTreeHash()
	require.NoError(t, g2.AddOrReplaceNode(w))
	g2.RecalculateMerkleTreeHashes()
	assert.NotEqual(t, before, g2.RootMerkleTreeHash())
}

func TestReplaceNodeRekeys(t *testing.T) {
	g := NewWithRoot()
	parent := contentNode(KindProp, "parent")
	_, err := g.AddOrderedNode(parent)
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(g.Root(), NewEdge(EdgeUse), parent.ID, true))
	a := addChild(t, g, parent.ID, contentNode(KindProp, "a"))
	b := addChild(t, g, parent.ID, contentNode(KindProp, "b"))
	leaf := addChild(t, g, a, contentNode(KindProp, "leaf"))

	replacement := contentNode(KindProp, "a2")
	replacement.LineageID = a

	require.NoError(t, g.ReplaceNode(a, replacement))
	assert.False(t, g.HasNode(a))
	order, _ := g.OrderedChildren(parent.ID)
	assert.Equal(t, []ID{replacement.ID, b}, order)
	_, ok := g.Edge(parent.ID, EdgeUse, replacement.ID)
	assert.True(t, ok)
	assert.Equal(t, []ID{leaf}, g.Targets(replacement.ID))
	assert.Equal(t, []ID{replacement.ID}, g.NodesForLineage(a))

	assert.ErrorIs(t, g.ReplaceNode(a, replacement), ErrNodeNotFound)
	assert.ErrorIs(t, g.ReplaceNode(b, NodeWeight{ID: leaf, Kind: KindProp}), ErrIDCollision)
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindProp, "a"))

	c := g.Clone()
	require.NoError(t, c.RemoveNode(a))
	c.Cleanup()

	assert.True(t, g.HasNode(a))
	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, 0, c.EdgeCount())
}
