package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vgraph/cas"
)

type fixture struct {
	g          *Graph
	components ID
	views      ID
}

// newFixture builds a root with plain component and view categories, the
// same shape a fresh workspace starts from.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := NewWithRoot()
	comps := addChild(t, g, g.Root(), NewCategory(CategoryComponent))
	views := addChild(t, g, g.Root(), NewCategory(CategoryView))
	g.CleanupAndMerkleTreeHash()
	return &fixture{g: g, components: comps, views: views}
}

func applyDiff(t *testing.T, a, b *Graph) *Graph {
	t.Helper()
	a.CleanupAndMerkleTreeHash()
	b.CleanupAndMerkleTreeHash()

	updates := DetectUpdates(a, b)
	c := a.Clone()
	corrected, reports := DefaultCorrectionPolicy().Correct(c, updates, false)
	require.Empty(t, reports)
	require.NoError(t, c.PerformUpdates(corrected))
	c.CleanupAndMerkleTreeHash()
	return c
}

func TestDetectUpdatesIdenticalIsEmpty(t *testing.T) {
	f := newFixture(t)
	addChild(t, f.g, f.components, contentNode(KindComponent, "c1"))
	f.g.CleanupAndMerkleTreeHash()

	assert.Empty(t, DetectUpdates(f.g, f.g))
	assert.Empty(t, DetectUpdates(f.g, f.g.Clone()))
}

func TestDetectUpdatesSingleNewNode(t *testing.T) {
	f := newFixture(t)
	branch := f.g.Clone()
	n1 := contentNode(KindComponent, "n1")
	addChild(t, branch, f.components, n1)
	branch.CleanupAndMerkleTreeHash()

	got := DetectUpdates(f.g, branch)
	want := []Update{
		NewNodeUpdate(n1),
		NewEdgeUpdate(f.components, NewEdge(EdgeUse), n1.ID),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DetectUpdates mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectUpdatesNewSubtreeOrdering(t *testing.T) {
	f := newFixture(t)
	branch := f.g.Clone()
	parent := addChild(t, branch, f.components, contentNode(KindComponent, "parent"))
	child := addChild(t, branch, parent, contentNode(KindProp, "child"))
	branch.CleanupAndMerkleTreeHash()

	updates := DetectUpdates(f.g, branch)
	pos := make(map[string]int)
	for i, u := range updates {
		pos[u.String()] = i
	}
	newParent := pos[NewNodeUpdate(mustNode(t, branch, parent)).String()]
	newChild := pos[NewNodeUpdate(mustNode(t, branch, child)).String()]
	edge := pos[NewEdgeUpdate(parent, NewEdge(EdgeUse), child).String()]
	assert.Less(t, newParent, newChild)
	assert.Less(t, newChild, edge)
	assert.Len(t, updates, 4)
}

func TestDetectUpdatesRemovalsComeLast(t *testing.T) {
	f := newFixture(t)
	gone := addChild(t, f.g, f.components, contentNode(KindComponent, "gone"))
	f.g.CleanupAndMerkleTreeHash()

	branch := f.g.Clone()
	require.NoError(t, branch.RemoveNode(gone))
	addChild(t, branch, f.views, contentNode(KindView, "v"))
	branch.CleanupAndMerkleTreeHash()

	updates := DetectUpdates(f.g, branch)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, UpdateRemoveNode, last.Kind)
	assert.Equal(t, gone, last.ID)
}

func mustNode(t *testing.T, g *Graph, id ID) NodeWeight {
	t.Helper()
	w, err := g.GetNode(id)
	require.NoError(t, err)
	return w
}

func TestDiffApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture, b *Graph, ids map[string]ID)
	}{
		{
			name: "add node",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				addChild(t, b, ids["list"], contentNode(KindProp, "new"))
			},
		},
		{
			name: "replace content",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				w := mustNode(t, b, ids["x"])
				w.Content = cas.SumString("x-edited")
				require.NoError(t, b.AddOrReplaceNode(w))
			},
		},
		{
			name: "remove subtree",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.RemoveNode(ids["y"]))
			},
		},
		{
			name: "reorder",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.UpdateOrder(ids["list"], []ID{ids["z"], ids["x"], ids["y"]}))
			},
		},
		{
			name: "rekey with same lineage",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				w := contentNode(KindProp, "x-v2")
				w.LineageID = mustNode(t, b, ids["x"]).LineageID
				require.NoError(t, b.ReplaceNode(ids["x"], w))
			},
		},
		{
			name: "edge weight change",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.AddEdge(ids["list"], EdgeWeight{Kind: EdgeContain, Key: "k"}, ids["x"], true))
			},
		},
		{
			name: "move node between parents",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.RemoveEdge(ids["list"], EdgeContain, ids["z"]))
				require.NoError(t, b.AddEdge(f.views, NewEdge(EdgeUse), ids["z"], true))
			},
		},
		{
			name: "default edge",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.AddEdge(ids["x"], EdgeWeight{Kind: EdgePrototype, IsDefault: true}, ids["z"], true))
			},
		},
		{
			name: "everything at once",
			mutate: func(t *testing.T, f *fixture, b *Graph, ids map[string]ID) {
				require.NoError(t, b.RemoveNode(ids["y"]))
				n := addChild(t, b, ids["list"], contentNode(KindProp, "n"))
				require.NoError(t, b.UpdateOrder(ids["list"], []ID{n, ids["z"], ids["x"]}))
				w := mustNode(t, b, ids["z"])
				w.Inline = []byte("inline")
				require.NoError(t, b.AddOrReplaceNode(w))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ids := map[string]ID{}
			list := contentNode(KindProp, "list")
			_, err := f.g.AddOrderedNode(list)
			require.NoError(t, err)
			require.NoError(t, f.g.AddEdge(f.components, NewEdge(EdgeUse), list.ID, true))
			ids["list"] = list.ID
			for _, name := range []string{"x", "y", "z"} {
				w := contentNode(KindProp, name)
				require.NoError(t, f.g.AddOrReplaceNode(w))
				require.NoError(t, f.g.AddOrderedEdge(list.ID, NewEdge(EdgeContain), w.ID, true))
				ids[name] = w.ID
			}
			addChild(t, f.g, ids["y"], contentNode(KindProp, "y-leaf"))
			f.g.CleanupAndMerkleTreeHash()

			b := f.g.Clone()
			tt.mutate(t, f, b, ids)

			got := applyDiff(t, f.g, b)
			assert.Equal(t, b.RootMerkleTreeHash(), got.RootMerkleTreeHash())
			assert.Equal(t, b.NodeCount(), got.NodeCount())
			assert.Equal(t, b.EdgeCount(), got.EdgeCount())
			assert.Empty(t, DetectUpdates(b, got))
		})
	}
}
