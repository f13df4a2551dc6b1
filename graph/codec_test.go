package graph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vgraph/cas"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	list := contentNode(KindProp, "list")
	_, err := f.g.AddOrderedNode(list)
	require.NoError(t, err)
	require.NoError(t, f.g.AddEdge(f.components, NewEdge(EdgeUse), list.ID, true))
	addChild(t, f.g, list.ID, contentNode(KindProp, "a"))
	addChild(t, f.g, list.ID, NewNode(KindProp, cas.ZeroHash, []byte("inline")))
	f.g.CleanupAndMerkleTreeHash()

	data, err := f.g.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, f.g.Root(), decoded.Root())
	assert.Equal(t, f.g.RootMerkleTreeHash(), decoded.RootMerkleTreeHash())
	assert.Equal(t, f.g.NodeCount(), decoded.NodeCount())
	assert.Equal(t, f.g.EdgeCount(), decoded.EdgeCount())
	assert.False(t, decoded.Dirty())

	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, again), "encoding must be deterministic")

	order, err := decoded.OrderedChildren(list.ID)
	require.NoError(t, err)
	want, _ := f.g.OrderedChildren(list.ID)
	assert.Equal(t, want, order)

	// Recomputing from scratch agrees with the stored hashes.
	decoded.merkle = make(map[ID]cas.Hash)
	decoded.RecalculateMerkleTreeHashes()
	assert.Equal(t, f.g.RootMerkleTreeHash(), decoded.RootMerkleTreeHash())
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"version":99}`))
	assert.ErrorIs(t, err, ErrCorrupt)

	g := NewWithRoot()
	a := addChild(t, g, g.Root(), contentNode(KindProp, "a"))
	g.CleanupAndMerkleTreeHash()
	data, err := g.Encode()
	require.NoError(t, err)

	broken := bytes.Replace(data, []byte(`"kind":"Prop"`), []byte(`"kind":"Bogus"`), 1)
	_, err = Decode(broken)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Dropping the node leaves its edge dangling.
	dropped := empty()
	dropped.root = g.root
	dropped.insertNode(g.nodes[g.root])
	enc, err := dropped.Encode()
	require.NoError(t, err)
	withEdge := bytes.Replace(enc, []byte(`"edges":[]`),
		[]byte(`"edges":[{"source":"`+g.root.String()+`","target":"`+a.String()+`","weight":{"kind":"Use"}}]`), 1)
	_, err = Decode(withEdge)
	assert.ErrorIs(t, err, ErrCorrupt)
}
