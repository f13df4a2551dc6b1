package pack

import (
	"bytes"
	"errors"
	"testing"

	"vgraph/cas"
	"vgraph/graph"
)

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewWithRoot()
	cat := graph.NewCategory(graph.CategoryComponent)
	if err := g.AddOrReplaceNode(cat); err != nil {
		t.Fatalf("adding category: %v", err)
	}
	if err := g.AddEdge(g.Root(), graph.NewEdge(graph.EdgeUse), cat.ID, true); err != nil {
		t.Fatalf("adding edge: %v", err)
	}
	g.CleanupAndMerkleTreeHash()
	return g
}

func TestBuildPackIsZstd(t *testing.T) {
	packed, err := Build(KindSnapshot, []Object{{Kind: ObjectGraph, Content: []byte("content1")}})
	if err != nil {
		t.Fatalf("failed to build pack: %v", err)
	}

	// zstd magic number: 0x28, 0xB5, 0x2F, 0xFD
	expectedMagic := []byte{0x28, 0xB5, 0x2F, 0xFD}
	if len(packed) < 4 || !bytes.Equal(packed[:4], expectedMagic) {
		t.Errorf("expected zstd magic %x, got %x", expectedMagic, packed[:4])
	}
}

func TestPackRoundTrip(t *testing.T) {
	content1 := []byte("hello world this is test content")
	content2 := []byte(`{"key": "value", "number": 42}`)

	packed, err := Build(KindRebaseBatch, []Object{
		{Kind: ObjectUpdates, Content: content1},
		{Kind: ObjectGraph, Content: content2},
	})
	if err != nil {
		t.Fatalf("failed to build pack: %v", err)
	}

	header, objects, err := Read(packed)
	if err != nil {
		t.Fatalf("failed to read pack: %v", err)
	}
	if header.Kind != KindRebaseBatch {
		t.Errorf("expected kind %s, got %s", KindRebaseBatch, header.Kind)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objects))
	}
	if !bytes.Equal(objects[0].Content, content1) || !bytes.Equal(objects[1].Content, content2) {
		t.Error("object content mismatch")
	}
	if header.Objects[1].Digest != cas.Sum(content2) {
		t.Error("header digest should be the content hash")
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	if _, _, err := Read([]byte("definitely not zstd")); err == nil {
		t.Error("expected error for non-zstd input")
	}

	tiny := encoder.EncodeAll([]byte{0, 0}, nil)
	if _, _, err := Read(tiny); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestSnapshotAddressIsStable(t *testing.T) {
	g := sampleGraph(t)

	first, err := EncodeSnapshot(g)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	second, err := EncodeSnapshot(g.Clone())
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if cas.Sum(first) != cas.Sum(second) {
		t.Error("same content must produce the same address")
	}

	other := g.Clone()
	if err := other.AddOrReplaceNode(graph.NewCategory(graph.CategoryView)); err != nil {
		t.Fatal(err)
	}
	other.CleanupAndMerkleTreeHash()
	third, err := EncodeSnapshot(other)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	// The unattached category is collected, so content is unchanged.
	if cas.Sum(first) != cas.Sum(third) {
		t.Error("collected nodes must not change the address")
	}

	decoded, err := DecodeSnapshot(first)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if decoded.RootMerkleTreeHash() != g.RootMerkleTreeHash() {
		t.Error("decoded root merkle hash mismatch")
	}
}

func TestDecodeSnapshotRejectsBatch(t *testing.T) {
	blob, err := EncodeBatch(BatchSplit, nil)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if _, err := DecodeSnapshot(blob); !errors.Is(err, ErrUnexpectedPack) {
		t.Errorf("expected ErrUnexpectedPack, got %v", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	g := sampleGraph(t)
	var updates []graph.Update
	for i := 0; i < DefaultChunkSize+3; i++ {
		n := graph.NewNode(graph.KindProp, cas.SumString(string(rune('a'+i%26))), nil)
		updates = append(updates, graph.NewNodeUpdate(n), graph.NewEdgeUpdate(g.Root(), graph.NewEdge(graph.EdgeUse), n.ID))
	}

	for _, kind := range []BatchKind{BatchLegacy, BatchSplit} {
		t.Run(string(kind), func(t *testing.T) {
			blob, err := EncodeBatch(kind, updates)
			if err != nil {
				t.Fatalf("EncodeBatch: %v", err)
			}
			got, err := DecodeBatch(kind, blob)
			if err != nil {
				t.Fatalf("DecodeBatch: %v", err)
			}
			if len(got) != len(updates) {
				t.Fatalf("expected %d updates, got %d", len(updates), len(got))
			}
			for i := range got {
				if got[i].String() != updates[i].String() {
					t.Fatalf("update %d: expected %s, got %s", i, updates[i], got[i])
				}
			}
		})
	}

	if _, err := EncodeBatch("bogus", updates); !errors.Is(err, ErrUnexpectedPack) {
		t.Errorf("expected ErrUnexpectedPack, got %v", err)
	}
}
