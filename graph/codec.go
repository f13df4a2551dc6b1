package graph

import (
	"encoding/json"
	"errors"
	"fmt"

	"vgraph/cas"
)

// CodecVersion is the version written by Encode.
const CodecVersion = 1

var ErrCorrupt = errors.New("corrupt graph encoding")

type encodedNode struct {
	NodeWeight
	Merkle cas.Hash `json:"merkle"`
}

type encodedGraph struct {
	Version int           `json:"version"`
	Root    ID            `json:"root"`
	Nodes   []encodedNode `json:"nodes"`
	Edges   []Edge        `json:"edges"`
}

// Encode serializes the live graph deterministically: nodes sorted by ID,
// edges by (source, kind, target). Identical graphs encode to identical
// bytes. Callers run CleanupAndMerkleTreeHash first.
func (g *Graph) Encode() ([]byte, error) {
	enc := encodedGraph{Version: CodecVersion, Root: g.root}
	for _, w := range g.Nodes() {
		enc.Nodes = append(enc.Nodes, encodedNode{NodeWeight: w, Merkle: g.merkle[w.ID]})
	}
	enc.Edges = g.Edges()
	return json.Marshal(enc)
}

// Decode parses data written by Encode. Stored merkle hashes are trusted.
func Decode(data []byte) (*Graph, error) {
	var enc encodedGraph
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	if enc.Version != CodecVersion {
		return nil, fmt.Errorf("graph encoding version %d: %w", enc.Version, ErrCorrupt)
	}

	g := empty()
	g.root = enc.Root
	for _, n := range enc.Nodes {
		if !n.Kind.Valid() {
			return nil, fmt.Errorf("node %s kind %q: %w", n.ID, n.Kind, ErrCorrupt)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s: %w", n.ID, ErrCorrupt)
		}
		if n.Kind == KindRoot && n.ID != enc.Root {
			return nil, fmt.Errorf("second root %s: %w", n.ID, ErrCorrupt)
		}
		g.nodes[n.ID] = n.NodeWeight
		g.indexLineage(n.LineageID, n.ID)
		if !n.Merkle.IsZero() {
			g.merkle[n.ID] = n.Merkle
		}
	}
	if root, ok := g.nodes[enc.Root]; !ok || root.Kind != KindRoot {
		return nil, fmt.Errorf("missing root %s: %w", enc.Root, ErrCorrupt)
	}
	for _, e := range enc.Edges {
		if !e.Weight.Kind.Valid() {
			return nil, fmt.Errorf("edge kind %q: %w", e.Weight.Kind, ErrCorrupt)
		}
		_, okSrc := g.nodes[e.Source]
		_, okDst := g.nodes[e.Target]
		if !okSrc || !okDst {
			return nil, fmt.Errorf("edge %s -> %s has a missing endpoint: %w", e.Source, e.Target, ErrCorrupt)
		}
		if _, dup := g.edges[e.key()]; dup {
			continue
		}
		g.insertEdge(e)
	}
	return g, nil
}
