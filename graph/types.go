// Package graph provides the in-memory versioned graph: typed node and edge
// weights, merkle tree hashing, ordering satellites, cycle testing, garbage
// collection and the update primitives used to diff and merge graphs.
package graph

import (
	"vgraph/cas"
	"vgraph/ident"
)

// ID identifies nodes in the graph.
type ID = ident.ID

// NodeKind is the discriminant of a node weight.
type NodeKind string

const (
	KindRoot               NodeKind = "Root"
	KindOrdering           NodeKind = "Ordering"
	KindCategory           NodeKind = "Category"
	KindContent            NodeKind = "Content"
	KindComponent          NodeKind = "Component"
	KindSchema             NodeKind = "Schema"
	KindSchemaVariant      NodeKind = "SchemaVariant"
	KindProp               NodeKind = "Prop"
	KindAttributeValue     NodeKind = "AttributeValue"
	KindFunc               NodeKind = "Func"
	KindView               NodeKind = "View"
	KindGeometry           NodeKind = "Geometry"
	KindDependentValueRoot NodeKind = "DependentValueRoot"
)

var knownNodeKinds = map[NodeKind]bool{
	KindRoot: true, KindOrdering: true, KindCategory: true, KindContent: true,
	KindComponent: true, KindSchema: true, KindSchemaVariant: true, KindProp: true,
	KindAttributeValue: true, KindFunc: true, KindView: true, KindGeometry: true,
	KindDependentValueRoot: true,
}

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	return knownNodeKinds[k]
}

// EdgeKind is the discriminant of an edge weight.
type EdgeKind string

const (
	EdgeUse           EdgeKind = "Use"
	EdgeContain       EdgeKind = "Contain"
	EdgeOrdering      EdgeKind = "Ordering" // owner -> ordering satellite
	EdgePrototype     EdgeKind = "Prototype"
	EdgeRepresents    EdgeKind = "Represents" // geometry -> component
	EdgeFrameContains EdgeKind = "FrameContains"
	EdgeSocket        EdgeKind = "Socket"
)

var knownEdgeKinds = map[EdgeKind]bool{
	EdgeUse: true, EdgeContain: true, EdgeOrdering: true, EdgePrototype: true,
	EdgeRepresents: true, EdgeFrameContains: true, EdgeSocket: true,
}

// Valid reports whether k is one of the known edge kinds.
func (k EdgeKind) Valid() bool {
	return knownEdgeKinds[k]
}

// Ordered reports whether targets of this kind are tracked by the source's
// ordering satellite, when it has one.
func (k EdgeKind) Ordered() bool {
	return k == EdgeUse || k == EdgeContain
}

// Category names for the well-known category nodes under the root.
const (
	CategoryComponent          = "component"
	CategorySchema             = "schema"
	CategoryFunc               = "func"
	CategoryView               = "view"
	CategoryDependentValueRoot = "dependent_value_roots"
)

// NodeWeight is the payload of a node. Kind selects which of the optional
// fields are meaningful: Order is used only by KindOrdering nodes, Content
// addresses a payload in the CAS, Inline carries small scalar data.
type NodeWeight struct {
	ID        ID       `json:"id"`
	LineageID ID       `json:"lineageId"`
	Kind      NodeKind `json:"kind"`
	Content   cas.Hash `json:"content"`
	Inline    []byte   `json:"inline,omitempty"`
	Order     []ID     `json:"order,omitempty"`
}

// NewNode returns a weight with a fresh ID that starts its own lineage.
func NewNode(kind NodeKind, content cas.Hash, inline []byte) NodeWeight {
	id := ident.New()
	return NodeWeight{ID: id, LineageID: id, Kind: kind, Content: content, Inline: inline}
}

// NewCategory returns a category node weight named name.
func NewCategory(name string) NodeWeight {
	return NewNode(KindCategory, cas.ZeroHash, []byte(name))
}

// NewOrdering returns an empty ordering satellite weight.
func NewOrdering() NodeWeight {
	return NewNode(KindOrdering, cas.ZeroHash, nil)
}

// NodeHash hashes the content of the node, excluding its identity, so that
// two nodes with the same payload hash equal.
func (w NodeWeight) NodeHash() cas.Hash {
	h := cas.NewHasher()
	h.WriteString(string(w.Kind))
	h.WriteHash(w.Content)
	h.Write(w.Inline)
	h.WriteString("")
	for _, id := range w.Order {
		h.Write(id[:])
	}
	return h.Sum()
}

// Clone returns a deep copy of w.
func (w NodeWeight) Clone() NodeWeight {
	out := w
	if w.Inline != nil {
		out.Inline = append([]byte(nil), w.Inline...)
	}
	if w.Order != nil {
		out.Order = append([]ID(nil), w.Order...)
	}
	return out
}

// EdgeWeight is the payload of an edge.
type EdgeWeight struct {
	Kind      EdgeKind `json:"kind"`
	Key       string   `json:"key,omitempty"`
	IsDefault bool     `json:"isDefault,omitempty"`
}

// NewEdge returns an edge weight of the given kind.
func NewEdge(kind EdgeKind) EdgeWeight {
	return EdgeWeight{Kind: kind}
}

// Hash covers every field that distinguishes two edges of the same kind.
func (w EdgeWeight) Hash() cas.Hash {
	h := cas.NewHasher()
	h.WriteString(string(w.Kind))
	h.WriteString(w.Key)
	if w.IsDefault {
		h.WriteString("default")
	} else {
		h.WriteString("")
	}
	return h.Sum()
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	Source ID         `json:"source"`
	Target ID         `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

type edgeKey struct {
	source ID
	kind   EdgeKind
	target ID
}

func (e Edge) key() edgeKey {
	return edgeKey{source: e.Source, kind: e.Weight.Kind, target: e.Target}
}
