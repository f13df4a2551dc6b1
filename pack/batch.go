package pack

import (
	"encoding/json"
	"fmt"

	"vgraph/cas"
	"vgraph/graph"
)

// BatchKind tells a consumer how to deserialize a rebase batch blob.
type BatchKind string

const (
	// BatchLegacy is a bare JSON array of updates.
	BatchLegacy BatchKind = "legacy"
	// BatchSplit is a pack whose objects each hold a chunk of updates.
	BatchSplit BatchKind = "split"
)

// DefaultChunkSize is the number of updates per object in a split batch.
const DefaultChunkSize = 512

// RebaseBatchAddress locates a rebase batch in the layer cache.
type RebaseBatchAddress struct {
	Kind BatchKind `json:"kind"`
	Hash cas.Hash  `json:"hash"`
}

func (a RebaseBatchAddress) String() string {
	return string(a.Kind) + ":" + a.Hash.String()
}

// EncodeBatch serializes updates in the given representation.
func EncodeBatch(kind BatchKind, updates []graph.Update) ([]byte, error) {
	switch kind {
	case BatchLegacy:
		if updates == nil {
			updates = []graph.Update{}
		}
		data, err := json.Marshal(updates)
		if err != nil {
			return nil, fmt.Errorf("marshaling updates: %w", err)
		}
		return data, nil

	case BatchSplit:
		var objects []Object
		for start := 0; start < len(updates); start += DefaultChunkSize {
			end := min(start+DefaultChunkSize, len(updates))
			data, err := json.Marshal(updates[start:end])
			if err != nil {
				return nil, fmt.Errorf("marshaling updates: %w", err)
			}
			objects = append(objects, Object{Kind: ObjectUpdates, Content: data})
		}
		return Build(KindRebaseBatch, objects)
	}
	return nil, fmt.Errorf("batch kind %q: %w", kind, ErrUnexpectedPack)
}

// DecodeBatch parses a blob written by EncodeBatch.
func DecodeBatch(kind BatchKind, blob []byte) ([]graph.Update, error) {
	switch kind {
	case BatchLegacy:
		var updates []graph.Update
		if err := json.Unmarshal(blob, &updates); err != nil {
			return nil, fmt.Errorf("parsing updates: %w", err)
		}
		return updates, nil

	case BatchSplit:
		header, objects, err := Read(blob)
		if err != nil {
			return nil, err
		}
		if header.Kind != KindRebaseBatch {
			return nil, fmt.Errorf("want %s pack, got %q: %w", KindRebaseBatch, header.Kind, ErrUnexpectedPack)
		}
		var updates []graph.Update
		for _, obj := range objects {
			if obj.Kind != ObjectUpdates {
				return nil, fmt.Errorf("object kind %q in rebase batch: %w", obj.Kind, ErrCorrupt)
			}
			var chunk []graph.Update
			if err := json.Unmarshal(obj.Content, &chunk); err != nil {
				return nil, fmt.Errorf("parsing updates: %w", err)
			}
			updates = append(updates, chunk...)
		}
		return updates, nil
	}
	return nil, fmt.Errorf("batch kind %q: %w", kind, ErrUnexpectedPack)
}
