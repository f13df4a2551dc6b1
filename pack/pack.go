// Package pack handles the framed, compressed blob formats stored in the
// layer cache: workspace snapshots and rebase batches.
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"vgraph/cas"
	"vgraph/graph"
)

// Pack format:
// zstd(
//   [4 bytes: header length (big-endian)]
//   [header JSON: Header]
//   [object data...]
// )
//
// The header names the pack kind and describes each object's digest, kind,
// offset (relative to data start), and length.

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 10 * 1024 * 1024 // 10MB max header
)

// Pack kinds.
const (
	KindSnapshot    = "snapshot"
	KindRebaseBatch = "rebase_batch"
)

// Object kinds.
const (
	ObjectGraph   = "graph"
	ObjectUpdates = "updates"
)

var (
	ErrCorrupt        = errors.New("corrupt pack")
	ErrUnexpectedPack = errors.New("unexpected pack kind")
)

// Header is the JSON header at the start of a pack.
type Header struct {
	Kind    string        `json:"kind"`
	Objects []ObjectEntry `json:"objects"`
}

// ObjectEntry locates one object in the pack data.
type ObjectEntry struct {
	Digest cas.Hash `json:"digest"`
	Kind   string   `json:"kind"`
	Offset int64    `json:"offset"`
	Length int64    `json:"length"`
}

// Object is an object to be packed.
type Object struct {
	Kind    string
	Content []byte
}

// Single-threaded encoding: equal input must compress to equal bytes.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Build creates a zstd-compressed pack of the given kind.
func Build(kind string, objects []Object) ([]byte, error) {
	header := Header{Kind: kind}
	var data bytes.Buffer

	// Build header and concatenate data
	for _, obj := range objects {
		header.Objects = append(header.Objects, ObjectEntry{
			Digest: cas.Sum(obj.Content),
			Kind:   obj.Kind,
			Offset: int64(data.Len()),
			Length: int64(len(obj.Content)),
		})
		data.Write(obj.Content)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var raw bytes.Buffer
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	raw.Write(headerLen)
	raw.Write(headerJSON)
	raw.Write(data.Bytes())

	return encoder.EncodeAll(raw.Bytes(), nil), nil
}

// Read decompresses a pack, verifies every object digest and returns the
// header and objects in order.
func Read(blob []byte) (Header, []Object, error) {
	var header Header

	decompressed, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return header, nil, fmt.Errorf("decompressing: %w", err)
	}
	if len(decompressed) < HeaderLengthSize {
		return header, nil, fmt.Errorf("pack too small: %d bytes: %w", len(decompressed), ErrCorrupt)
	}

	// Parse header length
	headerLen := binary.BigEndian.Uint32(decompressed[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return header, nil, fmt.Errorf("header too large: %d bytes: %w", headerLen, ErrCorrupt)
	}
	if int(HeaderLengthSize+headerLen) > len(decompressed) {
		return header, nil, fmt.Errorf("header length exceeds pack size: %w", ErrCorrupt)
	}

	headerData := decompressed[HeaderLengthSize : HeaderLengthSize+headerLen]
	if err := json.Unmarshal(headerData, &header); err != nil {
		return header, nil, fmt.Errorf("parsing header: %w", err)
	}

	// Data starts after header
	objectData := decompressed[HeaderLengthSize+headerLen:]

	objects := make([]Object, 0, len(header.Objects))
	for _, entry := range header.Objects {
		if entry.Offset < 0 || entry.Length < 0 || entry.Offset+entry.Length > int64(len(objectData)) {
			return header, nil, fmt.Errorf("object %s extends beyond data: %w", entry.Digest.Short(), ErrCorrupt)
		}
		content := objectData[entry.Offset : entry.Offset+entry.Length]
		if cas.Sum(content) != entry.Digest {
			return header, nil, fmt.Errorf("digest mismatch for object at offset %d: %w", entry.Offset, ErrCorrupt)
		}
		objects = append(objects, Object{Kind: entry.Kind, Content: content})
	}
	return header, objects, nil
}

// EncodeSnapshot packs a graph. The graph must be cleaned and hashed.
func EncodeSnapshot(g *graph.Graph) ([]byte, error) {
	data, err := g.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding graph: %w", err)
	}
	return Build(KindSnapshot, []Object{{Kind: ObjectGraph, Content: data}})
}

// DecodeSnapshot unpacks a graph written by EncodeSnapshot.
func DecodeSnapshot(blob []byte) (*graph.Graph, error) {
	header, objects, err := Read(blob)
	if err != nil {
		return nil, err
	}
	if header.Kind != KindSnapshot || len(objects) != 1 || objects[0].Kind != ObjectGraph {
		return nil, fmt.Errorf("want %s pack, got %q: %w", KindSnapshot, header.Kind, ErrUnexpectedPack)
	}
	return graph.Decode(objects[0].Content)
}
