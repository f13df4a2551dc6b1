// Package cas provides content-addressing utilities: BLAKE3 hashes, the
// Hash address type and canonical JSON serialization.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// HashSize is the length of a content address in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 content address.
type Hash [HashSize]byte

// ZeroHash is the empty address.
var ZeroHash Hash

// Sum returns the content address of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// SumString is Sum over the bytes of s.
func SumString(s string) Hash {
	return Sum([]byte(s))
}

// HashFromBytes copies b into a Hash. b must be HashSize bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses the hex form of a Hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("decoding hash: %w", err)
	}
	return HashFromBytes(b)
}

// MustParseHash is ParseHash that panics. For tests.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return h.String()[:8]
}

// IsZero reports whether h is the empty address.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash. An empty string decodes to ZeroHash.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = ZeroHash
		return nil
	}
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher accumulates input for a single Hash. Used for merkle hashing where
// several parts are combined.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a streaming BLAKE3-256 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(HashSize, nil)}
}

// Write adds p to the hash. It never fails.
func (w *Hasher) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// WriteString adds s followed by a NUL separator.
func (w *Hasher) WriteString(s string) {
	w.h.Write([]byte(s))
	w.h.Write([]byte{0})
}

// WriteHash adds another hash.
func (w *Hasher) WriteHash(h Hash) {
	w.h.Write(h[:])
}

// Sum returns the accumulated hash.
func (w *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], w.h.Sum(nil))
	return out
}

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// ContentAddress computes the address of a structured payload:
// blake3(kind + "\n" + canonicalJSON(payload)).
func ContentAddress(kind string, payload interface{}) (Hash, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return ZeroHash, err
	}
	data := append([]byte(kind+"\n"), canonical...)
	return Sum(data), nil
}
