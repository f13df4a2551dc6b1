// Package ident provides the sortable 128-bit identifiers used for nodes,
// edges, change sets and workspaces.
package ident

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// ID is a ULID. IDs sort by creation time and are never reused.
type ID = ulid.ULID

// Nil is the zero ID.
var Nil ID

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ID. IDs generated within the same millisecond are
// strictly increasing.
func New() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Parse parses the canonical 26-character string form.
func Parse(s string) (ID, error) {
	return ulid.Parse(s)
}

// MustParse is Parse that panics on malformed input. Intended for tests and
// constants.
func MustParse(s string) ID {
	return ulid.MustParse(s)
}

// IsNil reports whether id is the zero ID.
func IsNil(id ID) bool {
	return id == Nil
}

// Less orders IDs bytewise, which is also creation order.
func Less(a, b ID) bool {
	return a.Compare(b) < 0
}

// Ptr returns a pointer to a copy of id. Useful for optional columns.
func Ptr(id ID) *ID {
	return &id
}
