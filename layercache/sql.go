package layercache

import (
	"context"
	"errors"

	"vgraph/cas"
	"vgraph/store"
)

// SQLBackend keeps blobs in the cas_objects table of the main database. It
// is the durable tier when no object storage is configured.
type SQLBackend struct {
	db *store.DB
}

// NewSQLBackend wraps db.
func NewSQLBackend(db *store.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (s *SQLBackend) Name() string { return "sql" }

func (s *SQLBackend) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	data, err := s.db.GetObject(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *SQLBackend) Put(ctx context.Context, addr cas.Hash, data []byte) error {
	return s.db.PutObject(ctx, addr, data)
}

func (s *SQLBackend) Delete(ctx context.Context, addr cas.Hash) error {
	return s.db.DeleteObject(ctx, addr)
}

func (s *SQLBackend) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	return s.db.HasObject(ctx, addr)
}
