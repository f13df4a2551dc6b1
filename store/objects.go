package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"vgraph/cas"
)

// GetObject returns the bytes stored at addr.
func (db *DB) GetObject(ctx context.Context, addr cas.Hash) ([]byte, error) {
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("data").
		From("cas_objects").
		Where(sq.Eq{"address": addr.String()}))
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := row.Scan(&data); errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("querying object: %w", err)
	}
	return data, nil
}

// PutObject stores data at addr. Objects are write-once.
func (db *DB) PutObject(ctx context.Context, addr cas.Hash, data []byte) error {
	_, err := db.exec(ctx, db.conn, db.sb.
		Insert("cas_objects").
		Columns("address", "size", "data", "created_at").
		Values(addr.String(), len(data), data, cas.NowMs()).
		Suffix("ON CONFLICT(address) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("inserting object: %w", err)
	}
	return nil
}

// DeleteObject removes the object at addr if present.
func (db *DB) DeleteObject(ctx context.Context, addr cas.Hash) error {
	_, err := db.exec(ctx, db.conn, db.sb.
		Delete("cas_objects").
		Where(sq.Eq{"address": addr.String()}))
	if err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// HasObject reports whether an object is stored at addr.
func (db *DB) HasObject(ctx context.Context, addr cas.Hash) (bool, error) {
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("1").
		From("cas_objects").
		Where(sq.Eq{"address": addr.String()}))
	if err != nil {
		return false, err
	}
	var one int
	if err := row.Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("querying object: %w", err)
	}
	return true, nil
}
