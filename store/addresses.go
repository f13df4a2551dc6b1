package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"vgraph/cas"
)

// TouchAddress records that addr was used at now, registering it if new.
// tx may be nil.
func (db *DB) TouchAddress(ctx context.Context, tx *sql.Tx, addr cas.Hash, now int64) error {
	_, err := db.exec(ctx, db.on(tx), db.sb.
		Insert("workspace_snapshot_addresses").
		Columns("address", "created_at", "last_used_at").
		Values(addr.String(), now, now).
		Suffix("ON CONFLICT(address) DO UPDATE SET last_used_at = excluded.last_used_at"))
	if err != nil {
		return fmt.Errorf("touching address %s: %w", addr.Short(), err)
	}
	return nil
}

// AddressLastUsed returns the last-used time of addr.
func (db *DB) AddressLastUsed(ctx context.Context, addr cas.Hash) (int64, error) {
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("last_used_at").
		From("workspace_snapshot_addresses").
		Where(sq.Eq{"address": addr.String()}))
	if err != nil {
		return 0, err
	}
	var ts int64
	if err := row.Scan(&ts); errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, fmt.Errorf("querying address: %w", err)
	}
	return ts, nil
}

// StaleAddresses returns registered addresses last used before cutoff that
// no change set points at.
func (db *DB) StaleAddresses(ctx context.Context, cutoff int64, limit int) ([]cas.Hash, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.query(ctx, db.conn, db.sb.
		Select("address").
		From("workspace_snapshot_addresses").
		Where(sq.Lt{"last_used_at": cutoff}).
		Where("address NOT IN (SELECT workspace_snapshot_address FROM change_set_pointers)").
		OrderBy("last_used_at ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, fmt.Errorf("querying stale addresses: %w", err)
	}
	defer rows.Close()

	var out []cas.Hash
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning address: %w", err)
		}
		h, err := cas.ParseHash(s)
		if err != nil {
			return nil, fmt.Errorf("parsing address: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Retain registers addr as used now and then runs write, which stores the
// blob. A concurrent SweepAddress of the same address either finishes first,
// so write stores the blob back, or sees the fresh last-used time and keeps
// the blob.
func (db *DB) Retain(ctx context.Context, addr cas.Hash, write func(context.Context) error) error {
	db.retainMu.RLock()
	defer db.retainMu.RUnlock()
	if err := db.TouchAddress(ctx, nil, addr, cas.NowMs()); err != nil {
		return err
	}
	return write(ctx)
}

// SweepAddress removes addr if it is still unreferenced and was last used
// before cutoff. remove deletes the blob and runs before the row is
// unregistered, so a failed removal is retried by the next sweep. It
// reports whether the address was removed.
func (db *DB) SweepAddress(ctx context.Context, addr cas.Hash, cutoff int64, remove func(context.Context) error) (bool, error) {
	db.retainMu.Lock()
	defer db.retainMu.Unlock()

	stale := sq.And{
		sq.Eq{"address": addr.String()},
		sq.Lt{"last_used_at": cutoff},
		sq.Expr("address NOT IN (SELECT workspace_snapshot_address FROM change_set_pointers)"),
	}
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("COUNT(*)").
		From("workspace_snapshot_addresses").
		Where(stale))
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("checking address: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := remove(ctx); err != nil {
		return false, err
	}
	if _, err := db.exec(ctx, db.conn, db.sb.
		Delete("workspace_snapshot_addresses").
		Where(stale)); err != nil {
		return false, fmt.Errorf("deleting address: %w", err)
	}
	return true, nil
}
