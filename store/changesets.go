package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"vgraph/cas"
	"vgraph/ident"
)

// ChangeSetRow is a row of change_set_pointers. Status is stored as text;
// the changeset package owns its meaning.
type ChangeSetRow struct {
	ID               ident.ID
	Name             string
	Status           string
	BaseChangeSetID  *ident.ID
	WorkspaceID      ident.ID
	SnapshotAddress  cas.Hash
	MergeRequestedBy *string
	MergeRequestedAt *int64
	ReviewedBy       *string
	ReviewedAt       *int64
	CreatedAt        int64
	UpdatedAt        int64
}

var changeSetColumns = []string{
	"id", "name", "status", "base_change_set_id", "workspace_id",
	"workspace_snapshot_address", "merge_requested_by_user_id", "merge_requested_at",
	"reviewed_by_user_id", "reviewed_at", "created_at", "updated_at",
}

// ChangeSetFilter narrows ListChangeSets. Zero fields match everything.
type ChangeSetFilter struct {
	WorkspaceID *ident.ID
	Statuses    []string
}

// InsertChangeSet inserts row and registers its snapshot address.
func (db *DB) InsertChangeSet(ctx context.Context, tx *sql.Tx, row ChangeSetRow) error {
	var base any
	if row.BaseChangeSetID != nil {
		base = row.BaseChangeSetID.String()
	}
	_, err := db.exec(ctx, db.on(tx), db.sb.
		Insert("change_set_pointers").
		Columns(changeSetColumns...).
		Values(row.ID.String(), row.Name, row.Status, base, row.WorkspaceID.String(),
			row.SnapshotAddress.String(), row.MergeRequestedBy, row.MergeRequestedAt,
			row.ReviewedBy, row.ReviewedAt, row.CreatedAt, row.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting change set: %w", err)
	}
	return db.TouchAddress(ctx, tx, row.SnapshotAddress, row.UpdatedAt)
}

// GetChangeSet returns the change set with the given ID.
func (db *DB) GetChangeSet(ctx context.Context, id ident.ID) (*ChangeSetRow, error) {
	return db.getChangeSet(ctx, db.conn, id)
}

// GetChangeSetTx is GetChangeSet inside tx.
func (db *DB) GetChangeSetTx(ctx context.Context, tx *sql.Tx, id ident.ID) (*ChangeSetRow, error) {
	return db.getChangeSet(ctx, db.on(tx), id)
}

func (db *DB) getChangeSet(ctx context.Context, r runner, id ident.ID) (*ChangeSetRow, error) {
	row, err := db.queryRow(ctx, r, db.sb.
		Select(changeSetColumns...).
		From("change_set_pointers").
		Where(sq.Eq{"id": id.String()}))
	if err != nil {
		return nil, err
	}
	cs, err := scanChangeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying change set: %w", err)
	}
	return cs, nil
}

// ListChangeSets returns change sets matching f, oldest first.
func (db *DB) ListChangeSets(ctx context.Context, f ChangeSetFilter) ([]*ChangeSetRow, error) {
	b := db.sb.Select(changeSetColumns...).From("change_set_pointers").OrderBy("created_at ASC", "id ASC")
	if f.WorkspaceID != nil {
		b = b.Where(sq.Eq{"workspace_id": f.WorkspaceID.String()})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": f.Statuses})
	}

	rows, err := db.query(ctx, db.conn, b)
	if err != nil {
		return nil, fmt.Errorf("querying change sets: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSetRow
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change set: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpdateChangeSet writes the mutable columns of row: name, status, the
// approval fields and updated_at. The snapshot address is only changed by
// SwapSnapshotAddress.
func (db *DB) UpdateChangeSet(ctx context.Context, tx *sql.Tx, row ChangeSetRow) error {
	res, err := db.exec(ctx, db.on(tx), db.sb.
		Update("change_set_pointers").
		Set("name", row.Name).
		Set("status", row.Status).
		Set("merge_requested_by_user_id", row.MergeRequestedBy).
		Set("merge_requested_at", row.MergeRequestedAt).
		Set("reviewed_by_user_id", row.ReviewedBy).
		Set("reviewed_at", row.ReviewedAt).
		Set("updated_at", row.UpdatedAt).
		Where(sq.Eq{"id": row.ID.String()}))
	if err != nil {
		return fmt.Errorf("updating change set: %w", err)
	}
	return expectOneRow(res)
}

// SwapSnapshotAddress points the change set at addr and returns the address
// it pointed at before. Both addresses have their last-used time set to now
// so the retention sweeper keeps the previous snapshot for a while.
func (db *DB) SwapSnapshotAddress(ctx context.Context, tx *sql.Tx, id ident.ID, addr cas.Hash, now int64) (cas.Hash, error) {
	return db.swapSnapshotAddress(ctx, tx, id, nil, addr, now)
}

// SwapSnapshotAddressFrom is SwapSnapshotAddress for a change set that must
// still point at expected. It fails with ErrStaleAddress otherwise.
func (db *DB) SwapSnapshotAddressFrom(ctx context.Context, tx *sql.Tx, id ident.ID, expected, addr cas.Hash, now int64) (cas.Hash, error) {
	return db.swapSnapshotAddress(ctx, tx, id, &expected, addr, now)
}

func (db *DB) swapSnapshotAddress(ctx context.Context, tx *sql.Tx, id ident.ID, expected *cas.Hash, addr cas.Hash, now int64) (cas.Hash, error) {
	current, err := db.getChangeSet(ctx, db.on(tx), id)
	if err != nil {
		return cas.ZeroHash, err
	}
	where := sq.Eq{"id": id.String()}
	if expected != nil {
		if current.SnapshotAddress != *expected {
			return cas.ZeroHash, fmt.Errorf("%s points at %s, not %s: %w", id, current.SnapshotAddress.Short(), expected.Short(), ErrStaleAddress)
		}
		where["workspace_snapshot_address"] = expected.String()
	}
	res, err := db.exec(ctx, db.on(tx), db.sb.
		Update("change_set_pointers").
		Set("workspace_snapshot_address", addr.String()).
		Set("updated_at", now).
		Where(where))
	if err != nil {
		return cas.ZeroHash, fmt.Errorf("updating snapshot address: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && expected != nil {
		return cas.ZeroHash, fmt.Errorf("%s moved off %s: %w", id, expected.Short(), ErrStaleAddress)
	}
	if err := db.TouchAddress(ctx, tx, current.SnapshotAddress, now); err != nil {
		return cas.ZeroHash, err
	}
	if err := db.TouchAddress(ctx, tx, addr, now); err != nil {
		return cas.ZeroHash, err
	}
	return current.SnapshotAddress, nil
}

// CountChangeSetsAt returns how many change sets point at addr.
func (db *DB) CountChangeSetsAt(ctx context.Context, addr cas.Hash) (int, error) {
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("COUNT(*)").
		From("change_set_pointers").
		Where(sq.Eq{"workspace_snapshot_address": addr.String()}))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting change sets: %w", err)
	}
	return n, nil
}

func scanChangeSet(s scanner) (*ChangeSetRow, error) {
	var (
		cs                  ChangeSetRow
		id, ws, addr        string
		base                sql.NullString
		mergeBy, reviewedBy sql.NullString
		mergeAt, reviewedAt sql.NullInt64
	)
	err := s.Scan(&id, &cs.Name, &cs.Status, &base, &ws, &addr,
		&mergeBy, &mergeAt, &reviewedBy, &reviewedAt, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cs.ID, err = ident.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing change set id: %w", err)
	}
	if cs.WorkspaceID, err = ident.Parse(ws); err != nil {
		return nil, fmt.Errorf("parsing workspace id: %w", err)
	}
	if cs.SnapshotAddress, err = cas.ParseHash(addr); err != nil {
		return nil, fmt.Errorf("parsing snapshot address: %w", err)
	}
	if base.Valid && base.String != "" {
		b, err := ident.Parse(base.String)
		if err != nil {
			return nil, fmt.Errorf("parsing base change set id: %w", err)
		}
		cs.BaseChangeSetID = &b
	}
	if mergeBy.Valid {
		cs.MergeRequestedBy = &mergeBy.String
	}
	if mergeAt.Valid {
		cs.MergeRequestedAt = &mergeAt.Int64
	}
	if reviewedBy.Valid {
		cs.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		cs.ReviewedAt = &reviewedAt.Int64
	}
	return &cs, nil
}
