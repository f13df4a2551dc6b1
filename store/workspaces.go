package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"vgraph/ident"
)

// Workspace is a row of the workspaces table.
type Workspace struct {
	ID                 ident.ID
	Name               string
	DefaultChangeSetID ident.ID
	CreatedAt          int64
}

// InsertWorkspace inserts a new workspace.
func (db *DB) InsertWorkspace(ctx context.Context, tx *sql.Tx, w Workspace) error {
	_, err := db.exec(ctx, db.on(tx), db.sb.
		Insert("workspaces").
		Columns("id", "name", "default_change_set_id", "created_at").
		Values(w.ID.String(), w.Name, idString(w.DefaultChangeSetID), w.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

// SetDefaultChangeSet points the workspace's HEAD at changeSetID.
func (db *DB) SetDefaultChangeSet(ctx context.Context, tx *sql.Tx, workspaceID, changeSetID ident.ID) error {
	res, err := db.exec(ctx, db.on(tx), db.sb.
		Update("workspaces").
		Set("default_change_set_id", changeSetID.String()).
		Where(sq.Eq{"id": workspaceID.String()}))
	if err != nil {
		return fmt.Errorf("updating default change set: %w", err)
	}
	return expectOneRow(res)
}

// GetWorkspace returns the workspace with the given ID.
func (db *DB) GetWorkspace(ctx context.Context, id ident.ID) (*Workspace, error) {
	row, err := db.queryRow(ctx, db.conn, db.sb.
		Select("id", "name", "default_change_set_id", "created_at").
		From("workspaces").
		Where(sq.Eq{"id": id.String()}))
	if err != nil {
		return nil, err
	}
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}
	return w, nil
}

// ListWorkspaces returns every workspace ordered by ID.
func (db *DB) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := db.query(ctx, db.conn, db.sb.
		Select("id", "name", "default_change_set_id", "created_at").
		From("workspaces").
		OrderBy("id ASC"))
	if err != nil {
		return nil, fmt.Errorf("querying workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(s scanner) (*Workspace, error) {
	var (
		w           Workspace
		id, headStr string
	)
	if err := s.Scan(&id, &w.Name, &headStr, &w.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.ID, err = ident.Parse(id); err != nil {
		return nil, err
	}
	if headStr != "" {
		if w.DefaultChangeSetID, err = ident.Parse(headStr); err != nil {
			return nil, err
		}
	}
	return &w, nil
}

func idString(id ident.ID) string {
	if ident.IsNil(id) {
		return ""
	}
	return id.String()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
