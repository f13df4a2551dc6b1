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

var ErrHistoryCorrupt = errors.New("history chain corrupt")

// HistoryEvent is what callers append.
type HistoryEvent struct {
	Actor       string
	WorkspaceID ident.ID
	ChangeSetID ident.ID
	Kind        string
	Data        map[string]interface{}
}

// HistoryEntry is a stored history row. Entries of one change set form a
// chain: Parent is the ID of the previous entry and ID is the BLAKE3 of the
// canonical entry JSON kept in Meta.
type HistoryEntry struct {
	Seq         int64
	ID          cas.Hash
	Parent      cas.Hash
	Time        int64
	Actor       string
	WorkspaceID ident.ID
	ChangeSetID ident.ID
	Kind        string
	Meta        string
}

// HistoryFilter narrows ListHistory.
type HistoryFilter struct {
	ChangeSetID *ident.ID
	WorkspaceID *ident.ID
	AfterSeq    int64
	Limit       int
}

// AppendHistory appends ev to its change set's chain.
func (db *DB) AppendHistory(ctx context.Context, tx *sql.Tx, ev HistoryEvent) (*HistoryEntry, error) {
	ts := cas.NowMs()

	// Chain onto the last entry for this change set
	var parent cas.Hash
	row, err := db.queryRow(ctx, db.on(tx), db.sb.
		Select("id").
		From("history_events").
		Where(sq.Eq{"change_set_id": ev.ChangeSetID.String()}).
		OrderBy("seq DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	var parentStr string
	switch err := row.Scan(&parentStr); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("getting parent history: %w", err)
	default:
		if parent, err = cas.ParseHash(parentStr); err != nil {
			return nil, fmt.Errorf("parsing parent history id: %w", err)
		}
	}

	entry := map[string]interface{}{
		"time":        ts,
		"actor":       ev.Actor,
		"workspaceId": ev.WorkspaceID.String(),
		"changeSetId": ev.ChangeSetID.String(),
		"kind":        ev.Kind,
	}
	if ev.Data != nil {
		entry["data"] = ev.Data
	}
	if !parent.IsZero() {
		entry["parent"] = parent.String()
	}
	entryJSON, err := cas.CanonicalJSON(entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling history entry: %w", err)
	}
	id := cas.Sum(entryJSON)

	var parentCol any
	if !parent.IsZero() {
		parentCol = parent.String()
	}
	_, err = db.exec(ctx, db.on(tx), db.sb.
		Insert("history_events").
		Columns("id", "parent", "time", "actor", "workspace_id", "change_set_id", "kind", "meta").
		Values(id.String(), parentCol, ts, ev.Actor, ev.WorkspaceID.String(), ev.ChangeSetID.String(),
			ev.Kind, string(entryJSON)))
	if err != nil {
		return nil, fmt.Errorf("inserting history entry: %w", err)
	}

	return &HistoryEntry{
		ID:          id,
		Parent:      parent,
		Time:        ts,
		Actor:       ev.Actor,
		WorkspaceID: ev.WorkspaceID,
		ChangeSetID: ev.ChangeSetID,
		Kind:        ev.Kind,
		Meta:        string(entryJSON),
	}, nil
}

// ListHistory returns entries matching f in append order.
func (db *DB) ListHistory(ctx context.Context, f HistoryFilter) ([]*HistoryEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	b := db.sb.
		Select("seq", "id", "parent", "time", "actor", "workspace_id", "change_set_id", "kind", "meta").
		From("history_events").
		Where(sq.Gt{"seq": f.AfterSeq}).
		OrderBy("seq ASC").
		Limit(uint64(f.Limit))
	if f.ChangeSetID != nil {
		b = b.Where(sq.Eq{"change_set_id": f.ChangeSetID.String()})
	}
	if f.WorkspaceID != nil {
		b = b.Where(sq.Eq{"workspace_id": f.WorkspaceID.String()})
	}

	rows, err := db.query(ctx, db.conn, b)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			id, ws, cs string
			parent     sql.NullString
		)
		if err := rows.Scan(&e.Seq, &id, &parent, &e.Time, &e.Actor, &ws, &cs, &e.Kind, &e.Meta); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if e.ID, err = cas.ParseHash(id); err != nil {
			return nil, fmt.Errorf("parsing history id: %w", err)
		}
		if parent.Valid {
			if e.Parent, err = cas.ParseHash(parent.String); err != nil {
				return nil, fmt.Errorf("parsing history parent: %w", err)
			}
		}
		if e.WorkspaceID, err = ident.Parse(ws); err != nil {
			return nil, fmt.Errorf("parsing workspace id: %w", err)
		}
		if e.ChangeSetID, err = ident.Parse(cs); err != nil {
			return nil, fmt.Errorf("parsing change set id: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyHistory walks the chain of changeSetID and checks that every entry
// hashes to its ID and links to its predecessor.
func (db *DB) VerifyHistory(ctx context.Context, changeSetID ident.ID) error {
	var (
		prev  cas.Hash
		after int64
	)
	for {
		entries, err := db.ListHistory(ctx, HistoryFilter{ChangeSetID: &changeSetID, AfterSeq: after, Limit: 500})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if cas.SumString(e.Meta) != e.ID {
				return fmt.Errorf("entry %d: %w: id does not match content", e.Seq, ErrHistoryCorrupt)
			}
			if e.Parent != prev {
				return fmt.Errorf("entry %d: %w: parent %s, expected %s", e.Seq, ErrHistoryCorrupt, e.Parent.Short(), prev.Short())
			}
			prev = e.ID
			after = e.Seq
		}
	}
}
