// Package changeset manages change sets: named branches of a workspace's
// graph with an approval lifecycle, applied to their base change set
// through the rebaser.
package changeset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/events"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/layercache"
	"vgraph/pack"
	"vgraph/rpc"
	"vgraph/snapshot"
	"vgraph/store"
)

// HeadName is the name given to a workspace's first change set.
const HeadName = "HEAD"

// History entry kinds.
const (
	historyCreate  = "change_set.create"
	historyStatus  = "change_set.status"
	historyRename  = "change_set.rename"
	historyPointer = "change_set.pointer"
	historyApply   = "change_set.apply"
)

var tracer = otel.Tracer("vgraph.changeset")

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_change_set_apply_total",
		Help: "Apply attempts by result",
	}, []string{"result"})

	rebaseWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vgraph_rebase_wait_seconds",
		Help:    "Time spent waiting for the rebaser to reply",
		Buckets: prometheus.DefBuckets,
	})
)

// ChangeSet is a branch of a workspace's graph. Times are milliseconds
// since the epoch.
type ChangeSet struct {
	ID               ident.ID  `json:"id"`
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	BaseChangeSetID  *ident.ID `json:"baseChangeSetId,omitempty"`
	WorkspaceID      ident.ID  `json:"workspaceId"`
	SnapshotAddress  cas.Hash  `json:"workspaceSnapshotAddress"`
	MergeRequestedBy *string   `json:"mergeRequestedByUserId,omitempty"`
	MergeRequestedAt *int64    `json:"mergeRequestedAt,omitempty"`
	ReviewedBy       *string   `json:"reviewedByUserId,omitempty"`
	ReviewedAt       *int64    `json:"reviewedAt,omitempty"`
	CreatedAt        int64     `json:"createdAt"`
	UpdatedAt        int64     `json:"updatedAt"`
}

func fromRow(r *store.ChangeSetRow) *ChangeSet {
	return &ChangeSet{
		ID:               r.ID,
		Name:             r.Name,
		Status:           Status(r.Status),
		BaseChangeSetID:  r.BaseChangeSetID,
		WorkspaceID:      r.WorkspaceID,
		SnapshotAddress:  r.SnapshotAddress,
		MergeRequestedBy: r.MergeRequestedBy,
		MergeRequestedAt: r.MergeRequestedAt,
		ReviewedBy:       r.ReviewedBy,
		ReviewedAt:       r.ReviewedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (cs *ChangeSet) row() store.ChangeSetRow {
	return store.ChangeSetRow{
		ID:               cs.ID,
		Name:             cs.Name,
		Status:           string(cs.Status),
		BaseChangeSetID:  cs.BaseChangeSetID,
		WorkspaceID:      cs.WorkspaceID,
		SnapshotAddress:  cs.SnapshotAddress,
		MergeRequestedBy: cs.MergeRequestedBy,
		MergeRequestedAt: cs.MergeRequestedAt,
		ReviewedBy:       cs.ReviewedBy,
		ReviewedAt:       cs.ReviewedAt,
		CreatedAt:        cs.CreatedAt,
		UpdatedAt:        cs.UpdatedAt,
	}
}

// Options tune Manager policy and timing.
type Options struct {
	// RequireApproval makes apply refuse change sets that are not approved.
	RequireApproval bool
	// AllowSelfApproval lets the requester approve or reject their own
	// request.
	AllowSelfApproval bool
	RebaseTimeout     time.Duration
	DVUWaitTimeout    time.Duration
	DVUPollInterval   time.Duration
	BatchKind         pack.BatchKind
	SnapshotOptions   []snapshot.Option
}

// DefaultOptions returns the standard timings: a 60s ceiling on rebase
// replies and DVU waits, polling every 50ms.
func DefaultOptions() Options {
	return Options{
		RebaseTimeout:   60 * time.Second,
		DVUWaitTimeout:  60 * time.Second,
		DVUPollInterval: 50 * time.Millisecond,
		BatchKind:       pack.BatchSplit,
	}
}

// Manager implements change set operations over the database, the CAS and
// the rebase RPC boundary.
type Manager struct {
	db     *store.DB
	cas    layercache.Store
	rebase rpc.Client
	events events.Publisher
	log    *zap.SugaredLogger
	opts   Options
}

// NewManager creates a manager. rebase may be nil for managers that never
// apply; pub may be nil to drop events.
func NewManager(db *store.DB, cas layercache.Store, rebase rpc.Client, pub events.Publisher, log *zap.SugaredLogger, opts Options) *Manager {
	def := DefaultOptions()
	if opts.RebaseTimeout <= 0 {
		opts.RebaseTimeout = def.RebaseTimeout
	}
	if opts.DVUWaitTimeout <= 0 {
		opts.DVUWaitTimeout = def.DVUWaitTimeout
	}
	if opts.DVUPollInterval <= 0 {
		opts.DVUPollInterval = def.DVUPollInterval
	}
	if opts.BatchKind == "" {
		opts.BatchKind = def.BatchKind
	}
	if pub == nil {
		pub = events.Nop{}
	}
	opts.SnapshotOptions = append([]snapshot.Option{snapshot.WithRetainer(db)}, opts.SnapshotOptions...)
	return &Manager{db: db, cas: cas, rebase: rebase, events: pub, log: log, opts: opts}
}

// SetRebaseClient sets the client used by ApplyToBaseChangeSet. It exists
// for wiring where the rebaser itself needs the manager.
func (m *Manager) SetRebaseClient(c rpc.Client) {
	m.rebase = c
}

// Options returns the manager's effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// CAS returns the blob store snapshots are written to.
func (m *Manager) CAS() layercache.Store {
	return m.cas
}

// CreateWorkspace creates a workspace with the initial graph and its HEAD
// change set.
func (m *Manager) CreateWorkspace(ctx context.Context, name, actor string) (*store.Workspace, *ChangeSet, error) {
	snap, err := snapshot.Initial(ctx, m.cas, m.opts.SnapshotOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("building initial snapshot: %w", err)
	}

	now := cas.NowMs()
	ws := &store.Workspace{ID: ident.New(), Name: name, CreatedAt: now}
	head := &ChangeSet{
		ID:              ident.New(),
		Name:            HeadName,
		Status:          StatusOpen,
		WorkspaceID:     ws.ID,
		SnapshotAddress: snap.Address(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ws.DefaultChangeSetID = head.ID

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.db.InsertWorkspace(ctx, tx, *ws); err != nil {
			return err
		}
		if err := m.db.InsertChangeSet(ctx, tx, head.row()); err != nil {
			return err
		}
		_, err := m.db.AppendHistory(ctx, tx, store.HistoryEvent{
			Actor:       actor,
			WorkspaceID: ws.ID,
			ChangeSetID: head.ID,
			Kind:        historyCreate,
			Data:        map[string]interface{}{"name": head.Name, "address": head.SnapshotAddress.String()},
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating workspace: %w", err)
	}

	m.log.Infow("created workspace", "workspace", ws.ID, "head", head.ID, "actor", actor)
	m.publish(ctx, events.New(events.ChangeSetCreated, ws.ID, head.ID, actor))
	return ws, head, nil
}

// Workspace returns the workspace with the given ID.
func (m *Manager) Workspace(ctx context.Context, id ident.ID) (*store.Workspace, error) {
	ws, err := m.db.GetWorkspace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrWorkspaceNotFound)
	}
	return ws, err
}

// NewParams describes a change set to create.
type NewParams struct {
	WorkspaceID     ident.ID
	Name            string
	BaseChangeSetID *ident.ID
	// SnapshotAddress defaults to the base change set's address.
	SnapshotAddress cas.Hash
	Actor           string
}

// New inserts an open change set.
func (m *Manager) New(ctx context.Context, p NewParams) (*ChangeSet, error) {
	if _, err := m.Workspace(ctx, p.WorkspaceID); err != nil {
		return nil, err
	}
	addr := p.SnapshotAddress
	if p.BaseChangeSetID != nil {
		base, err := m.Find(ctx, *p.BaseChangeSetID)
		if err != nil {
			return nil, fmt.Errorf("base change set: %w", err)
		}
		if base.WorkspaceID != p.WorkspaceID {
			return nil, fmt.Errorf("base change set %s belongs to another workspace: %w", base.ID, ErrNoBaseChangeSet)
		}
		if addr.IsZero() {
			addr = base.SnapshotAddress
		}
	}
	if addr.IsZero() {
		return nil, fmt.Errorf("change set %q needs a base or a snapshot address: %w", p.Name, ErrNoBaseChangeSet)
	}

	now := cas.NowMs()
	cs := &ChangeSet{
		ID:              ident.New(),
		Name:            p.Name,
		Status:          StatusOpen,
		BaseChangeSetID: p.BaseChangeSetID,
		WorkspaceID:     p.WorkspaceID,
		SnapshotAddress: addr,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.db.InsertChangeSet(ctx, tx, cs.row()); err != nil {
			return err
		}
		_, err := m.db.AppendHistory(ctx, tx, store.HistoryEvent{
			Actor:       p.Actor,
			WorkspaceID: cs.WorkspaceID,
			ChangeSetID: cs.ID,
			Kind:        historyCreate,
			Data:        map[string]interface{}{"name": cs.Name, "address": addr.String()},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating change set: %w", err)
	}

	m.publish(ctx, events.New(events.ChangeSetCreated, cs.WorkspaceID, cs.ID, p.Actor).With("name", cs.Name))
	return cs, nil
}

// ForkHead creates a change set based on the workspace's HEAD at its
// current snapshot.
func (m *Manager) ForkHead(ctx context.Context, workspaceID ident.ID, name, actor string) (*ChangeSet, error) {
	head, err := m.Head(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return m.New(ctx, NewParams{
		WorkspaceID:     workspaceID,
		Name:            name,
		BaseChangeSetID: &head.ID,
		SnapshotAddress: head.SnapshotAddress,
		Actor:           actor,
	})
}

// Find returns the change set with the given ID.
func (m *Manager) Find(ctx context.Context, id ident.ID) (*ChangeSet, error) {
	row, err := m.db.GetChangeSet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// List returns the workspace's change sets in the given statuses, or its
// active ones when none are given.
func (m *Manager) List(ctx context.Context, workspaceID ident.ID, statuses ...Status) ([]*ChangeSet, error) {
	if len(statuses) == 0 {
		statuses = ActiveStatuses
	}
	rows, err := m.db.ListChangeSets(ctx, store.ChangeSetFilter{
		WorkspaceID: &workspaceID,
		Statuses:    statusStrings(statuses),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*ChangeSet, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Head returns the workspace's HEAD change set.
func (m *Manager) Head(ctx context.Context, workspaceID ident.ID) (*ChangeSet, error) {
	ws, err := m.Workspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ident.IsNil(ws.DefaultChangeSetID) {
		return nil, fmt.Errorf("workspace %s has no HEAD: %w", workspaceID, ErrChangeSetNotFound)
	}
	return m.Find(ctx, ws.DefaultChangeSetID)
}

// IsHead reports whether cs is its workspace's HEAD.
func (m *Manager) IsHead(ctx context.Context, cs *ChangeSet) (bool, error) {
	ws, err := m.Workspace(ctx, cs.WorkspaceID)
	if err != nil {
		return false, err
	}
	return ws.DefaultChangeSetID == cs.ID, nil
}

// SnapshotAddress implements snapshot.PointerSource.
func (m *Manager) SnapshotAddress(ctx context.Context, id ident.ID) (cas.Hash, error) {
	cs, err := m.Find(ctx, id)
	if err != nil {
		return cas.ZeroHash, err
	}
	return cs.SnapshotAddress, nil
}

// Snapshot loads the change set's current snapshot.
func (m *Manager) Snapshot(ctx context.Context, id ident.ID) (*snapshot.WorkspaceSnapshot, error) {
	return snapshot.FindForChangeSet(ctx, m.cas, m, id, m.opts.SnapshotOptions...)
}

// SnapshotAt loads the snapshot stored at addr.
func (m *Manager) SnapshotAt(ctx context.Context, addr cas.Hash) (*snapshot.WorkspaceSnapshot, error) {
	return snapshot.Find(ctx, m.cas, addr, m.opts.SnapshotOptions...)
}

// UpdatePointer points the change set at addr. The previous address stays
// registered for the retention sweeper.
func (m *Manager) UpdatePointer(ctx context.Context, id ident.ID, addr cas.Hash, actor string) (*ChangeSet, error) {
	return m.updatePointer(ctx, id, nil, addr, actor)
}

// UpdatePointerFrom is UpdatePointer for writers that derived addr from the
// snapshot at expected. It fails with ErrStalePointer when the change set
// has moved on since.
func (m *Manager) UpdatePointerFrom(ctx context.Context, id ident.ID, expected, addr cas.Hash, actor string) (*ChangeSet, error) {
	return m.updatePointer(ctx, id, &expected, addr, actor)
}

func (m *Manager) updatePointer(ctx context.Context, id ident.ID, expected *cas.Hash, addr cas.Hash, actor string) (*ChangeSet, error) {
	var cs *ChangeSet
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := m.db.GetChangeSetTx(ctx, tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrChangeSetNotFound)
		}
		if err != nil {
			return err
		}
		if Status(row.Status).Terminal() {
			return fmt.Errorf("%s is %s: %w", id, row.Status, ErrChangeSetInactive)
		}
		now := cas.NowMs()
		var prev cas.Hash
		if expected != nil {
			prev, err = m.db.SwapSnapshotAddressFrom(ctx, tx, id, *expected, addr, now)
		} else {
			prev, err = m.db.SwapSnapshotAddress(ctx, tx, id, addr, now)
		}
		if errors.Is(err, store.ErrStaleAddress) {
			return fmt.Errorf("%w: %w", ErrStalePointer, err)
		}
		if err != nil {
			return err
		}
		_, err = m.db.AppendHistory(ctx, tx, store.HistoryEvent{
			Actor:       actor,
			WorkspaceID: row.WorkspaceID,
			ChangeSetID: id,
			Kind:        historyPointer,
			Data:        map[string]interface{}{"old": prev.String(), "new": addr.String()},
		})
		if err != nil {
			return err
		}
		row.SnapshotAddress = addr
		row.UpdatedAt = now
		cs = fromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.New(events.ChangeSetWritten, cs.WorkspaceID, cs.ID, actor).With("address", addr.String()))
	return cs, nil
}

// AddressInUse reports whether any change set points at addr.
func (m *Manager) AddressInUse(ctx context.Context, addr cas.Hash) (bool, error) {
	n, err := m.db.CountChangeSetsAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// History returns the change set's history entries, oldest first.
func (m *Manager) History(ctx context.Context, id ident.ID) ([]*store.HistoryEntry, error) {
	return m.db.ListHistory(ctx, store.HistoryFilter{ChangeSetID: &id, Limit: 1000})
}

// Diff returns the updates that would be applied to the base change set.
func (m *Manager) Diff(ctx context.Context, id ident.ID) ([]graph.Update, error) {
	cs, err := m.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	base, err := m.resolveBase(ctx, cs)
	if err != nil {
		return nil, err
	}
	return m.detect(ctx, base, cs)
}

func (m *Manager) detect(ctx context.Context, base, cs *ChangeSet) ([]graph.Update, error) {
	baseSnap, err := m.SnapshotAt(ctx, base.SnapshotAddress)
	if err != nil {
		return nil, fmt.Errorf("loading base snapshot: %w", err)
	}
	snap, err := m.SnapshotAt(ctx, cs.SnapshotAddress)
	if err != nil {
		return nil, fmt.Errorf("loading change set snapshot: %w", err)
	}
	return baseSnap.DetectUpdates(ctx, snap)
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		m.log.Warnw("publishing event failed", "kind", e.Kind, "changeSet", e.ChangeSetID, "error", err)
	}
}
