// Package api provides the HTTP API for vgraph.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vgraph/changeset"
	"vgraph/config"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/proto"
	"vgraph/store"
)

// Handler wraps the change set manager and config for HTTP handlers.
type Handler struct {
	mgr      *changeset.Manager
	db       *store.DB
	cfg      *config.Config
	log      *zap.SugaredLogger
	validate *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(mgr *changeset.Manager, db *store.DB, cfg *config.Config, log *zap.SugaredLogger) *Handler {
	return &Handler{
		mgr:      mgr,
		db:       db,
		cfg:      cfg,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(mgr *changeset.Manager, db *store.DB, cfg *config.Config, tokens *TokenService, log *zap.SugaredLogger) http.Handler {
	h := NewHandler(mgr, db, cfg, log)
	mux := http.NewServeMux()
	authed := func(f http.HandlerFunc) http.Handler {
		return tokens.RequireActor(f)
	}

	// Health (no auth)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Workspaces
	mux.Handle("POST /v1/workspaces", authed(h.CreateWorkspace))
	mux.Handle("GET /v1/workspaces", authed(h.ListWorkspaces))

	// Change sets
	mux.Handle("GET /v1/workspaces/{ws}/change-sets", authed(h.ListChangeSets))
	mux.Handle("POST /v1/workspaces/{ws}/change-sets", authed(h.CreateChangeSet))
	mux.Handle("GET /v1/workspaces/{ws}/change-sets/{id}", authed(h.GetChangeSet))
	mux.Handle("GET /v1/workspaces/{ws}/change-sets/{id}/diff", authed(h.Diff))
	mux.Handle("GET /v1/workspaces/{ws}/change-sets/{id}/history", authed(h.History))
	mux.Handle("POST /v1/workspaces/{ws}/change-sets/{id}/{action}", authed(h.Action))

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

// ----- Workspaces -----

func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateWorkspaceRequest
	if !h.decode(w, r, &req) {
		return
	}

	ws, head, err := h.mgr.CreateWorkspace(r.Context(), req.Name, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, "failed to create workspace", err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.CreateWorkspaceResponse{
		Workspace: workspaceDTO(ws),
		Head:      changeSetDTO(head),
	})
}

func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.db.ListWorkspaces(r.Context())
	if err != nil {
		h.fail(w, "failed to list workspaces", err)
		return
	}
	resp := proto.WorkspacesResponse{Workspaces: []proto.Workspace{}}
	for _, ws := range list {
		resp.Workspaces = append(resp.Workspaces, workspaceDTO(ws))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Change sets -----

func (h *Handler) ListChangeSets(w http.ResponseWriter, r *http.Request) {
	wsID, ok := pathID(w, r, "ws")
	if !ok {
		return
	}
	if _, err := h.mgr.Workspace(r.Context(), wsID); err != nil {
		h.fail(w, "workspace not found", err)
		return
	}

	var statuses []changeset.Status
	if q := r.URL.Query().Get("status"); q != "" {
		for _, s := range strings.Split(q, ",") {
			st := changeset.Status(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status", fmt.Errorf("%q", s))
				return
			}
			statuses = append(statuses, st)
		}
	}

	list, err := h.mgr.List(r.Context(), wsID, statuses...)
	if err != nil {
		h.fail(w, "failed to list change sets", err)
		return
	}
	resp := proto.ChangeSetsResponse{ChangeSets: []proto.ChangeSet{}}
	for _, cs := range list {
		resp.ChangeSets = append(resp.ChangeSets, changeSetDTO(cs))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateChangeSet(w http.ResponseWriter, r *http.Request) {
	wsID, ok := pathID(w, r, "ws")
	if !ok {
		return
	}
	var req proto.CreateChangeSetRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := ActorFrom(r.Context())

	var (
		cs  *changeset.ChangeSet
		err error
	)
	if req.BaseChangeSetID == "" {
		cs, err = h.mgr.ForkHead(r.Context(), wsID, req.Name, actor)
	} else {
		base, perr := ident.Parse(req.BaseChangeSetID)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid base change set id", perr)
			return
		}
		cs, err = h.mgr.New(r.Context(), changeset.NewParams{
			WorkspaceID:     wsID,
			Name:            req.Name,
			BaseChangeSetID: &base,
			Actor:           actor,
		})
	}
	if err != nil {
		h.fail(w, "failed to create change set", err)
		return
	}
	writeJSON(w, http.StatusCreated, changeSetDTO(cs))
}

func (h *Handler) GetChangeSet(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, changeSetDTO(cs))
}

func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	updates, err := h.mgr.Diff(r.Context(), cs.ID)
	if err != nil {
		h.fail(w, "failed to compute diff", err)
		return
	}
	resp := proto.DiffResponse{Count: len(updates), Updates: updates}
	if resp.Updates == nil {
		resp.Updates = []graph.Update{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	entries, err := h.mgr.History(r.Context(), cs.ID)
	if err != nil {
		h.fail(w, "failed to read history", err)
		return
	}
	resp := proto.HistoryResponse{Entries: []proto.HistoryEntry{}}
	for _, e := range entries {
		entry := proto.HistoryEntry{
			Seq:   e.Seq,
			ID:    e.ID.String(),
			Time:  e.Time,
			Actor: e.Actor,
			Kind:  e.Kind,
			Meta:  e.Meta,
		}
		if !e.Parent.IsZero() {
			entry.Parent = e.Parent.String()
		}
		resp.Entries = append(resp.Entries, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Action performs a lifecycle operation named by the last path segment.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	actor := ActorFrom(ctx)

	var (
		out *changeset.ChangeSet
		err error
	)
	switch action := r.PathValue("action"); action {
	case "request-approval":
		out, err = h.mgr.RequestApproval(ctx, cs.ID, actor)
	case "approve":
		out, err = h.mgr.Approve(ctx, cs.ID, actor)
	case "reject":
		out, err = h.mgr.Reject(ctx, cs.ID, actor)
	case "reopen":
		out, err = h.mgr.Reopen(ctx, cs.ID, actor)
	case "request-abandon":
		out, err = h.mgr.RequestAbandonApproval(ctx, cs.ID, actor)
	case "approve-abandon":
		out, err = h.mgr.ApproveAbandon(ctx, cs.ID, actor)
	case "reject-abandon":
		out, err = h.mgr.RejectAbandon(ctx, cs.ID, actor)
	case "abandon":
		out, err = h.mgr.Abandon(ctx, cs.ID, actor)
	case "apply":
		out, err = h.mgr.ApplyToBaseChangeSet(ctx, cs.ID, actor)
	case "rename":
		var req proto.RenameRequest
		if !h.decode(w, r, &req) {
			return
		}
		out, err = h.mgr.Rename(ctx, cs.ID, req.Name, actor)
	default:
		writeError(w, http.StatusNotFound, "unknown action", fmt.Errorf("%q", action))
		return
	}
	if err != nil {
		h.fail(w, "change set operation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, changeSetDTO(out))
}

// changeSet loads the change set named in the path and checks that it
// belongs to the workspace in the path.
func (h *Handler) changeSet(w http.ResponseWriter, r *http.Request) (*changeset.ChangeSet, bool) {
	wsID, ok := pathID(w, r, "ws")
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	cs, err := h.mgr.Find(r.Context(), id)
	if err != nil {
		h.fail(w, "change set not found", err)
		return nil, false
	}
	if cs.WorkspaceID != wsID {
		writeError(w, http.StatusNotFound, "change set not found", changeset.ErrChangeSetNotFound)
		return nil, false
	}
	return cs, true
}

// ----- Helpers -----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return false
	}
	return true
}

// fail maps err onto a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Errorw(msg, "error", err)
	}
	resp := proto.ErrorResponse{Error: msg, Code: code, Details: err.Error()}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case changeset.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, changeset.ErrNotApproved), errors.Is(err, changeset.ErrDVURootsNotEmpty):
		return http.StatusPreconditionFailed, "precondition_failed"
	case changeset.IsPolicy(err):
		return http.StatusConflict, "conflict"
	case changeset.IsTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case changeset.IsStructural(err):
		return http.StatusUnprocessableEntity, "invalid_graph"
	case errors.Is(err, changeset.ErrRebaseFailed):
		return http.StatusBadGateway, "rebase_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (ident.ID, bool) {
	id, err := ident.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return ident.Nil, false
	}
	return id, true
}

func workspaceDTO(ws *store.Workspace) proto.Workspace {
	return proto.Workspace{
		ID:                 ws.ID.String(),
		Name:               ws.Name,
		DefaultChangeSetID: ws.DefaultChangeSetID.String(),
		CreatedAt:          ws.CreatedAt,
	}
}

func changeSetDTO(cs *changeset.ChangeSet) proto.ChangeSet {
	out := proto.ChangeSet{
		ID:                     cs.ID.String(),
		Name:                   cs.Name,
		Status:                 string(cs.Status),
		WorkspaceID:            cs.WorkspaceID.String(),
		SnapshotAddress:        cs.SnapshotAddress.String(),
		MergeRequestedByUserID: cs.MergeRequestedBy,
		MergeRequestedAt:       cs.MergeRequestedAt,
		ReviewedByUserID:       cs.ReviewedBy,
		ReviewedAt:             cs.ReviewedAt,
		CreatedAt:              cs.CreatedAt,
		UpdatedAt:              cs.UpdatedAt,
	}
	if cs.BaseChangeSetID != nil {
		out.BaseChangeSetID = cs.BaseChangeSetID.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
