// Package client provides a client for the vgraph HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"vgraph/proto"
)

// DefaultServer is used when no server is configured.
// Can be overridden via VGRAPH_SERVER environment variable.
const DefaultServer = "http://localhost:7448"

// ActorHeader names the actor when the server runs without authentication.
const ActorHeader = "X-Vgraph-Actor"

// Client communicates with a vgraph server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Actor      string
	AuthToken  string
}

// New creates a client for baseURL. The actor defaults to $USER and the
// token to $VGRAPH_TOKEN.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		Actor:     os.Getenv("USER"),
		AuthToken: os.Getenv("VGRAPH_TOKEN"),
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// --- Workspaces ---

// Health checks if the server is healthy.
func (c *Client) Health(ctx context.Context) (*proto.HealthResponse, error) {
	var out proto.HealthResponse
	if err := c.do(ctx, "GET", "/health", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateWorkspace creates a workspace and its HEAD change set.
func (c *Client) CreateWorkspace(ctx context.Context, name string) (*proto.CreateWorkspaceResponse, error) {
	var out proto.CreateWorkspaceResponse
	req := proto.CreateWorkspaceRequest{Name: name}
	if err := c.do(ctx, "POST", "/v1/workspaces", req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkspaces lists all workspaces.
func (c *Client) ListWorkspaces(ctx context.Context) ([]proto.Workspace, error) {
	var out proto.WorkspacesResponse
	if err := c.do(ctx, "GET", "/v1/workspaces", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Workspaces, nil
}

// --- Change sets ---

func changeSetsPath(ws string) string {
	return "/v1/workspaces/" + url.PathEscape(ws) + "/change-sets"
}

func changeSetPath(ws, id string) string {
	return changeSetsPath(ws) + "/" + url.PathEscape(id)
}

// ListChangeSets lists change sets of a workspace. With no statuses the
// server returns active change sets.
func (c *Client) ListChangeSets(ctx context.Context, ws string, statuses ...string) ([]proto.ChangeSet, error) {
	path := changeSetsPath(ws)
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out proto.ChangeSetsResponse
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.ChangeSets, nil
}

// CreateChangeSet creates a change set. An empty base forks HEAD.
func (c *Client) CreateChangeSet(ctx context.Context, ws, name, base string) (*proto.ChangeSet, error) {
	var out proto.ChangeSet
	req := proto.CreateChangeSetRequest{Name: name, BaseChangeSetID: base}
	if err := c.do(ctx, "POST", changeSetsPath(ws), req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChangeSet returns a change set.
func (c *Client) GetChangeSet(ctx context.Context, ws, id string) (*proto.ChangeSet, error) {
	var out proto.ChangeSet
	if err := c.do(ctx, "GET", changeSetPath(ws, id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Diff returns the updates the change set would apply to its base.
func (c *Client) Diff(ctx context.Context, ws, id string) (*proto.DiffResponse, error) {
	var out proto.DiffResponse
	if err := c.do(ctx, "GET", changeSetPath(ws, id)+"/diff", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the change set's history, oldest first.
func (c *Client) History(ctx context.Context, ws, id string) ([]proto.HistoryEntry, error) {
	var out proto.HistoryResponse
	if err := c.do(ctx, "GET", changeSetPath(ws, id)+"/history", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Lifecycle actions accepted by Action.
const (
	ActionRequestApproval = "request-approval"
	ActionApprove         = "approve"
	ActionReject          = "reject"
	ActionReopen          = "reopen"
	ActionRequestAbandon  = "request-abandon"
	ActionApproveAbandon  = "approve-abandon"
	ActionRejectAbandon   = "reject-abandon"
	ActionAbandon         = "abandon"
	ActionApply           = "apply"
)

// Actions lists the lifecycle actions in the order a change set usually
// goes through them.
var Actions = []string{
	ActionRequestApproval, ActionApprove, ActionReject, ActionReopen,
	ActionRequestAbandon, ActionApproveAbandon, ActionRejectAbandon,
	ActionAbandon, ActionApply,
}

// Action performs a lifecycle action and returns the updated change set.
func (c *Client) Action(ctx context.Context, ws, id, action string) (*proto.ChangeSet, error) {
	var out proto.ChangeSet
	if err := c.do(ctx, "POST", changeSetPath(ws, id)+"/"+url.PathEscape(action), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Apply applies the change set to its base.
func (c *Client) Apply(ctx context.Context, ws, id string) (*proto.ChangeSet, error) {
	return c.Action(ctx, ws, id, ActionApply)
}

// Rename renames a change set.
func (c *Client) Rename(ctx context.Context, ws, id, name string) (*proto.ChangeSet, error) {
	var out proto.ChangeSet
	req := proto.RenameRequest{Name: name}
	if err := c.do(ctx, "POST", changeSetPath(ws, id)+"/rename", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Helper methods ---

func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	} else if c.Actor != "" {
		req.Header.Set(ActorHeader, c.Actor)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    errResp.Code,
			Message: errResp.Error,
			Details: errResp.Details,
		}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("server error: %d %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}
