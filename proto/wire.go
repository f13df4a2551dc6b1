// Package proto defines wire format DTOs for the vgraph HTTP API.
package proto

import "vgraph/graph"

// Workspace is a workspace in responses.
type Workspace struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	DefaultChangeSetID string `json:"defaultChangeSetId"`
	CreatedAt          int64  `json:"createdAt"`
}

// ChangeSet is a change set in responses. Times are Unix milliseconds.
type ChangeSet struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	Status                 string  `json:"status"`
	BaseChangeSetID        string  `json:"baseChangeSetId,omitempty"`
	WorkspaceID            string  `json:"workspaceId"`
	SnapshotAddress        string  `json:"workspaceSnapshotAddress"`
	MergeRequestedByUserID *string `json:"mergeRequestedByUserId,omitempty"`
	MergeRequestedAt       *int64  `json:"mergeRequestedAt,omitempty"`
	ReviewedByUserID       *string `json:"reviewedByUserId,omitempty"`
	ReviewedAt             *int64  `json:"reviewedAt,omitempty"`
	CreatedAt              int64   `json:"createdAt"`
	UpdatedAt              int64   `json:"updatedAt"`
}

// CreateWorkspaceRequest creates a workspace with its HEAD change set.
type CreateWorkspaceRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// CreateWorkspaceResponse is returned after creating a workspace.
type CreateWorkspaceResponse struct {
	Workspace Workspace `json:"workspace"`
	Head      ChangeSet `json:"head"`
}

// WorkspacesResponse lists workspaces.
type WorkspacesResponse struct {
	Workspaces []Workspace `json:"workspaces"`
}

// CreateChangeSetRequest creates a change set. Without a base the change
// set forks the workspace HEAD.
type CreateChangeSetRequest struct {
	Name            string `json:"name" validate:"required,max=200"`
	BaseChangeSetID string `json:"baseChangeSetId,omitempty" validate:"omitempty,len=26"`
}

// RenameRequest renames a change set.
type RenameRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// ChangeSetsResponse lists change sets.
type ChangeSetsResponse struct {
	ChangeSets []ChangeSet `json:"changeSets"`
}

// DiffResponse lists the updates a change set would apply to its base.
type DiffResponse struct {
	Count   int            `json:"count"`
	Updates []graph.Update `json:"updates"`
}

// HistoryEntry is one entry of a change set's history chain.
type HistoryEntry struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
	Time   int64  `json:"time"`
	Actor  string `json:"actor"`
	Kind   string `json:"kind"`
	Meta   string `json:"meta,omitempty"`
}

// HistoryResponse contains history entries, oldest first.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
