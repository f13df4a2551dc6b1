// Package rpc is the request/reply boundary between change sets and the
// rebaser. A Client sends a Request naming a rebase batch and the change
// set to rebase; the returned Pending resolves to the rebaser's Reply.
package rpc

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"vgraph/cas"
	"vgraph/ident"
	"vgraph/pack"
)

var ErrClosed = errors.New("rpc transport closed")

// Status is the outcome reported in a Reply.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request asks the rebaser to apply a batch onto a change set.
type Request struct {
	ID                  string                  `json:"id"`
	WorkspaceID         ident.ID                `json:"workspaceId"`
	ToRebaseChangeSetID ident.ID                `json:"toRebaseChangeSetId"`
	RebaseBatchAddress  pack.RebaseBatchAddress `json:"rebaseBatchAddress"`
	// FromChangeSetID is the change set the batch was detected on, if any.
	FromChangeSetID *ident.ID `json:"fromChangeSetId,omitempty"`
	Actor           string    `json:"actor,omitempty"`
}

// Reply is the rebaser's answer. Address is the target's new snapshot
// address on success.
type Reply struct {
	RequestID string   `json:"requestId"`
	Status    Status   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Address   cas.Hash `json:"address"`
}

// OK reports whether the rebase succeeded.
func (r Reply) OK() bool {
	return r.Status == StatusSuccess
}

// Success builds a successful reply to req.
func Success(req Request, addr cas.Hash) Reply {
	return Reply{RequestID: req.ID, Status: StatusSuccess, Address: addr}
}

// Failure builds an error reply to req.
func Failure(req Request, err error) Reply {
	return Reply{RequestID: req.ID, Status: StatusError, Message: err.Error()}
}

// Handler processes rebase requests.
type Handler interface {
	Handle(ctx context.Context, req Request) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Reply

func (f HandlerFunc) Handle(ctx context.Context, req Request) Reply {
	return f(ctx, req)
}

// Client sends rebase requests.
type Client interface {
	Send(ctx context.Context, req Request) (*Pending, error)
}

// Pending is an in-flight request.
type Pending struct {
	requestID string
	wait      func(ctx context.Context) (Reply, error)
}

// RequestID returns the ID the request was sent with.
func (p *Pending) RequestID() string {
	return p.requestID
}

// Wait blocks until the reply arrives or ctx is done. The rebase itself is
// not cancelled when the waiter gives up.
func (p *Pending) Wait(ctx context.Context) (Reply, error) {
	return p.wait(ctx)
}

func ensureID(req *Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
}
