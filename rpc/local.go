package rpc

import (
	"context"
)

// Local delivers requests to an in-process Handler.
type Local struct {
	handler Handler
}

// NewLocal returns a client that calls h on its own goroutine.
func NewLocal(h Handler) *Local {
	return &Local{handler: h}
}

// Send starts handling req and returns immediately. The handler runs with a
// context detached from ctx's cancellation so a waiter timing out does not
// abort a rebase half way.
func (l *Local) Send(ctx context.Context, req Request) (*Pending, error) {
	ensureID(&req)
	replies := make(chan Reply, 1)
	hctx := context.WithoutCancel(ctx)
	go func() {
		replies <- l.handler.Handle(hctx, req)
	}()

	return &Pending{
		requestID: req.ID,
		wait: func(ctx context.Context) (Reply, error) {
			select {
			case r := <-replies:
				// Leave the reply for any later Wait
				replies <- r
				return r, nil
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
		},
	}, nil
}
