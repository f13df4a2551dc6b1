package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/ident"
	"vgraph/pack"
)

func testRequest() Request {
	return Request{
		WorkspaceID:         ident.New(),
		ToRebaseChangeSetID: ident.New(),
		RebaseBatchAddress:  pack.RebaseBatchAddress{Kind: pack.BatchSplit, Hash: cas.SumString("batch")},
	}
}

func echoHandler(addr cas.Hash) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) Reply {
		return Success(req, addr)
	})
}

func TestLocalRoundTrip(t *testing.T) {
	addr := cas.SumString("new snapshot")
	client := NewLocal(echoHandler(addr))

	p, err := client.Send(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, p.RequestID())

	reply, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, addr, reply.Address)
	assert.Equal(t, p.RequestID(), reply.RequestID)

	// Waiting again returns the same reply
	again, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reply, again)
}

func TestLocalWaitTimesOutWithoutCancellingHandler(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	client := NewLocal(HandlerFunc(func(ctx context.Context, req Request) Reply {
		<-release
		defer close(finished)
		if ctx.Err() != nil {
			return Failure(req, ctx.Err())
		}
		return Success(req, cas.ZeroHash)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	p, err := client.Send(ctx, testRequest())
	require.NoError(t, err)

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-finished
	reply, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, reply.OK(), "handler context is detached from the sender's")
}

func TestFailureReply(t *testing.T) {
	req := testRequest()
	req.ID = "abc"
	r := Failure(req, errors.New("boom"))
	assert.False(t, r.OK())
	assert.Equal(t, "abc", r.RequestID)
	assert.Equal(t, "boom", r.Message)
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	addr := cas.SumString("rebased")
	server := NewRedisServer(rdb, "", echoHandler(addr), zap.NewNop().Sugar())
	server.Start()
	defer server.Stop()

	client := NewRedisClient(rdb, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := testRequest()
	p, err := client.Send(ctx, req)
	require.NoError(t, err)

	reply, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, addr, reply.Address)
	assert.Equal(t, p.RequestID(), reply.RequestID)
}

func TestRedisWaitHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// No server consumes the queue
	client := NewRedisClient(rdb, "unserved")
	p, err := client.Send(context.Background(), testRequest())
	require.NoError(t, err)

	n, err := rdb.LLen(context.Background(), "unserved").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
