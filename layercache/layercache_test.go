package layercache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vgraph/cas"
	"vgraph/store"
)

// mapBackend is an in-memory Backend whose Put can be held open.
type mapBackend struct {
	mu   sync.Mutex
	data map[cas.Hash][]byte
	hold chan struct{}
	gets int
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[cas.Hash][]byte)}
}

func (m *mapBackend) Name() string { return "map" }

func (m *mapBackend) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	d, ok := m.data[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mapBackend) Put(ctx context.Context, addr cas.Hash, data []byte) error {
	if m.hold != nil {
		<-m.hold
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[addr] = data
	return nil
}

func (m *mapBackend) Delete(ctx context.Context, addr cas.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, addr)
	return nil
}

func (m *mapBackend) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[addr]
	return ok, nil
}

func TestPutIsContentAddressed(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	ctx := context.Background()

	a1, err := c.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	a2, err := c.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, cas.Sum([]byte("hello")), a1)

	got, err := c.Get(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetMissing(t *testing.T) {
	c := NewMemory()
	defer c.Close()

	_, err := c.Get(context.Background(), cas.SumString("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPromotesFromBackend(t *testing.T) {
	b := newMapBackend()
	c := New(Config{MemoryEntries: 2}, zap.NewNop().Sugar(), b)
	defer c.Close()
	ctx := context.Background()

	addr, err := c.Put(ctx, []byte("one"))
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("two"))
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("three")) // evicts "one" from memory
	require.NoError(t, err)
	assert.Equal(t, 2, c.memory.len())
	assert.False(t, c.memory.has(addr))

	got, err := c.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	assert.True(t, c.memory.has(addr))
	assert.Equal(t, 1, b.gets)

	// Served from memory now
	_, err = c.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, b.gets)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	b := newMapBackend()
	c := New(Config{}, zap.NewNop().Sugar(), b)
	defer c.Close()
	ctx := context.Background()

	addr, err := c.Put(ctx, []byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, addr))

	ok, err := c.Has(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)
	// Deleting again is fine
	assert.NoError(t, c.Delete(ctx, addr))
}

func TestReadWaitForMemoryWaitsForPendingWrite(t *testing.T) {
	b := newMapBackend()
	b.hold = make(chan struct{})
	c := New(Config{}, zap.NewNop().Sugar(), b)
	defer c.Close()
	ctx := context.Background()

	data := []byte("slow write")
	addr := cas.Sum(data)

	putDone := make(chan error, 1)
	go func() {
		_, err := c.Put(ctx, data)
		putDone <- err
	}()

	// Wait until the write is registered as pending
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.pending[addr]
		return ok
	}, time.Second, time.Millisecond)

	readDone := make(chan []byte, 1)
	go func() {
		got, err := c.ReadWaitForMemory(ctx, addr)
		if err == nil {
			readDone <- got
		}
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("read returned before the write landed")
	case <-time.After(20 * time.Millisecond):
	}

	close(b.hold)
	require.NoError(t, <-putDone)
	assert.Equal(t, data, <-readDone)
}

func TestReadWaitForMemoryHonorsContext(t *testing.T) {
	b := newMapBackend()
	b.hold = make(chan struct{})
	defer close(b.hold)
	c := New(Config{}, zap.NewNop().Sugar(), b)
	defer c.Close()

	data := []byte("never lands")
	go c.Put(context.Background(), data)
	addr := cas.Sum(data)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.pending[addr]
		return ok
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.ReadWaitForMemory(ctx, addr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryReapIdle(t *testing.T) {
	m := newMemoryTier(10, 0)
	defer m.close()
	m.idleTTL = time.Minute

	m.put(cas.SumString("a"), []byte("a"))
	m.put(cas.SumString("b"), []byte("b"))

	assert.Equal(t, 0, m.reapIdle(time.Now()))
	assert.Equal(t, 2, m.reapIdle(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.len())
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedisBackend(client, time.Minute)
	ctx := context.Background()
	addr := cas.SumString("redis")

	_, err := b.Get(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, addr, []byte("redis")))
	got, err := b.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("redis"), got)

	ok, err := b.Has(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = b.Has(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok, "entries expire after the TTL")
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = DialRedis("not a url")
	assert.Error(t, err)
}

func TestBadgerBackend(t *testing.T) {
	b, err := OpenBadger(InMemoryBadgerConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	addr := cas.SumString("badger")

	_, err = b.Get(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, addr, []byte("badger")))
	got, err := b.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("badger"), got)

	require.NoError(t, b.Delete(ctx, addr))
	ok, err := b.Has(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLBackendBehindCache(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cas.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	first := New(Config{}, zap.NewNop().Sugar(), NewSQLBackend(db))
	addr, err := first.Put(ctx, []byte("durable"))
	require.NoError(t, err)
	first.Close()

	// A fresh cache over the same database sees the object
	second := New(Config{}, zap.NewNop().Sugar(), NewSQLBackend(db))
	defer second.Close()
	got, err := second.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestS3ObjectNameFansOut(t *testing.T) {
	b, err := NewS3Backend(S3Config{Endpoint: "localhost:9000", Bucket: "vgraph"})
	require.NoError(t, err)

	addr := cas.SumString("s3")
	name := b.objectName(addr)
	hex := addr.String()
	assert.Equal(t, "cas/"+hex[:2]+"/"+hex, name)
}
