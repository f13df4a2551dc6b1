// Package layercache is the content-addressable blob store behind workspace
// snapshots and rebase batches: an LRU memory tier in front of any number of
// persistent backends (SQL, Badger, Redis, S3).
package layercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"vgraph/cas"
)

var ErrNotFound = errors.New("object not found")

var (
	readsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgraph_cas_reads_total",
		Help: "CAS reads by serving tier",
	}, []string{"tier"})

	writeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vgraph_cas_write_bytes",
		Help:    "Size of blobs written to the CAS",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
	})
)

// Store is the CAS as seen by snapshots and change sets.
type Store interface {
	Get(ctx context.Context, addr cas.Hash) ([]byte, error)
	Put(ctx context.Context, data []byte) (cas.Hash, error)
	// ReadWaitForMemory is Get that first waits for an in-flight write of
	// addr to land in the memory tier.
	ReadWaitForMemory(ctx context.Context, addr cas.Hash) ([]byte, error)
	Delete(ctx context.Context, addr cas.Hash) error
	Has(ctx context.Context, addr cas.Hash) (bool, error)
}

// Backend is a persistent tier. Get returns ErrNotFound for missing keys.
type Backend interface {
	Name() string
	Get(ctx context.Context, addr cas.Hash) ([]byte, error)
	Put(ctx context.Context, addr cas.Hash, data []byte) error
	Delete(ctx context.Context, addr cas.Hash) error
	Has(ctx context.Context, addr cas.Hash) (bool, error)
}

// Config configures a Cache.
type Config struct {
	MemoryEntries int           // LRU capacity of the memory tier
	MemoryIdleTTL time.Duration // drop entries idle longer than this; 0 keeps them
}

// Cache implements Store. Writes go through to every backend; reads are
// served from the first tier that has the object and promoted to memory.
type Cache struct {
	memory   *memoryTier
	backends []Backend
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending map[cas.Hash]chan struct{}
}

// New creates a cache over the given backends, consulted in order.
func New(cfg Config, log *zap.SugaredLogger, backends ...Backend) *Cache {
	return &Cache{
		memory:   newMemoryTier(cfg.MemoryEntries, cfg.MemoryIdleTTL),
		backends: backends,
		log:      log,
		pending:  make(map[cas.Hash]chan struct{}),
	}
}

// NewMemory creates a cache with no persistent backends. For tests.
func NewMemory() *Cache {
	return New(Config{}, zap.NewNop().Sugar())
}

// Close stops the memory tier's reaper.
func (c *Cache) Close() {
	c.memory.close()
}

// Put stores data and returns its address. Storing the same bytes twice is
// a no-op that returns the same address.
func (c *Cache) Put(ctx context.Context, data []byte) (cas.Hash, error) {
	addr := cas.Sum(data)
	if c.memory.has(addr) {
		return addr, nil
	}

	done := c.beginWrite(addr)
	defer c.endWrite(addr, done)

	for _, b := range c.backends {
		if err := b.Put(ctx, addr, data); err != nil {
			return cas.ZeroHash, fmt.Errorf("writing %s to %s: %w", addr.Short(), b.Name(), err)
		}
	}
	c.memory.put(addr, data)
	writeBytes.Observe(float64(len(data)))
	return addr, nil
}

func (c *Cache) beginWrite(addr cas.Hash) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[addr]; ok {
		return ch
	}
	ch := make(chan struct{})
	c.pending[addr] = ch
	return ch
}

func (c *Cache) endWrite(addr cas.Hash, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[addr] == done {
		delete(c.pending, addr)
		close(done)
	}
}

// Get returns the object at addr from the fastest tier holding it.
func (c *Cache) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	if data, ok := c.memory.get(addr); ok {
		readsTotal.WithLabelValues("memory").Inc()
		return data, nil
	}

	var lastErr error
	for _, b := range c.backends {
		data, err := b.Get(ctx, addr)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Warnw("cas backend read failed", "backend", b.Name(), "addr", addr.Short(), "error", err)
			lastErr = err
			continue
		}
		readsTotal.WithLabelValues(b.Name()).Inc()
		c.memory.put(addr, data)
		return data, nil
	}
	readsTotal.WithLabelValues("miss").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("reading %s: %w", addr.Short(), lastErr)
	}
	return nil, fmt.Errorf("%s: %w", addr, ErrNotFound)
}

// ReadWaitForMemory waits for a pending write of addr before reading it.
func (c *Cache) ReadWaitForMemory(ctx context.Context, addr cas.Hash) ([]byte, error) {
	if data, ok := c.memory.get(addr); ok {
		readsTotal.WithLabelValues("memory").Inc()
		return data, nil
	}

	c.mu.Lock()
	ch, inFlight := c.pending[addr]
	c.mu.Unlock()
	if inFlight {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Get(ctx, addr)
}

// Delete removes addr from every tier. Missing objects are not an error.
func (c *Cache) Delete(ctx context.Context, addr cas.Hash) error {
	c.memory.delete(addr)
	for _, b := range c.backends {
		if err := b.Delete(ctx, addr); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("deleting %s from %s: %w", addr.Short(), b.Name(), err)
		}
	}
	return nil
}

// Has reports whether any tier holds addr.
func (c *Cache) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	if c.memory.has(addr) {
		return true, nil
	}
	for _, b := range c.backends {
		ok, err := b.Has(ctx, addr)
		if err != nil {
			return false, fmt.Errorf("checking %s in %s: %w", addr.Short(), b.Name(), err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
