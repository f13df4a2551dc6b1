package layercache

import (
	"container/list"
	"sync"
	"time"

	"vgraph/cas"
)

const defaultMemoryEntries = 1024

type memEntry struct {
	addr     cas.Hash
	data     []byte
	lastUsed time.Time
}

// memoryTier is an LRU of recently used blobs with an optional idle reaper.
type memoryTier struct {
	maxEntries int
	idleTTL    time.Duration

	mu      sync.Mutex
	entries map[cas.Hash]*list.Element
	lru     *list.List // front is most recently used
	stop    chan struct{}
	once    sync.Once
}

func newMemoryTier(maxEntries int, idleTTL time.Duration) *memoryTier {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	m := &memoryTier{
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		entries:    make(map[cas.Hash]*list.Element),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	if idleTTL > 0 {
		go m.reapLoop()
	}
	return m
}

func (m *memoryTier) get(addr cas.Hash) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[addr]
	if !ok {
		return nil, false
	}
	ent := e.Value.(*memEntry)
	ent.lastUsed = time.Now()
	m.lru.MoveToFront(e)
	return ent.data, true
}

func (m *memoryTier) has(addr cas.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[addr]
	return ok
}

func (m *memoryTier) put(addr cas.Hash, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[addr]; ok {
		e.Value.(*memEntry).lastUsed = time.Now()
		m.lru.MoveToFront(e)
		return
	}

	// Evict if at capacity
	for m.lru.Len() >= m.maxEntries {
		m.evictLocked(m.lru.Back())
	}
	m.entries[addr] = m.lru.PushFront(&memEntry{addr: addr, data: data, lastUsed: time.Now()})
}

func (m *memoryTier) delete(addr cas.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[addr]; ok {
		m.evictLocked(e)
	}
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *memoryTier) evictLocked(e *list.Element) {
	ent := e.Value.(*memEntry)
	m.lru.Remove(e)
	delete(m.entries, ent.addr)
}

func (m *memoryTier) close() {
	m.once.Do(func() { close(m.stop) })
}

// reapLoop periodically drops idle entries.
func (m *memoryTier) reapLoop() {
	ticker := time.NewTicker(m.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle(time.Now())
		}
	}
}

// reapIdle drops entries unused since before now - idleTTL.
func (m *memoryTier) reapIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.idleTTL)
	reaped := 0
	for e := m.lru.Back(); e != nil; {
		prev := e.Prev()
		if e.Value.(*memEntry).lastUsed.Before(cutoff) {
			m.evictLocked(e)
			reaped++
		}
		e = prev
	}
	return reaped
}
