package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vgraph/cas"
	"vgraph/graph"
	"vgraph/ident"
	"vgraph/layercache"
)

func newInitial(t *testing.T) (*layercache.Cache, *WorkspaceSnapshot) {
	t.Helper()
	store := layercache.NewMemory()
	t.Cleanup(store.Close)
	s, err := Initial(context.Background(), store)
	require.NoError(t, err)
	return store, s
}

// addComponent adds a component under the component category.
func addComponent(t *testing.T, s *WorkspaceSnapshot, payload string) graph.ID {
	t.Helper()
	cat, err := s.Category(graph.CategoryComponent)
	require.NoError(t, err)
	n := graph.NewNode(graph.KindComponent, cas.SumString(payload), nil)
	require.NoError(t, s.AddOrReplaceNode(n))
	require.NoError(t, s.AddEdgeUnchecked(cat, graph.NewEdge(graph.EdgeUse), n.ID))
	return n.ID
}

func TestInitialHasCategories(t *testing.T) {
	_, s := newInitial(t)

	assert.False(t, s.Address().IsZero())
	for _, name := range []string{
		graph.CategoryComponent, graph.CategorySchema, graph.CategoryFunc,
		graph.CategoryView, graph.CategoryDependentValueRoot,
	} {
		_, err := s.Category(name)
		assert.NoError(t, err, name)
	}
	_, err := s.Category("nope")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestWriteWithoutChangesKeepsAddress(t *testing.T) {
	ctx := context.Background()
	_, s := newInitial(t)
	before := s.Address()

	addr, err := s.Write(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, addr)
}

func TestCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	store, s := newInitial(t)
	addr := s.Address()

	a, err := Find(ctx, store, addr)
	require.NoError(t, err)
	b, err := Find(ctx, store, addr)
	require.NoError(t, err)

	id := addComponent(t, a, "web")
	assert.True(t, a.Dirty())
	assert.False(t, b.Dirty())

	_, err = b.GetNode(id)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	newAddr, err := a.Write(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, addr, newAddr)
	assert.False(t, a.Dirty())

	reloaded, err := Find(ctx, store, newAddr)
	require.NoError(t, err)
	got, err := reloaded.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, graph.KindComponent, got.Kind)
}

func TestRevertRestoresLastWrittenState(t *testing.T) {
	ctx := context.Background()
	_, s := newInitial(t)
	addr := s.Address()

	id := addComponent(t, s, "db")
	s.Revert()

	_, err := s.GetNode(id)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	again, err := s.Write(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestCycleCheckGuard(t *testing.T) {
	ctx := context.Background()
	_, s := newInitial(t)
	a := addComponent(t, s, "a")
	b := addComponent(t, s, "b")
	require.NoError(t, s.AddEdgeUnchecked(a, graph.NewEdge(graph.EdgeUse), b))

	g1 := s.EnableCycleCheck()
	g2 := s.EnableCycleCheck()
	assert.True(t, s.CycleCheckEnabled())

	before := s.Edges()
	err := s.AddEdge(ctx, b, graph.NewEdge(graph.EdgeUse), a)
	assert.ErrorIs(t, err, graph.ErrWouldCreateCycle)
	assert.Equal(t, before, s.Edges(), "graph is unchanged after a rejected edge")

	g1.Release()
	g1.Release() // idempotent
	assert.True(t, s.CycleCheckEnabled())
	g2.Release()
	assert.False(t, s.CycleCheckEnabled())

	// Without the guard nothing stops the caller
	assert.NoError(t, s.AddEdge(ctx, b, graph.NewEdge(graph.EdgeUse), a))
}

// flakyStore reports objects as missing for the first misses reads.
type flakyStore struct {
	*layercache.Cache
	misses int32
	reads  atomic.Int32
}

func (f *flakyStore) ReadWaitForMemory(ctx context.Context, addr cas.Hash) ([]byte, error) {
	if f.reads.Add(1) <= f.misses {
		return nil, layercache.ErrNotFound
	}
	return f.Cache.ReadWaitForMemory(ctx, addr)
}

func TestFindRetriesUntilReadable(t *testing.T) {
	ctx := context.Background()
	cache, s := newInitial(t)

	// Unreadable for the first four lookups, readable on the last allowed one.
	store := &flakyStore{Cache: cache, misses: DefaultFetchAttempts - 1}
	got, err := Find(ctx, store, s.Address())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got.Address())
	assert.EqualValues(t, 5, store.reads.Load())
}

func TestFindGivesUpAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	cache, _ := newInitial(t)
	store := &flakyStore{Cache: cache, misses: 100}

	start := time.Now()
	_, err := Find(ctx, store, cas.SumString("never written"))
	assert.ErrorIs(t, err, ErrSnapshotNotFetched)
	assert.EqualValues(t, DefaultFetchAttempts, store.reads.Load())
	assert.Less(t, time.Since(start), time.Second)
}

type pointerMap map[ident.ID]cas.Hash

func (p pointerMap) SnapshotAddress(ctx context.Context, id ident.ID) (cas.Hash, error) {
	addr, ok := p[id]
	if !ok {
		return cas.ZeroHash, errors.New("no such change set")
	}
	return addr, nil
}

func TestFindForChangeSet(t *testing.T) {
	ctx := context.Background()
	store, s := newInitial(t)
	cs := ident.New()

	got, err := FindForChangeSet(ctx, store, pointerMap{cs: s.Address()}, cs)
	require.NoError(t, err)
	assert.Equal(t, s.RootID(), got.RootID())

	_, err = FindForChangeSet(ctx, store, pointerMap{}, cs)
	assert.Error(t, err)
}

func TestDependentValueRoots(t *testing.T) {
	ctx := context.Background()
	store, s := newInitial(t)
	v1, v2 := ident.New(), ident.New()

	added, err := s.AddDependentValueRoot(v1)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddDependentValueRoot(v1)
	require.NoError(t, err)
	assert.False(t, added, "second add is deduplicated")
	_, err = s.AddDependentValueRoot(v2)
	require.NoError(t, err)

	roots, err := s.DependentValueRoots()
	require.NoError(t, err)
	assert.Equal(t, []ident.ID{v1, v2}, roots)

	// Roots are part of the graph and survive a write
	addr, err := s.Write(ctx)
	require.NoError(t, err)
	reloaded, err := Find(ctx, store, addr)
	require.NoError(t, err)
	has, err := reloaded.HasDependentValueRoots()
	require.NoError(t, err)
	assert.True(t, has)

	// A fresh session still deduplicates against the graph
	added, err = reloaded.AddDependentValueRoot(v1)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, reloaded.RemoveDependentValueRoot(v1))
	require.NoError(t, reloaded.RemoveDependentValueRoot(v2))
	require.NoError(t, reloaded.RemoveDependentValueRoot(ident.New()))
	has, err = reloaded.HasDependentValueRoots()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestInferredConnections(t *testing.T) {
	ctx := context.Background()
	_, s := newInitial(t)
	frame := addComponent(t, s, "frame")
	inner := addComponent(t, s, "inner frame")
	leaf := addComponent(t, s, "leaf")
	require.NoError(t, s.AddEdgeUnchecked(frame, graph.NewEdge(graph.EdgeFrameContains), inner))
	require.NoError(t, s.AddEdgeUnchecked(inner, graph.NewEdge(graph.EdgeFrameContains), leaf))

	ic, err := s.InferredConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, ic.All(), 3)
	assert.ElementsMatch(t, []graph.ID{frame, inner}, ic.FramesOf(leaf))
	assert.ElementsMatch(t, []graph.ID{inner, leaf}, ic.ComponentsIn(frame))

	// Cached until the next mutation
	again, err := s.InferredConnections(ctx)
	require.NoError(t, err)
	assert.Same(t, ic, again)

	require.NoError(t, s.RemoveEdge(inner, graph.EdgeFrameContains, leaf))
	fresh, err := s.InferredConnections(ctx)
	require.NoError(t, err)
	assert.NotSame(t, ic, fresh)
	assert.Len(t, fresh.All(), 1)
}

func TestDetectAndPerformThroughSnapshots(t *testing.T) {
	ctx := context.Background()
	store, base := newInitial(t)

	fork, err := Find(ctx, store, base.Address())
	require.NoError(t, err)
	addComponent(t, fork, "api")
	addComponent(t, fork, "worker")
	_, err = fork.Write(ctx)
	require.NoError(t, err)

	updates, err := base.DetectUpdates(ctx, fork)
	require.NoError(t, err)
	require.NotEmpty(t, updates)

	none, err := fork.DetectUpdates(ctx, fork)
	require.NoError(t, err)
	assert.Empty(t, none)

	corrected, reports, err := base.CorrectTransforms(ctx, updates, false)
	require.NoError(t, err)
	assert.Empty(t, reports)
	require.NoError(t, base.PerformUpdates(ctx, corrected))

	want, err := fork.MerkleTreeHash(ctx, fork.RootID())
	require.NoError(t, err)
	got, err := base.MerkleTreeHash(ctx, base.RootID())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDetectUpdatesBothWaysWithWriters(t *testing.T) {
	ctx := context.Background()
	store, a := newInitial(t)
	b, err := Find(ctx, store, a.Address())
	require.NoError(t, err)
	addComponent(t, a, "a")
	addComponent(t, b, "b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(4)
			go func() {
				defer wg.Done()
				_, err := a.DetectUpdates(ctx, b)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := b.DetectUpdates(ctx, a)
				assert.NoError(t, err)
			}()
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, a.AddOrReplaceNode(graph.NewNode(graph.KindComponent, cas.SumString(fmt.Sprint("a", i)), nil)))
			}(i)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, b.AddOrReplaceNode(graph.NewNode(graph.KindComponent, cas.SumString(fmt.Sprint("b", i)), nil)))
			}(i)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite DetectUpdates calls deadlocked")
	}

	updates, err := a.DetectUpdates(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, updates)
}

func TestCorrectTransformsDropsDanglingEdge(t *testing.T) {
	ctx := context.Background()
	_, s := newInitial(t)
	cat, err := s.Category(graph.CategoryComponent)
	require.NoError(t, err)

	updates := []graph.Update{
		graph.NewEdgeUpdate(cat, graph.NewEdge(graph.EdgeUse), ident.New()),
	}
	corrected, reports, err := s.CorrectTransforms(ctx, updates, true)
	require.NoError(t, err)
	assert.Empty(t, corrected)
	require.Len(t, reports, 1)
	assert.Equal(t, graph.ActionDropped, reports[0].Action)
}

func TestSlowPoolHonorsContext(t *testing.T) {
	p := NewSlowPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	assert.NoError(t, p.Do(context.Background(), func() error { return nil }))
}
