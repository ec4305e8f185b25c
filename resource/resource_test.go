package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/callmesh/core"
)

type fakeStore struct {
	name   string
	data   map[string]string
	closes int
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, data: map[string]string{}}
}

func (s *fakeStore) Name() string { return s.name }
func (s *fakeStore) Close() error { s.closes++; return nil }

func (s *fakeStore) Snapshot(ctx context.Context) (core.Toolset, error) {
	copied := newFakeStore(s.name)
	for k, v := range s.data {
		copied.data[k] = v
	}
	return copied, nil
}

type plainToolset struct{ name string }

func (p plainToolset) Name() string { return p.name }
func (p plainToolset) Close() error { return nil }

func newFrames(t *testing.T) (*core.CallScope, *core.CallFrame, *core.CallFrame) {
	t.Helper()

	scope := core.NewCallScope(context.Background(), "run-1", "session-1")
	t.Cleanup(func() { _ = scope.Close() })

	root, err := scope.Open("root")
	require.NoError(t, err)
	child, err := root.SpawnChild("child")
	require.NoError(t, err)

	return scope, root, child
}

func TestSpec_Validate(t *testing.T) {
	factory := func(ctx context.Context) (core.Toolset, error) { return newFakeStore("s"), nil }
	instance := newFakeStore("s")

	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"shared with instance", Spec{Name: "db", Lifecycle: LifecycleShared, Instance: instance}, false},
		{"shared without instance", Spec{Name: "db", Lifecycle: LifecycleShared}, true},
		{"shared with factory", Spec{Name: "db", Lifecycle: LifecycleShared, Instance: instance, Factory: factory}, true},
		{"per_run with factory", Spec{Name: "db", Lifecycle: LifecyclePerRun, Factory: factory}, false},
		{"per_run without factory", Spec{Name: "db", Lifecycle: LifecyclePerRun}, true},
		{"per_call with instance", Spec{Name: "db", Lifecycle: LifecyclePerCall, Instance: instance, Factory: factory}, true},
		{"snapshot carries nothing", Spec{Name: "db", Lifecycle: LifecycleSnapshot}, false},
		{"snapshot with factory", Spec{Name: "db", Lifecycle: LifecycleSnapshot, Factory: factory}, true},
		{"inherited carries nothing", Spec{Name: "db", Lifecycle: LifecycleInherited}, false},
		{"unknown lifecycle", Spec{Name: "db", Lifecycle: "forever"}, true},
		{"empty name", Spec{Lifecycle: LifecyclePerCall, Factory: factory}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_SharedBindsSameInstance(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	db := newFakeStore("db")
	spec := Spec{Name: "db", Lifecycle: LifecycleShared, Instance: db}

	require.NoError(t, m.Resolve(context.Background(), "root-unit", []Spec{spec}, root))
	require.NoError(t, m.Resolve(context.Background(), "child-unit", []Spec{spec}, child))

	rootTS, _ := root.Resource("db")
	childTS, _ := child.Resource("db")
	assert.Same(t, db, rootTS)
	assert.Same(t, db, childTS)
	assert.Equal(t, 2, m.SharedRefs(db))

	// Frame teardown releases references but not the instance.
	require.NoError(t, child.Close())
	assert.Equal(t, 1, m.SharedRefs(db))
	assert.Equal(t, 0, db.closes)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, db.closes)
}

func TestManager_PerRunSharedWithinRun(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	built := 0
	spec := Spec{Name: "cache", Lifecycle: LifecyclePerRun, Factory: func(ctx context.Context) (core.Toolset, error) {
		built++
		return newFakeStore("cache"), nil
	}}

	require.NoError(t, m.Resolve(context.Background(), "root-unit", []Spec{spec}, root))
	require.NoError(t, m.Resolve(context.Background(), "child-unit", []Spec{spec}, child))

	assert.Equal(t, 1, built)

	rootTS, _ := root.Resource("cache")
	childTS, _ := child.Resource("cache")
	assert.Same(t, rootTS, childTS)

	// The child does not own the instance; only root teardown destroys it.
	require.NoError(t, child.Close())
	assert.Equal(t, 0, rootTS.(*fakeStore).closes)

	require.NoError(t, root.Close())
	assert.Equal(t, 1, rootTS.(*fakeStore).closes)
}

func TestManager_PerRunConcurrentResolveBuildsOnce(t *testing.T) {
	m := NewManager()

	scope := core.NewCallScope(context.Background(), "run-1", "session-1")
	t.Cleanup(func() { _ = scope.Close() })

	root, err := scope.Open("root")
	require.NoError(t, err)
	a, err := root.SpawnChild("a")
	require.NoError(t, err)
	b, err := root.SpawnChild("b")
	require.NoError(t, err)

	var built atomic.Int32
	release := make(chan struct{})
	spec := Spec{Name: "cache", Lifecycle: LifecyclePerRun, Factory: func(ctx context.Context) (core.Toolset, error) {
		built.Add(1)
		<-release
		return newFakeStore("cache"), nil
	}}

	frames := []*core.CallFrame{a, b}
	errs := make([]error, len(frames))

	var wg sync.WaitGroup
	for i := range frames {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = m.Resolve(context.Background(), "unit", []Spec{spec}, frames[idx])
		}(i)
	}

	// Give the racers time to pile up behind the leader, then let the
	// factory finish.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// One construction; both sibling frames see the same instance.
	assert.Equal(t, int32(1), built.Load())
	aTS, _ := a.Resource("cache")
	bTS, _ := b.Resource("cache")
	assert.Same(t, aTS, bTS)
}

func TestManager_PerRunFollowerHonorsCancellation(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	release := make(chan struct{})
	defer close(release)
	spec := Spec{Name: "cache", Lifecycle: LifecyclePerRun, Factory: func(ctx context.Context) (core.Toolset, error) {
		<-release
		return newFakeStore("cache"), nil
	}}

	// Leader occupies the in-flight slot.
	go func() { _ = m.Resolve(context.Background(), "unit", []Spec{spec}, root) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Resolve(ctx, "unit", []Spec{spec}, child)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_PerCallDistinctInstances(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	spec := Spec{Name: "scratch", Lifecycle: LifecyclePerCall, Factory: func(ctx context.Context) (core.Toolset, error) {
		return newFakeStore("scratch"), nil
	}}

	require.NoError(t, m.Resolve(context.Background(), "a", []Spec{spec}, root))
	require.NoError(t, m.Resolve(context.Background(), "b", []Spec{spec}, child))

	rootTS, _ := root.Resource("scratch")
	childTS, _ := child.Resource("scratch")
	assert.NotSame(t, rootTS, childTS)

	require.NoError(t, child.Close())
	assert.Equal(t, 1, childTS.(*fakeStore).closes)
	assert.Equal(t, 0, rootTS.(*fakeStore).closes)
}

func TestManager_FactoryFailure(t *testing.T) {
	m := NewManager()
	_, root, _ := newFrames(t)

	boom := errors.New("dial failed")
	spec := Spec{Name: "db", Lifecycle: LifecyclePerCall, Factory: func(ctx context.Context) (core.Toolset, error) {
		return nil, boom
	}}

	err := m.Resolve(context.Background(), "unit", []Spec{spec}, root)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)
	assert.Equal(t, "db", constructionErr.Resource)
	assert.Equal(t, "unit", constructionErr.Unit)
	assert.ErrorIs(t, err, boom)
}

func TestManager_PerRunFailureDoesNotPoisonTheRun(t *testing.T) {
	m := NewManager()
	_, root, _ := newFrames(t)

	calls := 0
	spec := Spec{Name: "cache", Lifecycle: LifecyclePerRun, Factory: func(ctx context.Context) (core.Toolset, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial failed")
		}
		return newFakeStore("cache"), nil
	}}

	err := m.Resolve(context.Background(), "unit", []Spec{spec}, root)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)

	// A failed construction leaves no residue; the next resolution retries.
	require.NoError(t, m.Resolve(context.Background(), "unit", []Spec{spec}, root))
	assert.Equal(t, 2, calls)
}

func TestManager_ResolveAfterCloseFails(t *testing.T) {
	m := NewManager()
	_, root, _ := newFrames(t)

	db := newFakeStore("db")
	sharedSpec := Spec{Name: "db", Lifecycle: LifecycleShared, Instance: db}
	require.NoError(t, m.Resolve(context.Background(), "unit", []Spec{sharedSpec}, root))

	require.NoError(t, m.Close())
	assert.Equal(t, 1, db.closes)

	// The singleton is already destroyed; handing it out again would leak a
	// dead instance past the final Close.
	err := m.Resolve(context.Background(), "unit", []Spec{sharedSpec}, root)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)

	perRun := Spec{Name: "cache", Lifecycle: LifecyclePerRun, Factory: func(ctx context.Context) (core.Toolset, error) {
		return newFakeStore("cache"), nil
	}}
	assert.Error(t, m.Resolve(context.Background(), "unit", []Spec{perRun}, root))
}

func TestManager_SnapshotIsolation(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	parent := newFakeStore("state")
	parent.data["k"] = "original"
	root.AttachResource("state", parent, nil)

	spec := Spec{Name: "state", Lifecycle: LifecycleSnapshot}
	require.NoError(t, m.Resolve(context.Background(), "child-unit", []Spec{spec}, child))

	childTS, _ := child.Resource("state")
	snapshot := childTS.(*fakeStore)
	require.NotSame(t, parent, snapshot)
	assert.Equal(t, "original", snapshot.data["k"])

	// Mutations on the copy never reach the parent.
	snapshot.data["k"] = "mutated"
	assert.Equal(t, "original", parent.data["k"])

	// The snapshot is owned by the child frame.
	require.NoError(t, child.Close())
	assert.Equal(t, 1, snapshot.closes)
	assert.Equal(t, 0, parent.closes)
}

func TestManager_SnapshotRequiresSnapshotter(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	root.AttachResource("state", plainToolset{name: "state"}, nil)

	err := m.Resolve(context.Background(), "child-unit", []Spec{{Name: "state", Lifecycle: LifecycleSnapshot}}, child)

	var constructionErr *ConstructionError
	require.ErrorAs(t, err, &constructionErr)
	assert.Contains(t, constructionErr.Error(), "snapshot")
}

func TestManager_InheritedIsNonOwning(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	shared := newFakeStore("conn")
	root.AttachResource("conn", shared, nil)

	require.NoError(t, m.Resolve(context.Background(), "child-unit", []Spec{{Name: "conn", Lifecycle: LifecycleInherited}}, child))

	childTS, _ := child.Resource("conn")
	assert.Same(t, shared, childTS)

	require.NoError(t, child.Close())
	assert.Equal(t, 0, shared.closes)
}

func TestManager_ParentLookupFailures(t *testing.T) {
	m := NewManager()
	_, root, child := newFrames(t)

	t.Run("root has no parent", func(t *testing.T) {
		err := m.Resolve(context.Background(), "unit", []Spec{{Name: "x", Lifecycle: LifecycleInherited}}, root)
		assert.Error(t, err)
	})

	t.Run("parent lacks the resource", func(t *testing.T) {
		err := m.Resolve(context.Background(), "unit", []Spec{{Name: "missing", Lifecycle: LifecycleInherited}}, child)
		assert.Error(t, err)
	})
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := NewManager()
	_, root, _ := newFrames(t)

	db := newFakeStore("db")
	require.NoError(t, m.Resolve(context.Background(), "unit", []Spec{{Name: "db", Lifecycle: LifecycleShared, Instance: db}}, root))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, db.closes)
}
