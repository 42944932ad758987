package mutation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/types"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	opts := cache.DefaultOptions()
	opts.ClientID = "test-client"
	opts.Retention = time.Minute
	opts.LocalCacheFactory = cache.NewLRUCacheFactory(64)

	store, err := cache.NewStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPipeline(t *testing.T, store *cache.Store) *Pipeline {
	t.Helper()
	return NewPipeline(store, PipelineOptions{})
}

func waitValue(t *testing.T, store *cache.Store, key types.Key, cond func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := store.Get(key); ok && cond(entry.Value) {
			return entry.Value
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for cache value")
	return nil
}

// fakeThread simulates the backend's view of one message thread.
type fakeThread struct {
	mu      sync.Mutex
	msgs    []string
	fetches int64
}

func (ft *fakeThread) fetch(ctx context.Context) (any, error) {
	atomic.AddInt64(&ft.fetches, 1)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return slices.Clone(ft.msgs), nil
}

func (ft *fakeThread) append(msg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.msgs = append(ft.msgs, msg)
}

func (ft *fakeThread) snapshot() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return slices.Clone(ft.msgs)
}

func appendPatch(msg string) func(types.Key, any) any {
	return func(_ types.Key, value any) any {
		msgs, _ := value.([]string)
		out := make([]string, len(msgs), len(msgs)+1)
		copy(out, msgs)
		return append(out, msg)
	}
}

func TestRollbackRestoresExactSnapshot(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("thread", "c1")

	store.Set(key, []string{"a"})
	before, ok := store.Get(key)
	require.True(t, ok)

	cause := &NetworkError{Err: errors.New("connection reset")}
	err := pipeline.Mutate(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: appendPatch("b"),
		Call:  func(ctx context.Context) error { return cause },
	})
	require.Error(t, err)
	assert.True(t, IsNetwork(err))

	after, ok := store.Get(key)
	require.True(t, ok)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("Rollback must restore the snapshot exactly (-before +after):\n%s", diff)
	}
}

func TestCommitReconcilesWithServer(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("thread", "c1")

	server := &fakeThread{msgs: []string{"a"}}
	store.Register(key, server.fetch)
	_, unsub := store.Watch(key)
	defer unsub()
	waitValue(t, store, key, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "a")
	})

	err := pipeline.Mutate(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: appendPatch("b (sending)"),
		Call: func(ctx context.Context) error {
			server.append("b")
			return nil
		},
	})
	require.NoError(t, err)

	// The optimistic guess is replaced by the server's answer.
	got := waitValue(t, store, key, func(v any) bool {
		return cmp.Equal(v, server.snapshot())
	})
	assert.Equal(t, []string{"a", "b"}, got)
}

// A change event invalidates the key while a mutation is still
// optimistic. The reconciling fetch must not erase the pending patch,
// and the mutation's own settle must not erase the unrelated change.
func TestOrderingHazardNoLostUpdate(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("thread", "c1")

	server := &fakeThread{msgs: []string{"m1"}}
	store.Register(key, server.fetch)
	_, unsub := store.Watch(key)
	defer unsub()
	waitValue(t, store, key, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "m1")
	})

	release := make(chan struct{})
	pending, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: appendPatch("hi"),
		Call: func(ctx context.Context) error {
			<-release
			server.append("hi")
			return nil
		},
	})
	require.NoError(t, err)

	// An unrelated message lands on the server and its change event
	// invalidates the thread before the send resolves.
	server.append("m2")
	store.Invalidate(key)

	waitValue(t, store, key, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "hi") && slices.Contains(msgs, "m2")
	})

	close(release)
	<-pending.Done()
	require.NoError(t, pending.Err())
	assert.Equal(t, types.MutationCommitted, pending.Status())

	got := waitValue(t, store, key, func(v any) bool {
		return cmp.Equal(v, server.snapshot())
	})
	assert.Equal(t, []string{"m1", "m2", "hi"}, got)
}

func TestConflictForcesRefetchInsteadOfRollback(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("item", 7)

	var serverStatus atomic.Value
	serverStatus.Store("available")
	var fetches int64
	store.Register(key, func(ctx context.Context) (any, error) {
		atomic.AddInt64(&fetches, 1)
		return serverStatus.Load(), nil
	})
	store.Set(key, "available")
	_, unsub := store.Watch(key)
	defer unsub()

	err := pipeline.Mutate(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: func(_ types.Key, _ any) any { return "taken" },
		Call: func(ctx context.Context) error {
			return &ConflictError{Err: errors.New("409 conflict")}
		},
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	waitValue(t, store, key, func(v any) bool { return v == "available" })
	assert.GreaterOrEqual(t, atomic.LoadInt64(&fetches), int64(1),
		"conflict must force a refetch")
}

// Two rapid toggles on the same item: the first mutation's settle is
// superseded and must be a no-op.
func TestSupersededSettleIsNoOp(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("item", 7)

	var serverStatus atomic.Value
	serverStatus.Store("available")
	var fetches int64
	store.Register(key, func(ctx context.Context) (any, error) {
		atomic.AddInt64(&fetches, 1)
		return serverStatus.Load(), nil
	})
	store.Set(key, "available")
	_, unsub := store.Watch(key)
	defer unsub()

	release1 := make(chan struct{})
	p1, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: func(_ types.Key, _ any) any { return "taken" },
		Call: func(ctx context.Context) error {
			<-release1
			serverStatus.Store("taken")
			return nil
		},
	})
	require.NoError(t, err)

	release2 := make(chan struct{})
	p2, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys:  []types.Key{key},
		Patch: func(_ types.Key, _ any) any { return "available" },
		Call: func(ctx context.Context) error {
			<-release2
			serverStatus.Store("available")
			return nil
		},
	})
	require.NoError(t, err)

	// The first settle arrives late; it must neither reconcile nor
	// disturb the second mutation's optimistic state.
	close(release1)
	<-p1.Done()
	require.NoError(t, p1.Err())

	entry, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, "available", entry.Value)
	assert.Equal(t, int64(0), atomic.LoadInt64(&fetches),
		"superseded settle must not trigger a reconcile fetch")

	close(release2)
	<-p2.Done()
	require.NoError(t, p2.Err())

	waitValue(t, store, key, func(v any) bool { return v == "available" })
	waitStats := func() bool { return atomic.LoadInt64(&fetches) >= 1 }
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !waitStats() {
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, waitStats(), "current settle must reconcile")
}

func TestValidationErrorNothingApplied(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("thread", "c1")

	store.Set(key, []string{"a"})
	var calls int64

	err := pipeline.Mutate(context.Background(), Mutation{
		Keys:     []types.Key{key},
		Validate: func() error { return errors.New("message body is empty") },
		Patch:    appendPatch(""),
		Call: func(ctx context.Context) error {
			atomic.AddInt64(&calls, 1)
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "validation failures never reach the network")

	entry, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, entry.Value)
}

func TestDispatchRejectsMalformedMutations(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)

	_, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys: []types.Key{types.KeyOf("k")},
	})
	assert.True(t, IsValidation(err), "missing Call must be rejected")

	_, err = pipeline.Dispatch(context.Background(), Mutation{
		Call: func(ctx context.Context) error { return nil },
	})
	assert.True(t, IsValidation(err), "missing Keys must be rejected")
}

func TestDispatchAfterStoreClose(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	require.NoError(t, store.Close())

	_, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys:  []types.Key{types.KeyOf("thread", "c1")},
		Patch: appendPatch("b"),
		Call:  func(ctx context.Context) error { return nil },
	})
	require.ErrorIs(t, err, cache.ErrStoreClosed)
	assert.Equal(t, 0, pipeline.InFlight(), "failed dispatch must not go in flight")
}

func TestPendingLifecycle(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	key := types.KeyOf("item", 1)
	store.Set(key, "x")

	release := make(chan struct{})
	pending, err := pipeline.Dispatch(context.Background(), Mutation{
		Keys: []types.Key{key},
		Call: func(ctx context.Context) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pending.ID)
	assert.Equal(t, types.MutationPending, pending.Status())
	assert.Equal(t, 1, pipeline.InFlight())

	close(release)
	require.NoError(t, pending.Wait(context.Background()))
	assert.Equal(t, types.MutationCommitted, pending.Status())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && pipeline.InFlight() != 0 {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, pipeline.InFlight())
}

func TestMutationTouchingMultipleKeys(t *testing.T) {
	store := newTestStore(t)
	pipeline := newTestPipeline(t, store)
	threadKey := types.KeyOf("thread", "c1")
	listKey := types.KeyOf("conversations", "u1")

	store.Set(threadKey, []string{"a"})
	store.Set(listKey, []string{"c1:a"})

	cause := errors.New("send failed")
	err := pipeline.Mutate(context.Background(), Mutation{
		Keys: []types.Key{threadKey, listKey},
		Patch: func(key types.Key, value any) any {
			msgs, _ := value.([]string)
			out := slices.Clone(msgs)
			if key == threadKey {
				return append(out, "b")
			}
			return append(out, "c1:b")
		},
		Call: func(ctx context.Context) error { return cause },
	})
	require.ErrorIs(t, err, cause)

	threadEntry, _ := store.Get(threadKey)
	listEntry, _ := store.Get(listKey)
	assert.Equal(t, []string{"a"}, threadEntry.Value, "thread must roll back")
	assert.Equal(t, []string{"c1:a"}, listEntry.Value, "conversation list must roll back")
}
