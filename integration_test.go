package livequery

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/reconcile"
	"github.com/campuskit/livequery/types"
)

// chatBackend is a fake conversation service: fetches serve the current
// thread, sends append a message and announce the change on the feed.
type chatBackend struct {
	mu   sync.Mutex
	msgs []string
}

func (cb *chatBackend) fetch(ctx context.Context) (any, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return slices.Clone(cb.msgs), nil
}

func (cb *chatBackend) send(msg string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.msgs = append(cb.msgs, msg)
}

// TestEndToEndOptimisticSend walks the full loop: watch a thread,
// optimistically send a message, let the backend announce the change,
// and check the cache converges on the server state.
func TestEndToEndOptimisticSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientID = "session-1"
	cfg.LocalCacheFactory = cache.NewLRUCacheFactory(64)

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	backend := &chatBackend{msgs: []string{"welcome"}}
	threadKey := KeyOf("messages", "c1")
	client.Store().Register(threadKey, backend.fetch)

	client.Reconciler().Bind(reconcile.Rule{
		Table: "messages",
		Match: func(e ChangeEvent) bool {
			return e.Fields["conversation_id"] == "c1"
		},
		Keys: func(e ChangeEvent) []Key {
			return []Key{KeyOf("messages", e.Fields["conversation_id"])}
		},
	})

	ch, unsub := client.Store().Watch(threadKey)
	defer unsub()
	waitForValue(t, ch, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "welcome")
	})

	ctx := context.Background()
	err = client.Pipeline().Mutate(ctx, Mutation{
		Keys: []Key{threadKey},
		Patch: func(_ Key, value any) any {
			msgs, _ := value.([]string)
			out := slices.Clone(msgs)
			return append(out, "hi")
		},
		Call: func(ctx context.Context) error {
			backend.send("hi")
			return client.Notifier().Publish(ctx, ChangeEvent{
				Table:  "messages",
				Type:   types.EventInsert,
				Sender: cfg.ClientID,
				Fields: map[string]any{"conversation_id": "c1"},
			})
		},
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	waitForValue(t, ch, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Equal(msgs, []string{"welcome", "hi"})
	})
}

// TestEndToEndPeerChange checks that a change published by a peer
// session invalidates and refetches a watched key.
func TestEndToEndPeerChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientID = "session-1"
	cfg.LocalCacheFactory = cache.NewLRUCacheFactory(64)

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	backend := &chatBackend{msgs: []string{"m1"}}
	key := KeyOf("messages", "c9")
	client.Store().Register(key, backend.fetch)
	client.Reconciler().Bind(reconcile.Rule{
		Table: "messages",
		Keys: func(e ChangeEvent) []Key {
			return []Key{key}
		},
	})

	ch, unsub := client.Store().Watch(key)
	defer unsub()
	waitForValue(t, ch, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "m1")
	})

	// A peer writes to the thread and the backend feed reports it.
	backend.send("m2")
	client.Notifier().Publish(context.Background(), ChangeEvent{
		Table:  "messages",
		Type:   types.EventInsert,
		Sender: "session-2",
	})

	waitForValue(t, ch, func(v any) bool {
		msgs, _ := v.([]string)
		return slices.Contains(msgs, "m2")
	})
}

func waitForValue(t *testing.T, ch <-chan Entry, cond func(any) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				t.Fatal("watch channel closed unexpectedly")
			}
			if cond(entry.Value) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for value condition")
		}
	}
}
