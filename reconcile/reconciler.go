// Package reconcile maps backend change events to the query keys they
// could affect and invalidates them. The mapping is a static rule table
// declared by each screen, never inferred from payloads: the event
// payload is not guaranteed to carry full or current row state, so the
// reconciler refetches instead of patching.
package reconcile

import (
	"context"
	"sync"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/notify"
	"github.com/campuskit/livequery/types"
)

// Rule binds one table's change events to the query keys they affect.
type Rule struct {
	// Table is the backend table the rule listens on.
	Table string

	// Match narrows the rule to events whose fields satisfy the
	// predicate. Nil matches every event on Table.
	Match func(event types.ChangeEvent) bool

	// Keys returns the query keys to invalidate for a matching event.
	Keys func(event types.ChangeEvent) []types.Key
}

// Options configures a Reconciler.
type Options struct {
	// Logger is the logger for debug logging. If nil, defaults to no-op.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool
}

// Reconciler listens on a notifier and turns change events into cache
// invalidations. Duplicate deliveries of the same event are harmless:
// invalidating a stale entry again converges to the same state.
type Reconciler struct {
	store    *cache.Store
	notifier notify.Notifier
	logger   cache.Logger
	debug    bool

	mu     sync.RWMutex
	rules  map[int]Rule
	nextID int
	unhook func()
}

// New creates a Reconciler over a store and a notifier.
func New(store *cache.Store, notifier notify.Notifier, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Reconciler{
		store:    store,
		notifier: notifier,
		logger:   logger,
		debug:    opts.DebugMode,
		rules:    make(map[int]Rule),
	}
}

// Bind adds a rule and returns a func that removes it.
func (r *Reconciler) Bind(rule Rule) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.rules[id] = rule
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.rules, id)
	}
}

// Start subscribes to the notifier and begins reconciling.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.notifier.Subscribe(ctx); err != nil {
		return err
	}
	r.unhook = r.notifier.OnEvent(r.handle)
	return nil
}

// Stop detaches from the notifier. Rules stay bound for a later Start.
func (r *Reconciler) Stop() {
	if r.unhook != nil {
		r.unhook()
		r.unhook = nil
	}
}

// handle invalidates every key whose rule matches the event.
func (r *Reconciler) handle(event types.ChangeEvent) {
	r.mu.RLock()
	rules := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	r.mu.RUnlock()

	invalidated := 0
	for _, rule := range rules {
		if rule.Table != event.Table {
			continue
		}
		if rule.Match != nil && !rule.Match(event) {
			continue
		}
		if rule.Keys == nil {
			continue
		}
		for _, key := range rule.Keys(event) {
			r.store.Invalidate(key)
			invalidated++
		}
	}

	if r.debug {
		r.logger.Debug("reconcile: handled change event",
			"id", event.ID, "table", event.Table, "type", event.Type, "invalidated", invalidated)
	}
}
