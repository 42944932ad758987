package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/types"
)

// Mutation describes one user action against the backend.
type Mutation struct {
	// Keys are the query keys the optimistic patch touches. Sending a
	// chat message typically touches both the conversation list and the
	// message thread.
	Keys []types.Key

	// Patch transforms the cached value for each affected key into its
	// assumed-successful shape. It must be a pure function of its input:
	// the store replays it on top of reconciling fetch results while the
	// mutation is in flight. Nil means no optimistic update.
	Patch func(key types.Key, value any) any

	// Call performs the network request. The patch is a best-effort
	// guess, never authoritative: success triggers a reconciling refetch
	// of every affected key.
	Call func(ctx context.Context) error

	// Validate rejects the mutation before anything is applied or sent.
	// Return a descriptive error to fail with a ValidationError.
	Validate func() error
}

// Pending is the handle for one dispatched mutation.
type Pending struct {
	// ID uniquely identifies this dispatch.
	ID string

	mu        sync.Mutex
	status    types.MutationStatus
	err       error
	done      chan struct{}
	seqs      map[types.Key]uint64
	snapshots map[types.Key]types.Entry
}

// Status returns the current mutation status.
func (pd *Pending) Status() types.MutationStatus {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.status
}

// Err returns the settle error, if any. Only meaningful after Done.
func (pd *Pending) Err() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.err
}

// Done is closed when the mutation has settled.
func (pd *Pending) Done() <-chan struct{} {
	return pd.done
}

// Wait blocks until the mutation settles or ctx expires.
func (pd *Pending) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pd.done:
		return pd.Err()
	}
}

func (pd *Pending) settle(status types.MutationStatus, err error) {
	pd.mu.Lock()
	pd.status = status
	pd.err = err
	pd.mu.Unlock()
	close(pd.done)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Logger is the logger for debug logging. If nil, defaults to no-op.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called with every settle error, in addition to the
	// error reaching the dispatching caller.
	OnError func(error)
}

// Pipeline runs mutations through the optimistic state machine:
// pending, then committed or rolled-back. The snapshot captured at
// dispatch restores the cache verbatim on failure; success invalidates
// the affected keys so a reconciling fetch replaces the guess with the
// server's answer.
type Pipeline struct {
	store    *cache.Store
	logger   cache.Logger
	debug    bool
	onError  func(error)
	inflight int64
}

// NewPipeline creates a new Pipeline on top of a store.
func NewPipeline(store *cache.Store, opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &Pipeline{
		store:   store,
		logger:  logger,
		debug:   opts.DebugMode,
		onError: opts.OnError,
	}
}

// InFlight returns the number of mutations currently pending.
func (p *Pipeline) InFlight() int {
	return int(atomic.LoadInt64(&p.inflight))
}

// Dispatch validates the mutation, applies its optimistic patch
// synchronously, and issues the network call in the background. The
// returned Pending settles exactly once.
func (p *Pipeline) Dispatch(ctx context.Context, m Mutation) (*Pending, error) {
	if m.Call == nil {
		return nil, &ValidationError{Reason: "mutation has no network call"}
	}
	if len(m.Keys) == 0 {
		return nil, &ValidationError{Reason: "mutation affects no query keys"}
	}
	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return nil, ve
			}
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	pending := &Pending{
		ID:        uuid.NewString(),
		status:    types.MutationPending,
		done:      make(chan struct{}),
		seqs:      make(map[types.Key]uint64, len(m.Keys)),
		snapshots: make(map[types.Key]types.Entry, len(m.Keys)),
	}

	// Snapshot first, then patch: the snapshot must be the value exactly
	// as it was before this mutation started.
	for i, key := range m.Keys {
		snapshot, seq, err := p.store.Begin(key)
		if err != nil {
			// The store shut down mid-dispatch; undo what was applied.
			for _, done := range m.Keys[:i] {
				p.store.Settle(done, pending.seqs[done])
				if p.store.IsCurrent(done, pending.seqs[done]) {
					p.store.Restore(done, pending.snapshots[done])
				}
			}
			return nil, err
		}
		pending.snapshots[key] = snapshot
		pending.seqs[key] = seq
		if m.Patch != nil {
			key := key
			p.store.ApplyOptimistic(key, seq, func(value any) any {
				return m.Patch(key, value)
			})
		}
	}

	if p.debug {
		p.logger.Debug("Dispatch: mutation in flight", "id", pending.ID, "keys", len(m.Keys))
	}

	atomic.AddInt64(&p.inflight, 1)
	go p.run(ctx, m, pending)
	return pending, nil
}

// Mutate dispatches the mutation and blocks until it settles.
func (p *Pipeline) Mutate(ctx context.Context, m Mutation) error {
	pending, err := p.Dispatch(ctx, m)
	if err != nil {
		return err
	}
	return pending.Wait(ctx)
}

func (p *Pipeline) run(ctx context.Context, m Mutation, pending *Pending) {
	defer atomic.AddInt64(&p.inflight, -1)

	err := m.Call(ctx)

	switch {
	case err == nil:
		p.commit(m, pending)
	case IsConflict(err):
		p.resolveConflict(m, pending, err)
	default:
		p.rollback(m, pending, err)
	}
}

// commit drops the pending patches and invalidates every affected key:
// the optimistic value was a guess, the reconciling fetch fetches the
// truth. Keys on which a later mutation already started are left to
// that mutation's own settle.
func (p *Pipeline) commit(m Mutation, pending *Pending) {
	for _, key := range m.Keys {
		seq := pending.seqs[key]
		p.store.Settle(key, seq)
		if !p.store.IsCurrent(key, seq) {
			if p.debug {
				p.logger.Debug("commit: superseded, skipping reconcile", "id", pending.ID, "key", key)
			}
			continue
		}
		p.store.Invalidate(key)
	}
	pending.settle(types.MutationCommitted, nil)

	if p.debug {
		p.logger.Debug("commit: mutation committed", "id", pending.ID)
	}
}

// rollback restores the pre-mutation snapshot verbatim on every key
// this mutation still owns.
func (p *Pipeline) rollback(m Mutation, pending *Pending, cause error) {
	for _, key := range m.Keys {
		seq := pending.seqs[key]
		p.store.Settle(key, seq)
		if !p.store.IsCurrent(key, seq) {
			if p.debug {
				p.logger.Debug("rollback: superseded, skipping restore", "id", pending.ID, "key", key)
			}
			continue
		}
		p.store.Restore(key, pending.snapshots[key])
	}
	pending.settle(types.MutationRolledBack, cause)

	if p.onError != nil {
		p.onError(cause)
	}
	if p.debug {
		p.logger.Warn("rollback: mutation rolled back", "id", pending.ID, "error", cause)
	}
}

// resolveConflict handles a concurrent-modification rejection. The
// snapshot captured at dispatch is stale too, so restoring it would
// just show different wrong data; force a refetch instead.
func (p *Pipeline) resolveConflict(m Mutation, pending *Pending, cause error) {
	for _, key := range m.Keys {
		seq := pending.seqs[key]
		p.store.Settle(key, seq)
		if !p.store.IsCurrent(key, seq) {
			continue
		}
		p.store.Refresh(key)
	}
	pending.settle(types.MutationRolledBack, cause)

	if p.onError != nil {
		p.onError(cause)
	}
	if p.debug {
		p.logger.Warn("conflict: forced refetch of affected keys", "id", pending.ID, "error", cause)
	}
}
