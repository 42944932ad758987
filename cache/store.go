package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campuskit/livequery/types"
)

// watchBuffer is the per-watcher channel capacity. Slow watchers drop
// intermediate snapshots; they always receive the latest one eventually
// because every transition re-sends the full entry.
const watchBuffer = 8

// Store is the client-held cache of remote query results. Live entries
// are authoritative and every transition runs under one mutex, so cache
// mutations cannot interleave. Asynchronous completions (refetches,
// mutation settles, change notifications) re-enter through the same
// mutex and are guarded by per-key generation and sequence counters.
type Store struct {
	mu      sync.Mutex
	entries map[types.Key]*entryState
	parked  LocalCache
	group   singleflight.Group
	options Options
	logger  Logger
	closed  int32
	watchID int
	stats   Stats
}

// entryState is the live bookkeeping for one query key.
type entryState struct {
	entry   types.Entry
	fetcher Fetcher

	// gen is the fetch generation. Every invalidation or authoritative
	// set bumps it; an async fetch completion whose captured generation
	// no longer matches discards itself.
	gen uint64

	// seq is the latest mutation sequence issued for this key. Settle
	// callbacks of superseded mutations compare against it and no-op.
	seq uint64

	// pending holds still-live optimistic patches in sequence order.
	// They are re-applied on top of every applied fetch result so that a
	// reconciling refetch cannot silently erase an in-flight mutation.
	pending []pendingPatch

	refs      map[int]chan types.Entry
	retention *time.Timer
}

type pendingPatch struct {
	seq   uint64
	apply func(any) any
}

// parkedValue is what survives of an entry after its last watcher goes
// away: the value and when the server last confirmed it.
type parkedValue struct {
	value     any
	fetchedAt time.Time
}

// NewStore creates a new Store instance.
func NewStore(opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLFUCacheFactory(opts.LocalCacheConfig)
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	parked, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	return &Store{
		entries: make(map[types.Key]*entryState),
		parked:  parked,
		options: opts,
		logger:  opts.Logger,
	}, nil
}

// Register declares how a key refetches its authoritative value. It must
// be called before the key can be watched usefully; invalidations of
// unregistered keys only mark the entry stale.
func (s *Store) Register(key types.Key, fetch Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	st := s.ensureLocked(key)
	st.fetcher = fetch
}

// Get retrieves the current entry for a key. Parked values resurface as
// stale successes so the caller can render last-known data immediately.
func (s *Store) Get(key types.Key) (types.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return types.Entry{}, false
	}

	if st, ok := s.entries[key]; ok {
		atomic.AddInt64(&s.stats.Hits, 1)
		return st.entry, true
	}

	if v, ok := s.parked.Get(string(key)); ok {
		if pv, ok := v.(parkedValue); ok {
			atomic.AddInt64(&s.stats.Hits, 1)
			return types.Entry{
				Value:      pv.value,
				FetchedAt:  pv.fetchedAt,
				StaleAfter: s.options.StaleAfter,
				Status:     types.StatusSuccess,
				Stale:      true,
			}, true
		}
	}

	atomic.AddInt64(&s.stats.Misses, 1)
	return types.Entry{}, false
}

// Set stores an authoritative server value. In-flight fetch completions
// for the key are superseded, and still-pending optimistic patches are
// re-applied on top of the new value.
func (s *Store) Set(key types.Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}

	st := s.ensureLocked(key)
	st.gen++
	st.entry.Value = applyPendingLocked(st, value)
	st.entry.FetchedAt = time.Now()
	st.entry.Status = types.StatusSuccess
	st.entry.Err = nil
	st.entry.Stale = false
	s.notifyLocked(st)

	if s.options.DebugMode {
		s.logger.Debug("Set: stored authoritative value", "key", key)
	}
}

// Patch applies a synchronous local transformation to the cached value
// without going to network. The patch is not tracked as pending: a later
// fetch result overwrites it. Returns false if the key has no live entry.
func (s *Store) Patch(key types.Key, updater func(any) any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}

	st, ok := s.entries[key]
	if !ok {
		return false
	}
	st.entry.Value = updater(st.entry.Value)
	s.notifyLocked(st)
	return true
}

// Invalidate marks the entry stale and, if the key is currently observed
// and has a registered fetcher, schedules a background reconciling
// refetch. Invalidation is idempotent: a duplicate delivery while stale
// converges to the same final state.
func (s *Store) Invalidate(key types.Key) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return
	}

	atomic.AddInt64(&s.stats.Invalidations, 1)
	st, ok := s.entries[key]
	if !ok {
		// Nothing live; a parked value is already treated as stale on
		// re-observation.
		s.mu.Unlock()
		return
	}

	st.entry.Stale = true
	st.gen++
	gen := st.gen
	refetch := len(st.refs) > 0 && st.fetcher != nil
	s.mu.Unlock()

	// A fresh invalidation must not coalesce into a fetch that started
	// before it.
	s.group.Forget(string(key))

	if s.options.DebugMode {
		s.logger.Debug("Invalidate: marked stale", "key", key, "refetch", refetch)
	}
	if refetch {
		go s.refetch(key, gen)
	}
}

// Refresh forces a reconciling refetch regardless of whether the key is
// observed. Used after conflict errors, where the rollback snapshot is
// known to be stale too.
func (s *Store) Refresh(key types.Key) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return
	}
	st, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.entry.Stale = true
	st.gen++
	if st.fetcher == nil {
		// No way to reconcile; at least the entry no longer claims to
		// be fresh.
		s.notifyLocked(st)
		s.mu.Unlock()
		return
	}
	gen := st.gen
	s.mu.Unlock()

	s.group.Forget(string(key))
	go s.refetch(key, gen)
}

// Watch subscribes to entry transitions for a key. The current entry is
// delivered immediately; a stale, expired, or never-fetched entry also
// triggers a background fetch. The returned func unsubscribes, and once
// the last watcher is gone the entry is parked after the retention
// window.
func (s *Store) Watch(key types.Key) (<-chan types.Entry, func()) {
	s.mu.Lock()
	if s.isClosed() {
		ch := make(chan types.Entry)
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}

	st := s.ensureLocked(key)
	if st.retention != nil {
		st.retention.Stop()
		st.retention = nil
	}

	s.watchID++
	id := s.watchID
	ch := make(chan types.Entry, watchBuffer)
	st.refs[id] = ch
	ch <- st.entry

	needFetch := st.fetcher != nil &&
		(st.entry.Stale || st.entry.Status == types.StatusIdle || st.entry.Expired(time.Now()))
	var gen uint64
	if needFetch {
		st.entry.Stale = true
		st.gen++
		gen = st.gen
	}
	s.mu.Unlock()

	if needFetch {
		go s.refetch(key, gen)
	}

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		st, ok := s.entries[key]
		if !ok {
			return
		}
		if _, ok := st.refs[id]; !ok {
			return
		}
		delete(st.refs, id)
		if len(st.refs) > 0 {
			return
		}
		if s.options.Retention <= 0 {
			s.parkLocked(key, st)
			return
		}
		st.retention = time.AfterFunc(s.options.Retention, func() {
			s.parkIfUnobserved(key)
		})
	}
	return ch, unsubscribe
}

// Begin captures the rollback snapshot for a new mutation on key and
// issues the next mutation sequence number. The snapshot is the entry
// exactly as it was before any optimistic patch. Returns ErrStoreClosed
// once the store has shut down.
func (s *Store) Begin(key types.Key) (types.Entry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return types.Entry{}, 0, ErrStoreClosed
	}
	st := s.ensureLocked(key)
	st.seq++
	return st.entry, st.seq, nil
}

// ApplyOptimistic applies an optimistic patch for the mutation with the
// given sequence number and tracks it as pending, so reconciling fetches
// re-apply it until the mutation settles.
func (s *Store) ApplyOptimistic(key types.Key, seq uint64, patch func(any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	st, ok := s.entries[key]
	if !ok {
		return
	}
	st.entry.Value = patch(st.entry.Value)
	st.pending = append(st.pending, pendingPatch{seq: seq, apply: patch})
	s.notifyLocked(st)
}

// IsCurrent reports whether seq is still the latest mutation sequence
// issued for key. Settle callbacks of superseded mutations must no-op.
func (s *Store) IsCurrent(key types.Key, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return false
	}
	return st.seq == seq
}

// Settle removes the pending optimistic patch tracked for seq. Called on
// both commit and rollback, before the final reconciliation step.
func (s *Store) Settle(key types.Key, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return
	}
	kept := st.pending[:0]
	for _, p := range st.pending {
		if p.seq != seq {
			kept = append(kept, p)
		}
	}
	st.pending = kept
}

// Restore puts a snapshot back verbatim. Used for rollback after a
// failed mutation; the caller is responsible for checking IsCurrent
// first.
func (s *Store) Restore(key types.Key, snapshot types.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return
	}
	st.entry = snapshot
	s.notifyLocked(st)
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&s.stats.Hits),
		Misses:        atomic.LoadInt64(&s.stats.Misses),
		ParkedSeeds:   atomic.LoadInt64(&s.stats.ParkedSeeds),
		Refetches:     atomic.LoadInt64(&s.stats.Refetches),
		StaleDrops:    atomic.LoadInt64(&s.stats.StaleDrops),
		Invalidations: atomic.LoadInt64(&s.stats.Invalidations),
	}
}

// ParkedMetrics returns metrics of the parked-value tier.
func (s *Store) ParkedMetrics() LocalCacheMetrics {
	return s.parked.Metrics()
}

// Close closes the store and releases all resources.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	for _, st := range s.entries {
		if st.retention != nil {
			st.retention.Stop()
		}
		for _, ch := range st.refs {
			close(ch)
		}
		st.refs = nil
	}
	s.entries = make(map[types.Key]*entryState)
	s.mu.Unlock()

	s.parked.Close()
	return nil
}

// refetch runs the key's fetcher and applies the result, unless a newer
// generation superseded this completion while it was in flight.
// Concurrent refetches of the same key are deduplicated through
// singleflight; whichever caller still holds the current generation
// applies the shared result. Response arrival order wins between
// overlapping fetches, which is exactly what the generation guard
// enforces.
func (s *Store) refetch(key types.Key, gen uint64) {
	s.mu.Lock()
	st, ok := s.entries[key]
	if !ok || st.fetcher == nil || st.gen != gen || s.isClosed() {
		s.mu.Unlock()
		return
	}
	fetch := st.fetcher
	if st.entry.Status == types.StatusIdle {
		st.entry.Status = types.StatusLoading
		s.notifyLocked(st)
	}
	s.mu.Unlock()

	atomic.AddInt64(&s.stats.Refetches, 1)
	ctx, cancel := context.WithTimeout(context.Background(), s.options.ContextTimeout)
	defer cancel()

	value, err, _ := s.group.Do(string(key), func() (any, error) {
		return fetch(ctx)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	st, ok = s.entries[key]
	if !ok || st.gen != gen {
		atomic.AddInt64(&s.stats.StaleDrops, 1)
		if s.options.DebugMode {
			s.logger.Debug("refetch: discarded superseded completion", "key", key, "gen", gen)
		}
		return
	}

	if err != nil {
		// Keep the last-known-good value; never flicker to empty.
		st.entry.Err = err
		st.entry.Status = types.StatusError
		s.notifyLocked(st)
		if s.options.OnError != nil {
			s.options.OnError(err)
		}
		if s.options.DebugMode {
			s.logger.Error("refetch: fetch failed", "key", key, "error", err)
		}
		return
	}

	st.entry.Value = applyPendingLocked(st, value)
	st.entry.FetchedAt = time.Now()
	st.entry.Status = types.StatusSuccess
	st.entry.Err = nil
	st.entry.Stale = false
	s.notifyLocked(st)

	if s.options.DebugMode {
		s.logger.Debug("refetch: reconciled with server", "key", key, "pending", len(st.pending))
	}
}

// applyPendingLocked layers the still-pending optimistic patches for the
// entry on top of a freshly fetched value, in sequence order.
func applyPendingLocked(st *entryState, value any) any {
	for _, p := range st.pending {
		value = p.apply(value)
	}
	return value
}

// ensureLocked returns the live entry for key, creating it (seeded from
// the parked tier when possible) if needed.
func (s *Store) ensureLocked(key types.Key) *entryState {
	if st, ok := s.entries[key]; ok {
		return st
	}

	st := &entryState{
		entry: types.Entry{
			Status:     types.StatusIdle,
			StaleAfter: s.options.StaleAfter,
		},
		refs: make(map[int]chan types.Entry),
	}

	if v, ok := s.parked.Get(string(key)); ok {
		if pv, ok := v.(parkedValue); ok {
			st.entry.Value = pv.value
			st.entry.FetchedAt = pv.fetchedAt
			st.entry.Status = types.StatusSuccess
			st.entry.Stale = true
			atomic.AddInt64(&s.stats.ParkedSeeds, 1)
		}
		s.parked.Delete(string(key))
	}

	s.entries[key] = st
	return st
}

// parkIfUnobserved parks the entry when the retention timer fires and no
// watcher re-appeared in the meantime.
func (s *Store) parkIfUnobserved(key types.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	st, ok := s.entries[key]
	if !ok || len(st.refs) > 0 {
		return
	}
	s.parkLocked(key, st)
}

func (s *Store) parkLocked(key types.Key, st *entryState) {
	if st.retention != nil {
		st.retention.Stop()
		st.retention = nil
	}
	if st.entry.Status == types.StatusSuccess && st.entry.Value != nil {
		s.parked.Set(string(key), parkedValue{
			value:     st.entry.Value,
			fetchedAt: st.entry.FetchedAt,
		}, 1)
	}
	delete(s.entries, key)

	if s.options.DebugMode {
		s.logger.Debug("park: tore down unobserved entry", "key", key)
	}
}

// notifyLocked snapshots the entry to every live watcher. Sends never
// block; a full watcher buffer drops the intermediate snapshot.
func (s *Store) notifyLocked(st *entryState) {
	for _, ch := range st.refs {
		select {
		case ch <- st.entry:
		default:
		}
	}
}

func (s *Store) isClosed() bool {
	return atomic.LoadInt32(&s.closed) != 0
}

// ErrStoreClosed is returned when operations are performed on a closed store.
var ErrStoreClosed = NewError("store is closed")
