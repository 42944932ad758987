package livequery

import (
	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/mutation"
	"github.com/campuskit/livequery/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// Fetcher is an alias for cache.Fetcher.
type Fetcher = cache.Fetcher

// LocalCache is an alias for cache.LocalCache.
type LocalCache = cache.LocalCache

// LocalCacheMetrics is an alias for cache.LocalCacheMetrics.
type LocalCacheMetrics = cache.LocalCacheMetrics

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// Key is an alias for types.Key.
type Key = types.Key

// Entry is an alias for types.Entry.
type Entry = types.Entry

// ChangeEvent is an alias for types.ChangeEvent.
type ChangeEvent = types.ChangeEvent

// Mutation is an alias for mutation.Mutation.
type Mutation = mutation.Mutation

// NetworkError is an alias for mutation.NetworkError.
type NetworkError = mutation.NetworkError

// ValidationError is an alias for mutation.ValidationError.
type ValidationError = mutation.ValidationError

// ConflictError is an alias for mutation.ConflictError.
type ConflictError = mutation.ConflictError

// KeyOf builds a structural query key from an ordered tuple of parts.
func KeyOf(parts ...any) Key {
	return types.KeyOf(parts...)
}

// DefaultLocalCacheConfig returns default parked-value cache
// configuration for Ristretto.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
