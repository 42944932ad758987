package cache

import (
	"context"
)

// Logger defines the interface for logging in the query cache.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for JSON marshalling/unmarshalling.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Fetcher loads the authoritative server value for one query key. It is
// opaque to the cache: any transport, any retry policy. The cache only
// cares about the returned value or error.
type Fetcher func(ctx context.Context) (any, error)

// LocalCache defines the interface for the bounded parked-value tier.
// Entries whose last watcher has unsubscribed are parked here so that a
// later re-observation seeds from the last-known value instead of an
// empty state.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value in the local cache.
	Set(key string, value any, cost int64) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents parked-tier metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating parked-value
// cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Stats represents query cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	ParkedSeeds   int64
	Refetches     int64
	StaleDrops    int64
	Invalidations int64
}
