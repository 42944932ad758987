package cache

import (
	"time"
)

// LocalCacheConfig configures the parked-value cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures a Store instance.
type Options struct {
	// ClientID is the unique identifier for this client/session. Carried
	// on published change events so peers can tell who originated them.
	ClientID string

	// StaleAfter is the default freshness window applied to entries whose
	// query does not override it. Zero means entries never expire by age
	// and only become stale through invalidation.
	StaleAfter time.Duration

	// Retention is how long an entry outlives its last watcher before its
	// value is parked and the live entry is torn down.
	Retention time.Duration

	// LocalCacheConfig configures the parked-value cache.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory is the factory for creating the parked-value cache.
	// If nil, defaults to the Ristretto factory.
	LocalCacheFactory LocalCacheFactory

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// ContextTimeout bounds background refetches.
	ContextTimeout time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		ClientID:         "default-client",
		StaleAfter:       30 * time.Second,
		Retention:        5 * time.Minute,
		ContextTimeout:   5 * time.Second,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// DefaultLocalCacheConfig returns default parked-value cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e6,
		MaxCost:            1 << 26, // 64MB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            4096,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.ClientID == "" {
		return ErrInvalidConfig
	}
	if o.ContextTimeout <= 0 {
		return ErrInvalidConfig
	}
	if o.Retention < 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheConfig.NumCounters <= 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheConfig.MaxCost <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid store configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &storeError{msg: msg}
}

type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}
