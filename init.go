// Package livequery is a client-side remote-data cache with optimistic
// mutations and realtime invalidation. It keeps a per-session cache of
// query results, runs user actions through an optimistic mutation
// pipeline with verbatim rollback, and reconciles the cache whenever a
// backend change feed reports that matching state changed.
package livequery

import (
	"context"
	"fmt"
	"time"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/mutation"
	"github.com/campuskit/livequery/notify"
	"github.com/campuskit/livequery/reconcile"
)

// Config configures a Client instance.
type Config struct {
	// ClientID is the unique identifier for this client/session.
	// Carried on published change events so peers can tell who
	// originated them.
	ClientID string

	// RedisAddr is the Redis server address for the change feed
	// (e.g., "localhost:6379"). Empty means the change feed runs on an
	// in-process bus instead.
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// ChangeChannel is the pub/sub channel carrying change events.
	ChangeChannel string

	// IgnoreSelfEvents drops change events this client published
	// itself. Off by default: the backend echoing your own write is a
	// legitimate invalidation trigger.
	IgnoreSelfEvents bool

	// StaleAfter is the default freshness window for cache entries.
	StaleAfter time.Duration

	// Retention is how long an entry outlives its last watcher before
	// being parked.
	Retention time.Duration

	// LocalCacheConfig configures the parked-value cache.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory is the factory for creating the parked-value
	// cache. If nil, defaults to Ristretto factory.
	LocalCacheFactory LocalCacheFactory

	// Marshaller encodes and decodes change events on the Redis
	// transport. If nil, defaults to JSON marshaller.
	Marshaller Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// ContextTimeout bounds background refetches and the initial
	// change-feed subscription.
	ContextTimeout time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		ClientID:         "default-client",
		ChangeChannel:    "livequery:changes",
		StaleAfter:       30 * time.Second,
		Retention:        5 * time.Minute,
		ContextTimeout:   5 * time.Second,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// Client bundles the store, mutation pipeline, reconciler, and change
// notifier for one session. Construct one per session and per test;
// there is no ambient global state anywhere in the module.
type Client struct {
	store      *cache.Store
	pipeline   *mutation.Pipeline
	reconciler *reconcile.Reconciler
	notifier   notify.Notifier
}

// New creates a new Client from the configuration. When RedisAddr is
// empty, the change feed runs on an in-process bus, which is what tests
// and single-process apps want.
func New(cfg Config) (*Client, error) {
	opts := cache.Options{
		ClientID:          cfg.ClientID,
		StaleAfter:        cfg.StaleAfter,
		Retention:         cfg.Retention,
		LocalCacheConfig:  cfg.LocalCacheConfig,
		LocalCacheFactory: cfg.LocalCacheFactory,
		Logger:            cfg.Logger,
		DebugMode:         cfg.DebugMode,
		ContextTimeout:    cfg.ContextTimeout,
		OnError:           cfg.OnError,
	}

	store, err := cache.NewStore(opts)
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier
	if cfg.RedisAddr == "" {
		notifier = notify.NewBus()
	} else {
		if cfg.ChangeChannel == "" {
			store.Close()
			return nil, ErrInvalidConfig
		}
		notifier, err = notify.NewRedisNotifier(notify.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			Channel:    cfg.ChangeChannel,
			ClientID:   cfg.ClientID,
			IgnoreSelf: cfg.IgnoreSelfEvents,
			Marshaller: cfg.Marshaller,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	reconciler := reconcile.New(store, notifier, reconcile.Options{
		Logger:    opts.Logger,
		DebugMode: cfg.DebugMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.ContextTimeout)
	defer cancel()
	if err := reconciler.Start(ctx); err != nil {
		notifier.Close()
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	pipeline := mutation.NewPipeline(store, mutation.PipelineOptions{
		Logger:    opts.Logger,
		DebugMode: cfg.DebugMode,
		OnError:   cfg.OnError,
	})

	return &Client{
		store:      store,
		pipeline:   pipeline,
		reconciler: reconciler,
		notifier:   notifier,
	}, nil
}

// Store returns the query cache.
func (c *Client) Store() *cache.Store {
	return c.store
}

// Pipeline returns the mutation pipeline.
func (c *Client) Pipeline() *mutation.Pipeline {
	return c.pipeline
}

// Reconciler returns the change reconciler.
func (c *Client) Reconciler() *reconcile.Reconciler {
	return c.reconciler
}

// Notifier returns the change notifier.
func (c *Client) Notifier() notify.Notifier {
	return c.notifier
}

// Stats returns store statistics.
func (c *Client) Stats() Stats {
	return c.store.Stats()
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	c.reconciler.Stop()

	var errs []error
	if err := c.notifier.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
