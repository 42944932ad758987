package notify

import "errors"

// ErrNotifierClosed is returned when publishing on a closed notifier.
var ErrNotifierClosed = errors.New("notifier is closed")

// ErrRedisConnection is returned when the Redis connection fails.
var ErrRedisConnection = errors.New("redis connection failed")
