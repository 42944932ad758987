package livequery

import (
	"errors"

	"github.com/campuskit/livequery/cache"
)

// ErrClosed is returned when operations are performed on a closed client.
var ErrClosed = cache.ErrStoreClosed

// ErrInvalidConfig is returned when the client configuration is invalid.
var ErrInvalidConfig = errors.New("invalid client configuration")

// ErrSubscribeFailed is returned when the change feed subscription fails.
var ErrSubscribeFailed = errors.New("change feed subscription failed")
