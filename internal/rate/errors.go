package rate

import "errors"

var (
	// ErrRateLimited reports that the identifier is inside a backoff
	// window and the attempt must be rejected before any comparison.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport-level failures talking to the
	// backing store.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
