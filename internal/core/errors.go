package core

import "errors"

var (
	// ErrNotFound signals a lookup miss (entity alias, item id).
	ErrNotFound = errors.New("not found")

	// ErrOracleUnavailable wraps timeouts and transport failures from
	// any oracle call, after the retry budget is spent.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrMalformedOracleOutput wraps responses that fail to parse into
	// the expected structure. Callers recover locally by dropping the
	// unresolvable fragment, never by failing the whole turn.
	ErrMalformedOracleOutput = errors.New("malformed oracle output")

	// ErrStorageFailure wraps persistence errors during the atomic
	// consolidation apply. The window stays un-hidden, so the next
	// trigger check retries it.
	ErrStorageFailure = errors.New("storage failure")
)
