package media

import "errors"

var (
	// ErrPlatformUnavailable is returned when the OS media session facility
	// cannot be acquired. There is no degraded mode.
	ErrPlatformUnavailable = errors.New("media session facility unavailable")

	// ErrNotFound is returned for an application that is not (or no longer)
	// registered. Callers should treat it as an empty result.
	ErrNotFound = errors.New("media session not found")

	// ErrTransportCommandFailed wraps failures of the OS transport call itself.
	ErrTransportCommandFailed = errors.New("transport command failed")

	// ErrClosed is returned by operations issued after shutdown.
	ErrClosed = errors.New("media registry closed")
)
