package bridge

import (
	"errors"

	"github.com/nerrad567/atagmqtt/internal/atag"
)

var (
	// ErrSetupTimeout means discovery through the first refresh exceeded
	// the setup timeout.
	ErrSetupTimeout = errors.New("bridge: setup timed out")

	// ErrRegistry wraps failures announcing or publishing to the Registry.
	ErrRegistry = errors.New("bridge: registry failure")

	// ErrNotConnected rejects commands while no appliance session is live.
	ErrNotConnected = errors.New("bridge: appliance not connected")

	// ErrRateLimited rejects commands above the configured rate.
	ErrRateLimited = errors.New("bridge: command rate limit exceeded")

	// ErrStopped rejects commands after Run has returned.
	ErrStopped = errors.New("bridge: stopped")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("bridge: already running")
)

// retryable reports whether err should send the bridge to Backoff rather
// than end Run.
func retryable(err error) bool {
	return atag.IsSessionError(err) ||
		errors.Is(err, ErrSetupTimeout) ||
		errors.Is(err, ErrRegistry)
}
