package atag

import "errors"

// Sentinel errors for appliance operations.
// The bridge classifies failures with errors.Is against these values.
var (
	// ErrDiscoveryTimeout is returned when no appliance announces itself in time.
	ErrDiscoveryTimeout = errors.New("atag: discovery timed out")

	// ErrConnectivity is returned when the appliance cannot be reached.
	ErrConnectivity = errors.New("atag: appliance unreachable")

	// ErrAuthorization is returned when the appliance rejects or has not yet
	// confirmed this client.
	ErrAuthorization = errors.New("atag: authorization rejected")

	// ErrProtocol is returned for malformed or unexpected appliance replies.
	ErrProtocol = errors.New("atag: unexpected reply")

	// ErrInvalidValue is returned when a command value is outside the
	// appliance's accepted range. No request is sent.
	ErrInvalidValue = errors.New("atag: invalid value")
)
