// Package bridge keeps an Atag One appliance and its Homie device in sync.
//
// The Bridge owns one appliance session and the published property state.
// Run drives the connection state machine:
//
//	Idle → Discovering → Connecting → Authorizing → Polling
//	                ↑                                   │ session error
//	                └────────────── Backoff ←───────────┘
//
// Any state moves to Terminated when the context passed to Run is
// cancelled. Discovery through the first refresh is bounded by the setup
// timeout; a failure there, or any appliance error while polling, closes the
// session and waits exactly the restart timeout before discovering again
// with a fresh session.
//
// Property writes arrive from the Registry callback and run as independent
// tasks. A task validates the value, publishes it optimistically, sends it to
// the appliance and records its outcome. Command failures never move the
// state machine; the next refresh is authoritative.
//
// Thread Safety: one mutex serializes all use of the session and the
// published state. Status and Properties read a separate snapshot and never
// wait on appliance I/O.
package bridge
