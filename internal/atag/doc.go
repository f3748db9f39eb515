// Package atag talks to an Atag One thermostat over its local JSON API.
//
// The appliance listens for HTTP POSTs on port 10000 and announces itself
// with UDP broadcasts on port 11000. A Session owns one authorized
// connection: it pairs or verifies the client, fetches report snapshots and
// sends control updates. Sessions are discarded after any failure; callers
// construct a new one rather than retrying on the old.
//
// A Session is not safe for concurrent use. The bridge serializes access.
package atag
