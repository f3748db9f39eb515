// Package api implements the local status HTTP server of the bridge.
//
// This package provides:
//   - Read-only views of the bridge state, published properties and journal
//   - Property writes that enter the same command path as MQTT /set messages
//   - Prometheus metrics at /metrics
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Routes
//
//	GET  /metrics
//	GET  /api/v1/health
//	GET  /api/v1/status
//	GET  /api/v1/system
//	GET  /api/v1/journal?kind=&limit=&offset=
//	GET  /api/v1/properties
//	GET  /api/v1/properties/{node}/{property}
//	PUT  /api/v1/properties/{node}/{property}
//
// The server is optional. The bridge runs the same without it.
package api
