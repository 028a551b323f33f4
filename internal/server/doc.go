// Package server provides the HTTP status surface of a range test:
//
//   - REST API: JSON snapshot of every target at "/api/status", one target
//     at "/api/status/{node}"
//   - Server-Sent Events: live updates at "/api/sse"
//   - Prometheus metrics at "/metrics"
//   - Liveness at "/healthz"
//
// The server shuts down gracefully when its context is cancelled, with a
// 5-second timeout for in-flight requests.
package server
