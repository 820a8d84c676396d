// Package api implements the diagnostics HTTP and WebSocket server of the
// C2MON client core.
//
// This package provides:
//   - REST endpoints for connection state, dispatch queue statistics and
//     the health journal
//   - A WebSocket hub that streams slow-consumer, backpressure and
//     connection-state events to subscribed clients
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The server is an outer consumer of the messaging core. It never touches
// the broker connection itself: it reads snapshots from the Proxy and the
// journal, and the Hub is registered with the health monitor and the
// connection manager as an ordinary listener.
//
// The server is meant for operators on a trusted network and carries no
// authentication. Bind it to loopback unless it sits behind a proxy that
// adds one.
package api
