// Package event defines the payloads the messaging core moves: tag updates,
// alarms, heartbeats, supervision events, broadcast messages, client
// requests and request reports.
//
// Payloads are JSON with camelCase field names. Timestamps travel as
// milliseconds since the Unix epoch.
package event
