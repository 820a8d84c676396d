// Package transport describes the broker capabilities the messaging core
// relies on: named topics, named point-to-point queues and ephemeral reply
// destinations, reached through a single physical Connection.
//
// Implementations:
//   - internal/infrastructure/mqtt: paho-based MQTT binding
//   - internal/transport/memory: in-process broker for tests and demo mode
//
// A Connection is never repaired in place. When it fails its Done channel
// closes and the owner must obtain a fresh one from the Connector.
package transport
