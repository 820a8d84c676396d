// Package mqtt binds the transport model to an MQTT broker using
// paho.mqtt.golang.
//
// This package provides:
//   - Connector: creates one paho client per physical connection
//   - Topic consumers with panic-isolated handlers
//   - Point-to-point queues addressed as <queue_prefix>/<name>
//   - Exclusive reply topics <reply_prefix>/<client_id>/<uuid>
//   - A msgpack envelope carrying reply address, binary flag and expiry
//
// # Reconnection
//
// paho's auto-reconnect is disabled. A lost connection closes Done and the
// messaging layer asks the Connector for a new one, re-creating every
// consumer itself. A Connection is never repaired in place.
//
// # Queues
//
// MQTT has no native queues. Servers consume a queue through a shared
// subscription, for example:
//
//	$share/c2mon-server/c2mon/queue/c2mon.client.request
//
// so each request reaches exactly one server instance.
//
// # Expiry
//
// A positive publish TTL is converted into an absolute expiry in the
// envelope. Receivers drop expired envelopes, which keeps stale requests
// from being served after a broker outage.
//
// # Usage
//
//	connector := mqtt.NewConnector(mqtt.OptionsFromConfig(cfg), log)
//	proxy := messaging.NewProxy(connector, messaging.OptionsFromConfig(cfg))
package mqtt
