// Package messaging is the resilient broker core of the client.
//
// A Manager owns the single broker connection. It connects lazily on first
// use, keeps a registry of every tag-update listener together with the
// topic and filter key it was registered for, and replays that registry in
// full after every reconnect so that callers never re-register. Each topic
// is served by a dispatch.Wrapper, so a slow listener blocks only its own
// topic.
//
// A Gateway sends request/reply queries over ephemeral reply destinations,
// forwarding progress and error reports while it waits for the final
// result.
//
// A Proxy is the facade used by applications: it combines a Manager and a
// Gateway with the heartbeat, supervision, broadcast and alarm channels,
// each of which subscribes only while it has listeners.
//
// Locking:
//
//	refreshMu   shared by register/unregister/publish/request, exclusive
//	            while the registry is replayed onto a new connection
//	registryMu  serializes registry and wrapper-map mutations
//	connectMu   held by the one connect loop that may run at a time
//
// Locks are always taken in that order.
package messaging
