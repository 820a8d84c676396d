package messaging

import (
	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/event"
)

// TagUpdateListener receives value updates for the tags it registered for.
type TagUpdateListener interface {
	OnUpdate(update event.TagUpdate)
}

// HeartbeatListener receives server heartbeats.
type HeartbeatListener interface {
	OnHeartbeat(hb event.Heartbeat)
}

// SupervisionListener receives process and equipment state changes.
type SupervisionListener interface {
	OnSupervisionEvent(ev event.SupervisionEvent)
}

// BroadcastMessageListener receives operator and server announcements.
type BroadcastMessageListener interface {
	OnBroadcastMessage(msg event.BroadcastMessage)
}

// AlarmListener receives alarm state changes.
type AlarmListener interface {
	OnAlarmUpdate(alarm event.AlarmValue)
}

// ConnectionListener is told when the broker connection comes and goes.
// Callbacks run on the connection goroutine and must not block.
type ConnectionListener interface {
	OnConnection()
	OnDisconnection()
}

// ReportListener receives the intermediate reports of a request.
type ReportListener interface {
	OnProgressReport(report event.RequestReport)
	OnErrorReport(report event.RequestReport)
}

// HealthSink receives dispatch health notices. *health.Monitor implements it.
type HealthSink interface {
	OnSlowConsumer(notice dispatch.SlowConsumer)
	OnBackpressure(event dispatch.BackpressureEvent)
}

// TopicRegistration says where a tag-update listener listens: the broker
// topic and the filter key selecting its events within that topic.
type TopicRegistration struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
}

// State is the connection state of a Manager.
type State int

// Connection states. ShuttingDown is terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

// String returns the human-readable state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
