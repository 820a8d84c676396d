package messaging

import (
	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/event"
	"github.com/c2mon/c2mon-sub007/internal/transport"
)

var (
	heartbeatStrategy = dispatch.Strategy[event.Heartbeat, HeartbeatListener]{
		Decode:    event.DecodeHeartbeat,
		Key:       event.Heartbeat.Key,
		Timestamp: event.Heartbeat.Timestamp,
		Notify:    func(l HeartbeatListener, hb event.Heartbeat) { l.OnHeartbeat(hb) },
		Describe:  event.Heartbeat.String,
	}

	supervisionStrategy = dispatch.Strategy[event.SupervisionEvent, SupervisionListener]{
		Decode:    event.DecodeSupervisionEvent,
		Key:       event.SupervisionEvent.Key,
		Timestamp: event.SupervisionEvent.Timestamp,
		Notify:    func(l SupervisionListener, ev event.SupervisionEvent) { l.OnSupervisionEvent(ev) },
		Describe:  event.SupervisionEvent.String,
	}

	// Broadcasts carry no identity, so every message is delivered.
	broadcastStrategy = dispatch.Strategy[event.BroadcastMessage, BroadcastMessageListener]{
		Decode:   event.DecodeBroadcastMessage,
		Notify:   func(l BroadcastMessageListener, msg event.BroadcastMessage) { l.OnBroadcastMessage(msg) },
		Describe: event.BroadcastMessage.String,
	}

	alarmStrategy = dispatch.Strategy[event.AlarmValue, AlarmListener]{
		Decode:    event.DecodeAlarm,
		Key:       event.AlarmValue.Key,
		Timestamp: event.AlarmValue.Timestamp,
		Notify:    func(l AlarmListener, a event.AlarmValue) { l.OnAlarmUpdate(a) },
		Describe:  event.AlarmValue.String,
	}
)

// Proxy is the client-facing messaging facade. It exposes the Manager's
// tag-update registry and connection lifecycle, the Gateway's requests,
// and the shared heartbeat, supervision, broadcast and alarm channels.
//
// Call Stop to release the connection and every dispatch worker.
type Proxy struct {
	*Manager
	*Gateway

	heartbeat   *channel[event.Heartbeat, HeartbeatListener]
	supervision *channel[event.SupervisionEvent, SupervisionListener]
	broadcast   *channel[event.BroadcastMessage, BroadcastMessageListener]
	alarm       *channel[event.AlarmValue, AlarmListener]
}

// NewProxy creates a Proxy using connector for its broker connection.
// Nothing connects until the first registration or request.
func NewProxy(connector transport.Connector, opts Options) *Proxy {
	m := NewManager(connector, opts)
	ch := m.opts.Channels

	return &Proxy{
		Manager:     m,
		Gateway:     NewGateway(m),
		heartbeat:   newChannel(m, ch.Heartbeat, heartbeatStrategy, false),
		supervision: newChannel(m, ch.Supervision, supervisionStrategy, false),
		broadcast:   newChannel(m, ch.Broadcast, broadcastStrategy, false),
		alarm:       newChannel(m, ch.Alarm, alarmStrategy, true),
	}
}

// RegisterHeartbeatListener adds l to the heartbeat channel.
func (p *Proxy) RegisterHeartbeatListener(l HeartbeatListener) error {
	if err := checkListener(l); err != nil {
		return err
	}
	return p.heartbeat.add(l)
}

// UnregisterHeartbeatListener removes l from the heartbeat channel.
func (p *Proxy) UnregisterHeartbeatListener(l HeartbeatListener) {
	p.heartbeat.remove(l)
}

// RegisterSupervisionListener adds l to the supervision channel.
func (p *Proxy) RegisterSupervisionListener(l SupervisionListener) error {
	if err := checkListener(l); err != nil {
		return err
	}
	return p.supervision.add(l)
}

// UnregisterSupervisionListener removes l from the supervision channel.
func (p *Proxy) UnregisterSupervisionListener(l SupervisionListener) {
	p.supervision.remove(l)
}

// RegisterBroadcastMessageListener adds l to the broadcast channel.
func (p *Proxy) RegisterBroadcastMessageListener(l BroadcastMessageListener) error {
	if err := checkListener(l); err != nil {
		return err
	}
	return p.broadcast.add(l)
}

// UnregisterBroadcastMessageListener removes l from the broadcast channel.
func (p *Proxy) UnregisterBroadcastMessageListener(l BroadcastMessageListener) {
	p.broadcast.remove(l)
}

// RegisterAlarmListener adds l to the alarm channel.
func (p *Proxy) RegisterAlarmListener(l AlarmListener) error {
	if err := checkListener(l); err != nil {
		return err
	}
	return p.alarm.add(l)
}

// UnregisterAlarmListener removes l from the alarm channel.
func (p *Proxy) UnregisterAlarmListener(l AlarmListener) {
	p.alarm.remove(l)
}

// IsAlarmListener reports whether l is on the alarm channel.
func (p *Proxy) IsAlarmListener(l AlarmListener) bool {
	return p.alarm.has(l)
}
