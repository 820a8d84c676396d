package mqtt

import (
	"strings"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

// Topics builds the MQTT topic for each kind of destination.
type Topics struct {
	QueuePrefix string
	ReplyPrefix string
}

// Destination returns the MQTT topic for dest. Topics map unchanged,
// queues live under the queue prefix.
func (t Topics) Destination(dest transport.Destination) string {
	if dest.Kind == transport.KindQueue {
		return t.Queue(dest.Name)
	}
	return dest.Name
}

// Queue returns the topic a queue's messages are published to.
func (t Topics) Queue(name string) string {
	return t.QueuePrefix + "/" + name
}

// SharedQueue returns the shared-subscription filter through which
// consumers in group split a queue between them.
func (t Topics) SharedQueue(group, name string) string {
	return "$share/" + group + "/" + t.Queue(name)
}

// Reply returns the exclusive reply topic id of clientID.
func (t Topics) Reply(clientID, id string) string {
	return t.ReplyPrefix + "/" + topicSegment(clientID) + "/" + id
}

// topicSegment replaces characters that would split or widen a topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
