package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrDecode is returned when a payload cannot be decoded.
var ErrDecode = errors.New("event: decode failed")

// Millis converts a Unix millisecond timestamp to time.Time.
func Millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Quality describes the validity of a tag value.
type Quality struct {
	Valid         bool              `json:"isValid"`
	InvalidStates map[string]string `json:"invalidQualityStates,omitempty"`
}

// TagUpdate is a value update for one monitored tag.
type TagUpdate struct {
	ID               int64        `json:"tagId"`
	Name             string       `json:"tagName,omitempty"`
	Value            any          `json:"tagValue"`
	ValueDescription string       `json:"valueDescription,omitempty"`
	Description      string       `json:"description,omitempty"`
	Quality          Quality      `json:"tagQuality"`
	Mode             string       `json:"mode,omitempty"`
	Simulated        bool         `json:"simulated,omitempty"`
	Alarms           []AlarmValue `json:"alarmValues,omitempty"`
	SourceTimestamp  int64        `json:"sourceTimestamp"`
	ServerTimestamp  int64        `json:"serverTimestamp"`
}

// Key returns the filter key of the update.
func (u TagUpdate) Key() string {
	return strconv.FormatInt(u.ID, 10)
}

// Timestamp returns the server timestamp used for ordering.
func (u TagUpdate) Timestamp() time.Time {
	return Millis(u.ServerTimestamp)
}

// String returns a short description for log and health messages.
func (u TagUpdate) String() string {
	return fmt.Sprintf("tag %d (%v @ %d)", u.ID, u.Value, u.ServerTimestamp)
}

// AlarmValue is an alarm state change, optionally carrying a snapshot of
// the tag that raised it.
type AlarmValue struct {
	ID          int64      `json:"id"`
	TagID       int64      `json:"tagId"`
	FaultFamily string     `json:"faultFamily"`
	FaultMember string     `json:"faultMember"`
	FaultCode   int        `json:"faultCode"`
	Active      bool       `json:"active"`
	Info        string     `json:"info,omitempty"`
	Time        int64      `json:"timestamp"`
	Tag         *TagUpdate `json:"tag,omitempty"`
}

// Key returns the filter key of the alarm.
func (a AlarmValue) Key() string {
	return strconv.FormatInt(a.ID, 10)
}

// Timestamp returns the alarm timestamp.
func (a AlarmValue) Timestamp() time.Time {
	return Millis(a.Time)
}

// String returns a short description.
func (a AlarmValue) String() string {
	return fmt.Sprintf("alarm %d (%s:%s:%d active=%t)", a.ID, a.FaultFamily, a.FaultMember, a.FaultCode, a.Active)
}

// Heartbeat is the periodic liveness message published by the server.
type Heartbeat struct {
	HostName  string `json:"hostName"`
	StartTime int64  `json:"serverStartTime"`
	Time      int64  `json:"timestamp"`
}

// Key returns the filter key of the heartbeat.
func (h Heartbeat) Key() string {
	return h.HostName
}

// Timestamp returns the heartbeat time.
func (h Heartbeat) Timestamp() time.Time {
	return Millis(h.Time)
}

// String returns a short description.
func (h Heartbeat) String() string {
	return fmt.Sprintf("heartbeat from %s @ %d", h.HostName, h.Time)
}

// SupervisionStatus is the state reported for a supervised entity.
type SupervisionStatus string

// Supervision states.
const (
	StatusRunning     SupervisionStatus = "RUNNING"
	StatusDown        SupervisionStatus = "DOWN"
	StatusStopped     SupervisionStatus = "STOPPED"
	StatusStartup     SupervisionStatus = "STARTUP"
	StatusUncertain   SupervisionStatus = "UNCERTAIN"
	StatusRunningLoc  SupervisionStatus = "RUNNING_LOCAL"
	StatusUnavailable SupervisionStatus = "UNAVAILABLE"
)

// SupervisionEvent reports a process, equipment or sub-equipment state change.
type SupervisionEvent struct {
	EntityType string            `json:"entity"`
	EntityID   int64             `json:"entityId"`
	Status     SupervisionStatus `json:"status"`
	Message    string            `json:"message,omitempty"`
	EventTime  int64             `json:"eventTime"`
}

// Key returns the filter key of the event.
func (s SupervisionEvent) Key() string {
	return s.EntityType + "/" + strconv.FormatInt(s.EntityID, 10)
}

// Timestamp returns the event time.
func (s SupervisionEvent) Timestamp() time.Time {
	return Millis(s.EventTime)
}

// String returns a short description.
func (s SupervisionEvent) String() string {
	return fmt.Sprintf("supervision %s %s", s.Key(), s.Status)
}

// BroadcastMessage is an operator or server announcement sent to all clients.
type BroadcastMessage struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Time    int64  `json:"timestamp"`
}

// String returns a short description.
func (b BroadcastMessage) String() string {
	return fmt.Sprintf("%s broadcast from %s", b.Type, b.Sender)
}

func decode[E any](kind string, payload []byte) (E, error) {
	var e E
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("%w: %s: %w", ErrDecode, kind, err)
	}
	return e, nil
}

// DecodeTagUpdate decodes a tag update payload.
func DecodeTagUpdate(payload []byte) (TagUpdate, error) {
	u, err := decode[TagUpdate]("tag update", payload)
	if err == nil && u.ID == 0 {
		return u, fmt.Errorf("%w: tag update without tagId", ErrDecode)
	}
	return u, err
}

// DecodeAlarm decodes an alarm payload.
func DecodeAlarm(payload []byte) (AlarmValue, error) {
	return decode[AlarmValue]("alarm", payload)
}

// DecodeHeartbeat decodes a heartbeat payload.
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	return decode[Heartbeat]("heartbeat", payload)
}

// DecodeSupervisionEvent decodes a supervision payload.
func DecodeSupervisionEvent(payload []byte) (SupervisionEvent, error) {
	return decode[SupervisionEvent]("supervision event", payload)
}

// DecodeBroadcastMessage decodes a broadcast payload.
func DecodeBroadcastMessage(payload []byte) (BroadcastMessage, error) {
	return decode[BroadcastMessage]("broadcast message", payload)
}
