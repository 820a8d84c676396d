package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// RequestType selects the server-side handler for a ClientRequest.
type RequestType string

// Request types understood by the server.
const (
	RequestTag                RequestType = "TAG_REQUEST"
	RequestTagConfiguration   RequestType = "TAG_CONFIGURATION_REQUEST"
	RequestAlarm              RequestType = "ALARM_REQUEST"
	RequestActiveAlarms       RequestType = "ACTIVE_ALARMS_REQUEST"
	RequestCommandHandle      RequestType = "COMMAND_HANDLE_REQUEST"
	RequestExecuteCommand     RequestType = "EXECUTE_COMMAND_REQUEST"
	RequestApplyConfiguration RequestType = "APPLY_CONFIGURATION_REQUEST"
	RequestSupervision        RequestType = "SUPERVISION_REQUEST"
	RequestProcessXML         RequestType = "DAQ_XML_REQUEST"
	RequestProcessNames       RequestType = "PROCESS_NAMES_REQUEST"
)

// ResultType names the expected payload of the final reply.
type ResultType string

// Result types returned by the server.
const (
	ResultTagList             ResultType = "TRANSFER_TAG_LIST"
	ResultTagValueList        ResultType = "TRANSFER_TAG_VALUE_LIST"
	ResultTagConfigList       ResultType = "TRANSFER_TAG_CONFIGURATION_LIST"
	ResultAlarmList           ResultType = "TRANSFER_ALARM_LIST"
	ResultActiveAlarmList     ResultType = "TRANSFER_ACTIVE_ALARM_LIST"
	ResultCommandHandles      ResultType = "TRANSFER_COMMAND_HANDLES_LIST"
	ResultCommandReport       ResultType = "TRANSFER_COMMAND_REPORT"
	ResultConfigurationReport ResultType = "TRANSFER_CONFIGURATION_REPORT"
	ResultSupervisionList     ResultType = "SUPERVISION_EVENT_LIST"
	ResultProcessXML          ResultType = "TRANSFER_DAQ_XML"
	ResultProcessNames        ResultType = "TRANSFER_PROCESS_NAMES"
)

// Timeout multipliers applied to the base request timeout for request
// types that are known to run long on the server.
const (
	configurationTimeoutFactor = 30
	processXMLTimeoutFactor    = 12
)

// ClientRequest is a query sent to the server's request queue.
type ClientRequest struct {
	RequestType RequestType `json:"requestType" msgpack:"requestType"`
	ResultType  ResultType  `json:"resultType" msgpack:"resultType"`

	// TimeoutMillis is the requested timeout, forwarded so the server can
	// discard stale requests.
	TimeoutMillis int64    `json:"requestTimeout" msgpack:"requestTimeout"`
	IDs           []int64  `json:"tagIds,omitempty" msgpack:"tagIds,omitempty"`
	Regexes       []string `json:"regexList,omitempty" msgpack:"regexList,omitempty"`
	Parameter     string   `json:"requestParameter,omitempty" msgpack:"requestParameter,omitempty"`

	// Object is an opaque parameter. When set the request travels as a
	// binary (msgpack) payload.
	Object any `json:"-" msgpack:"objectParameter,omitempty"`
}

// NewClientRequest creates a request of the given type with the base timeout
// scaled for long-running request types.
func NewClientRequest(rt RequestType, result ResultType, base time.Duration) ClientRequest {
	return ClientRequest{
		RequestType:   rt,
		ResultType:    result,
		TimeoutMillis: ScaledTimeout(rt, base).Milliseconds(),
	}
}

// ScaledTimeout returns base multiplied by the factor of the request type.
func ScaledTimeout(rt RequestType, base time.Duration) time.Duration {
	switch rt {
	case RequestApplyConfiguration:
		return base * configurationTimeoutFactor
	case RequestProcessXML:
		return base * processXMLTimeoutFactor
	default:
		return base
	}
}

// Timeout returns the request timeout as a Duration.
func (r ClientRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

// IsBinary reports whether the request carries an object parameter.
func (r ClientRequest) IsBinary() bool {
	return r.Object != nil
}

// Encode returns the wire payload and whether it is binary.
func (r ClientRequest) Encode() ([]byte, bool, error) {
	if r.IsBinary() {
		data, err := msgpack.Marshal(r)
		if err != nil {
			return nil, true, fmt.Errorf("encoding %s request: %w", r.RequestType, err)
		}
		return data, true, nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s request: %w", r.RequestType, err)
	}
	return data, false, nil
}

// DecodeClientRequest decodes a request payload produced by Encode.
func DecodeClientRequest(payload []byte, binary bool) (ClientRequest, error) {
	var r ClientRequest
	var err error
	if binary {
		err = msgpack.Unmarshal(payload, &r)
	} else {
		err = json.Unmarshal(payload, &r)
	}
	if err != nil {
		return r, fmt.Errorf("%w: client request: %w", ErrDecode, err)
	}
	return r, nil
}

// ReportKind classifies a reply element.
type ReportKind string

// Report kinds. Anything that is not a progress or error report is part of
// the final result.
const (
	ReportResult   ReportKind = "RESULT"
	ReportProgress ReportKind = "PROGRESS"
	ReportError    ReportKind = "ERROR"
)

// RequestReport is an intermediate progress or error notice sent on the
// reply destination before the final result.
type RequestReport struct {
	Kind             ReportKind `json:"reportType"`
	Description      string     `json:"statusDescription,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	TotalOperations  int        `json:"totalOperations"`
	CurrentOperation int        `json:"currentOperation"`
	TotalParts       int        `json:"totalParts"`
	CurrentPart      int        `json:"currentPart"`
}

// IsReport reports whether the element is a progress or error report.
func (r RequestReport) IsReport() bool {
	return r.Kind == ReportProgress || r.Kind == ReportError
}

// Percent returns the progress in percent, or 0 if unknown.
func (r RequestReport) Percent() int {
	if r.TotalOperations <= 0 {
		return 0
	}
	return r.CurrentOperation * 100 / r.TotalOperations
}

// ParseReply splits a text reply payload into either reports or final
// results. A reply is a JSON array; a single object is treated as a
// one-element array. The first element decides the interpretation.
//
// Returns:
//   - reports: non-nil when the reply carries progress or error reports
//   - results: the raw elements of a final result (may be empty)
//   - error: wrapped ErrDecode if the payload is not JSON
func ParseReply(payload []byte) ([]RequestReport, []json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, []json.RawMessage{}, nil
	}

	var elems []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, nil, fmt.Errorf("%w: reply: %w", ErrDecode, err)
		}
	} else {
		if !json.Valid(trimmed) {
			return nil, nil, fmt.Errorf("%w: reply is not valid JSON", ErrDecode)
		}
		elems = []json.RawMessage{json.RawMessage(trimmed)}
	}

	if len(elems) == 0 {
		return nil, elems, nil
	}

	var first RequestReport
	if err := json.Unmarshal(elems[0], &first); err != nil || !first.IsReport() {
		// Not an object, or an object without a report marker.
		return nil, elems, nil
	}

	reports := make([]RequestReport, 0, len(elems))
	for _, raw := range elems {
		var r RequestReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, nil, fmt.Errorf("%w: report: %w", ErrDecode, err)
		}
		reports = append(reports, r)
	}
	return reports, nil, nil
}

// ConfigurationReport is the final result of an apply-configuration request.
type ConfigurationReport struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	User        string `json:"user"`
	Status      string `json:"status"`
	Description string `json:"statusDescription,omitempty"`
	Time        int64  `json:"timestamp"`
}

// CommandExecuteRequest asks the server to execute a command tag.
type CommandExecuteRequest struct {
	CommandID int64  `msgpack:"commandId"`
	Value     any    `msgpack:"value"`
	Timeout   int    `msgpack:"timeout"`
	User      string `msgpack:"user"`
	Host      string `msgpack:"host"`
}

// CommandReport is the outcome of a command execution.
type CommandReport struct {
	CommandID  int64  `json:"id" msgpack:"id"`
	Status     string `json:"status" msgpack:"status"`
	ReportText string `json:"reportText" msgpack:"reportText"`
	ReturnVal  string `json:"returnValue,omitempty" msgpack:"returnValue,omitempty"`
	Time       int64  `json:"timestamp" msgpack:"timestamp"`
}

// Succeeded reports whether the command executed.
func (c CommandReport) Succeeded() bool {
	return c.Status == "OK"
}

// CommandTagHandle describes an executable command.
type CommandTagHandle struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DataType    string `json:"dataType"`
	MinValue    any    `json:"minValue,omitempty"`
	MaxValue    any    `json:"maxValue,omitempty"`
	Authorised  bool   `json:"authorised"`
}

// TagConfig is the static configuration of a tag.
type TagConfig struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	DataType      string   `json:"dataType"`
	Unit          string   `json:"unit,omitempty"`
	ProcessNames  []string `json:"processNames,omitempty"`
	ValueDeadband float64  `json:"valueDeadband,omitempty"`
}

// ProcessName is one entry of a process-names reply.
type ProcessName struct {
	Name string `json:"processName"`
}

// ProcessXML carries the DAQ configuration document of a process.
type ProcessXML struct {
	ProcessName string `json:"processName"`
	XML         string `json:"processXML"`
}
