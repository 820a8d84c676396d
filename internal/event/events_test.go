package event

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeTagUpdate(t *testing.T) {
	payload := []byte(`{"tagId":100003,"tagValue":"DOWN","tagQuality":{"isValid":false},` +
		`"valueDescription":"test value description","sourceTimestamp":1343809448989,"serverTimestamp":1343809448990}`)

	u, err := DecodeTagUpdate(payload)
	if err != nil {
		t.Fatalf("DecodeTagUpdate() error = %v", err)
	}
	if u.ID != 100003 {
		t.Errorf("ID = %d, want 100003", u.ID)
	}
	if u.Value != "DOWN" {
		t.Errorf("Value = %v, want DOWN", u.Value)
	}
	if u.Key() != "100003" {
		t.Errorf("Key() = %q, want %q", u.Key(), "100003")
	}
	if got := u.Timestamp().UnixMilli(); got != 1343809448990 {
		t.Errorf("Timestamp() = %d, want server timestamp", got)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		input  string
	}{
		{"tag not json", func(b []byte) error { _, err := DecodeTagUpdate(b); return err }, "not json"},
		{"tag without id", func(b []byte) error { _, err := DecodeTagUpdate(b); return err }, `{"tagValue":1}`},
		{"alarm wrong type", func(b []byte) error { _, err := DecodeAlarm(b); return err }, `{"id":"x"}`},
		{"heartbeat truncated", func(b []byte) error { _, err := DecodeHeartbeat(b); return err }, `{"hostName":`},
		{"supervision array", func(b []byte) error { _, err := DecodeSupervisionEvent(b); return err }, `[1,2]`},
		{"broadcast empty", func(b []byte) error { _, err := DecodeBroadcastMessage(b); return err }, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode([]byte(tt.input))
			if !errors.Is(err, ErrDecode) {
				t.Errorf("error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"alarm", AlarmValue{ID: 7}.Key(), "7"},
		{"heartbeat", Heartbeat{HostName: "srv1"}.Key(), "srv1"},
		{"supervision", SupervisionEvent{EntityType: "PROCESS", EntityID: 12}.Key(), "PROCESS/12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Key() = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMillis_Zero(t *testing.T) {
	if !Millis(0).IsZero() {
		t.Error("Millis(0) should be the zero time")
	}
}

// =============================================================================
// Requests
// =============================================================================

func TestScaledTimeout(t *testing.T) {
	base := 10 * time.Second

	tests := []struct {
		rt   RequestType
		want time.Duration
	}{
		{RequestTag, base},
		{RequestApplyConfiguration, 300 * time.Second},
		{RequestProcessXML, 120 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.rt), func(t *testing.T) {
			if got := ScaledTimeout(tt.rt, base); got != tt.want {
				t.Errorf("ScaledTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientRequest_Encode(t *testing.T) {
	req := NewClientRequest(RequestTag, ResultTagList, time.Second)
	req.IDs = []int64{1, 2, 3}

	payload, binary, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if binary {
		t.Error("request without object should be text")
	}

	got, err := DecodeClientRequest(payload, binary)
	if err != nil {
		t.Fatalf("DecodeClientRequest() error = %v", err)
	}
	if got.RequestType != RequestTag || len(got.IDs) != 3 || got.TimeoutMillis != 1000 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestClientRequest_EncodeBinary(t *testing.T) {
	req := NewClientRequest(RequestExecuteCommand, ResultCommandReport, time.Second)
	req.Object = CommandExecuteRequest{CommandID: 42, Value: 1, User: "operator"}

	payload, binary, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !binary {
		t.Fatal("request with object should be binary")
	}

	got, err := DecodeClientRequest(payload, true)
	if err != nil {
		t.Fatalf("DecodeClientRequest() error = %v", err)
	}
	if got.RequestType != RequestExecuteCommand {
		t.Errorf("RequestType = %q", got.RequestType)
	}
	obj, ok := got.Object.(map[string]any)
	if !ok {
		t.Fatalf("Object = %T, want map", got.Object)
	}
	if obj["user"] != "operator" {
		t.Errorf("object user = %v, want operator", obj["user"])
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantReports int
		wantResults int
		wantErr     bool
	}{
		{
			name:        "progress report",
			payload:     `[{"reportType":"PROGRESS","totalOperations":3,"currentOperation":1}]`,
			wantReports: 1,
		},
		{
			name:        "single error report object",
			payload:     `{"reportType":"ERROR","errorMessage":"boom"}`,
			wantReports: 1,
		},
		{
			name:        "final result list",
			payload:     `[{"tagId":1},{"tagId":2}]`,
			wantResults: 2,
		},
		{
			name:        "result marked reports are results",
			payload:     `[{"reportType":"RESULT","id":5}]`,
			wantResults: 1,
		},
		{
			name:        "list of strings",
			payload:     `["P1","P2","P3"]`,
			wantResults: 3,
		},
		{
			name:        "empty list",
			payload:     `[]`,
			wantResults: 0,
		},
		{
			name:    "garbage",
			payload: `[{"tagId":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports, results, err := ParseReply([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseReply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Errorf("error = %v, want ErrDecode", err)
				}
				return
			}
			if len(reports) != tt.wantReports {
				t.Errorf("reports = %d, want %d", len(reports), tt.wantReports)
			}
			if tt.wantReports == 0 && len(results) != tt.wantResults {
				t.Errorf("results = %d, want %d", len(results), tt.wantResults)
			}
		})
	}
}

func TestRequestReport_Percent(t *testing.T) {
	r := RequestReport{Kind: ReportProgress, TotalOperations: 3, CurrentOperation: 2}
	if r.Percent() != 66 {
		t.Errorf("Percent() = %d, want 66", r.Percent())
	}
	if (RequestReport{}).Percent() != 0 {
		t.Error("Percent() without totals should be 0")
	}
}
