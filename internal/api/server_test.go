package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/config"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/logging"
	"github.com/c2mon/c2mon-sub007/internal/journal"
	"github.com/c2mon/c2mon-sub007/internal/messaging"
)

type fakeClient struct {
	state   messaging.State
	pending int
	sizes   map[string]int
	stats   []dispatch.Stats
}

func (f *fakeClient) State() messaging.State     { return f.state }
func (f *fakeClient) PendingRequests() int       { return f.pending }
func (f *fakeClient) QueueSizes() map[string]int { return f.sizes }
func (f *fakeClient) Stats() []dispatch.Stats    { return f.stats }

type fakeJournal struct {
	entries []journal.Entry
	err     error

	mu        sync.Mutex
	lastLimit int
}

func (f *fakeJournal) limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

var (
	_ ClientStatus  = (*messaging.Proxy)(nil)
	_ JournalReader = (*journal.Journal)(nil)
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server around client and j and serves its router
// through httptest. The hub runs until the test ends.
func testServer(t *testing.T, client *fakeClient, j JournalReader) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  testLogger(),
		Client:  client,
		Journal: j,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return srv, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s response: %v", url, err)
	}
	return resp.StatusCode, body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Client: &fakeClient{}}},
		{"missing client", Deps{Logger: testLogger()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger: testLogger(),
		Client: &fakeClient{state: messaging.StateConnected},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	code, body := getJSON(t, "http://"+srv.Addr()+"/api/v1/health")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/api/v1/health"); err == nil {
		t.Error("server still answering after Close")
	}
}

func TestServer_StartAddressInUse(t *testing.T) {
	first, err := New(Deps{Config: config.APIConfig{Host: "127.0.0.1"}, Logger: testLogger(), Client: &fakeClient{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	_, portStr, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.APIConfig{Host: "127.0.0.1", Port: port}
	second, err := New(Deps{Config: cfg, Logger: testLogger(), Client: &fakeClient{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("Start() on a bound port error = nil, want error")
	}
}

// =============================================================================
// REST endpoints
// =============================================================================

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      messaging.State
		wantCode   int
		wantStatus string
	}{
		{"connected", messaging.StateConnected, http.StatusOK, "ok"},
		{"connecting", messaging.StateConnecting, http.StatusServiceUnavailable, "degraded"},
		{"shutting down", messaging.StateShuttingDown, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := testServer(t, &fakeClient{state: tt.state}, nil)

			code, body := getJSON(t, ts.URL+"/api/v1/health")
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["connection"] != tt.state.String() {
				t.Errorf("connection = %v, want %s", body["connection"], tt.state)
			}
			if body["version"] != "test" {
				t.Errorf("version = %v", body["version"])
			}
		})
	}
}

func TestHandleConnection(t *testing.T) {
	_, ts := testServer(t, &fakeClient{state: messaging.StateConnected, pending: 3}, nil)

	code, body := getJSON(t, ts.URL+"/api/v1/connection")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if body["state"] != "connected" || body["connected"] != true {
		t.Errorf("body = %v", body)
	}
	if body["pending_requests"] != float64(3) {
		t.Errorf("pending_requests = %v, want 3", body["pending_requests"])
	}
}

func TestHandleQueues(t *testing.T) {
	client := &fakeClient{
		sizes: map[string]int{"c2mon.client.tag.1": 4},
		stats: []dispatch.Stats{{Name: "c2mon.client.tag.1", Size: 4, Capacity: 10000, Dispatched: 12}},
	}
	_, ts := testServer(t, client, nil)

	code, body := getJSON(t, ts.URL+"/api/v1/queues")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	sizes, _ := body["sizes"].(map[string]any)
	if sizes["c2mon.client.tag.1"] != float64(4) {
		t.Errorf("sizes = %v", body["sizes"])
	}
	queues, _ := body["queues"].([]any)
	if len(queues) != 1 {
		t.Fatalf("queues = %v, want one entry", body["queues"])
	}
	q, _ := queues[0].(map[string]any)
	if q["capacity"] != float64(10000) || q["dispatched"] != float64(12) {
		t.Errorf("queue stats = %v", q)
	}
}

func TestHandleJournal(t *testing.T) {
	entries := make([]journal.Entry, 150)
	for i := range entries {
		entries[i] = journal.Entry{ID: int64(i + 1), Kind: journal.KindSlowConsumer, Queue: "hb"}
	}

	tests := []struct {
		name      string
		journal   *fakeJournal
		query     string
		wantCode  int
		wantLimit int
		wantCount int
	}{
		{"default limit", &fakeJournal{entries: entries}, "", http.StatusOK, defaultJournalLimit, defaultJournalLimit},
		{"explicit limit", &fakeJournal{entries: entries}, "?limit=5", http.StatusOK, 5, 5},
		{"non-numeric limit", &fakeJournal{entries: entries}, "?limit=abc", http.StatusBadRequest, 0, 0},
		{"zero limit", &fakeJournal{entries: entries}, "?limit=0", http.StatusBadRequest, 0, 0},
		{"read failure", &fakeJournal{err: errors.New("disk gone")}, "", http.StatusInternalServerError, defaultJournalLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := testServer(t, &fakeClient{}, tt.journal)

			code, body := getJSON(t, ts.URL+"/api/v1/journal"+tt.query)
			if code != tt.wantCode {
				t.Fatalf("status code = %d, want %d (%v)", code, tt.wantCode, body)
			}
			if got := tt.journal.limit(); got != tt.wantLimit {
				t.Errorf("Recent() limit = %d, want %d", got, tt.wantLimit)
			}
			if code == http.StatusOK && body["count"] != float64(tt.wantCount) {
				t.Errorf("count = %v, want %d", body["count"], tt.wantCount)
			}
		})
	}
}

func TestHandleJournal_Disabled(t *testing.T) {
	_, ts := testServer(t, &fakeClient{}, nil)

	code, body := getJSON(t, ts.URL+"/api/v1/journal")
	if code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", code)
	}
	if body["code"] != ErrCodeNotFound {
		t.Errorf("code = %v, want %s", body["code"], ErrCodeNotFound)
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	_, ts := testServer(t, &fakeClient{}, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/connection", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want echoed abc-123", got)
	}

	resp, err = http.Get(ts.URL + "/api/v1/connection")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID generated")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, &fakeClient{}, nil)

	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", rec.Code)
	}
}

// =============================================================================
// WebSocket
// =============================================================================

type wsEvent struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wsEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestWebSocket_StreamsSubscribedChannels(t *testing.T) {
	srv, ts := testServer(t, &fakeClient{}, nil)
	conn := dialWS(t, ts, "?channels="+ChannelSlowConsumer)
	waitFor(t, "hub registration", func() bool { return srv.Hub().ClientCount() == 1 })

	// Not subscribed: must not arrive ahead of the slow-consumer event.
	srv.Hub().OnBackpressure(dispatch.BackpressureEvent{Queue: "hb", Size: 8, Capacity: 10, Rising: true})
	srv.Hub().OnSlowConsumer(dispatch.SlowConsumer{Queue: "hb", Description: "Heartbeat srv1", Stalled: time.Second})

	ev := readEvent(t, conn)
	if ev.Type != WSTypeEvent || ev.EventType != ChannelSlowConsumer {
		t.Fatalf("event = %+v, want %s", ev, ChannelSlowConsumer)
	}
	var notice dispatch.SlowConsumer
	if err := json.Unmarshal(ev.Payload, &notice); err != nil {
		t.Fatal(err)
	}
	if notice.Queue != "hb" || notice.Stalled != time.Second {
		t.Errorf("payload = %+v", notice)
	}
}

func TestWebSocket_SubscribeMessage(t *testing.T) {
	srv, ts := testServer(t, &fakeClient{}, nil)
	conn := dialWS(t, ts, "")

	sub := map[string]any{
		"type":    WSTypeSubscribe,
		"id":      "1",
		"payload": WSSubscribePayload{Channels: []string{ChannelConnectionState}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != WSTypeResponse || ev.ID != "1" {
		t.Fatalf("subscribe answer = %+v", ev)
	}

	srv.Hub().OnDisconnection()
	ev := readEvent(t, conn)
	if ev.EventType != ChannelConnectionState {
		t.Fatalf("event = %+v, want %s", ev, ChannelConnectionState)
	}
	var state ConnectionStatePayload
	if err := json.Unmarshal(ev.Payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.Connected {
		t.Error("Connected = true after OnDisconnection")
	}
}

func TestWebSocket_ControlMessages(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p"}`, WSTypePong},
		{"unknown type", `{"type":"bogus"}`, WSTypeError},
		{"invalid json", `{`, WSTypeError},
		{"bad subscribe payload", `{"type":"subscribe","payload":"x"}`, WSTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := testServer(t, &fakeClient{}, nil)
			conn := dialWS(t, ts, "")

			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
				t.Fatal(err)
			}
			if ev := readEvent(t, conn); ev.Type != tt.wantType {
				t.Errorf("answer type = %q, want %q", ev.Type, tt.wantType)
			}
		})
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	srv := &Server{logger: testLogger(), client: &fakeClient{}, hub: hub}
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	conn := dialWS(t, ts, "")
	waitFor(t, "hub registration", func() bool { return hub.ClientCount() == 1 })

	cancel()
	<-done
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Run returned", hub.ClientCount())
	}

	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after hub stopped")
	}
}
