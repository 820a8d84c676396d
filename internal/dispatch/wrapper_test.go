package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/c2mon/c2mon-sub007/internal/transport"
)

type testEvent struct {
	Key string `json:"key"`
	TS  int64  `json:"ts"`
	Seq int    `json:"seq"`
}

type listener interface {
	onEvent(testEvent)
}

type recorder struct {
	name   string
	mu     sync.Mutex
	events []testEvent
}

func (r *recorder) onEvent(e testEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) received() []testEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]testEvent(nil), r.events...)
}

type panicker struct{}

func (panicker) onEvent(testEvent) { panic("boom") }

var testStrategy = Strategy[testEvent, listener]{
	Decode: func(payload []byte) (testEvent, error) {
		var e testEvent
		err := json.Unmarshal(payload, &e)
		return e, err
	},
	Key:       func(e testEvent) string { return e.Key },
	Timestamp: func(e testEvent) time.Time { return time.UnixMilli(e.TS) },
	Notify:    func(l listener, e testEvent) { l.onEvent(e) },
	Describe:  func(e testEvent) string { return fmt.Sprintf("%s#%d", e.Key, e.Seq) },
}

func newTestWrapper(t *testing.T, mode Mode) *Wrapper[testEvent, listener] {
	t.Helper()
	w := NewWrapper("test/topic", mode, testStrategy, Options{PollTimeout: 10 * time.Millisecond})
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func deliver(w *Wrapper[testEvent, listener], key string, ts int64, seq int) {
	payload, _ := json.Marshal(testEvent{Key: key, TS: ts, Seq: seq})
	w.OnMessage(transport.Message{Destination: w.Topic(), Payload: payload})
}

// drain delivers a sentinel event and waits until r has seen it.
func drain(t *testing.T, w *Wrapper[testEvent, listener], r *recorder, key string) {
	t.Helper()
	deliver(w, key, time.Now().UnixMilli()+1_000_000, -1)
	waitFor(t, "sentinel", func() bool {
		for _, e := range r.received() {
			if e.Seq == -1 {
				return true
			}
		}
		return false
	})
}

func seqs(events []testEvent) []int {
	out := make([]int, 0, len(events))
	for _, e := range events {
		if e.Seq != -1 {
			out = append(out, e.Seq)
		}
	}
	return out
}

// =============================================================================
// Deduplication
// =============================================================================

func TestWrapper_DropsStaleAndDuplicateEvents(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("k", r)

	deliver(w, "k", 200, 1) // newest first
	deliver(w, "k", 100, 2) // older, dropped
	deliver(w, "k", 200, 3) // duplicate timestamp, dropped
	deliver(w, "k", 300, 4)
	drain(t, w, r, "k")

	got := seqs(r.received())
	want := []int{1, 4}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	if w.Filtered() != 2 {
		t.Errorf("Filtered() = %d, want 2", w.Filtered())
	}
}

func TestWrapper_DedupIsPerKey(t *testing.T) {
	w := newTestWrapper(t, MultiListener)
	r := &recorder{name: "r"}
	w.Add("", r)

	deliver(w, "a", 100, 1)
	deliver(w, "b", 50, 2)
	deliver(w, "a", 90, 3)
	drain(t, w, r, "z")

	got := seqs(r.received())
	want := []int{1, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
}

func TestWrapper_MonotonicTimestampsPerKey(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("k", r)

	for _, ts := range []int64{5, 3, 8, 8, 1, 9, 7, 12} {
		deliver(w, "k", ts, int(ts))
	}
	drain(t, w, r, "k")

	var last int64
	for _, e := range r.received() {
		if e.TS <= last {
			t.Fatalf("timestamp %d delivered after %d", e.TS, last)
		}
		last = e.TS
	}
}

// =============================================================================
// Registration disciplines
// =============================================================================

func TestWrapper_SingleListenerPerKeyReplaces(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	l1 := &recorder{name: "l1"}
	l2 := &recorder{name: "l2"}

	if _, replaced := w.Add("k", l1); replaced {
		t.Fatal("first Add reported a replacement")
	}
	prev, replaced := w.Add("k", l2)
	if !replaced || prev != listener(l1) {
		t.Fatalf("Add() = (%v, %t), want l1 replaced", prev, replaced)
	}

	deliver(w, "k", 100, 1)
	drain(t, w, l2, "k")

	if got := l1.received(); len(got) != 0 {
		t.Errorf("replaced listener received %d events", len(got))
	}
	if got := seqs(l2.received()); len(got) != 1 {
		t.Errorf("new listener received %v, want [1]", got)
	}
	if w.Has(l1) || !w.Has(l2) {
		t.Error("Has() does not reflect the replacement")
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d, want 1", w.Len())
	}
}

func TestWrapper_ListenerMovesKey(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("a", r)
	w.Add("b", r)

	deliver(w, "a", 100, 1)
	deliver(w, "b", 100, 2)
	drain(t, w, r, "b")

	if got := seqs(r.received()); fmt.Sprint(got) != "[2]" {
		t.Errorf("delivered = %v, want [2]", got)
	}
}

func TestWrapper_MultiListenerFanOut(t *testing.T) {
	w := newTestWrapper(t, MultiListener)
	rs := []*recorder{{name: "a"}, {name: "b"}, {name: "c"}}
	for _, r := range rs {
		w.Add("", r)
	}
	w.Add("", panicker{})

	deliver(w, "host", 100, 1)
	for _, r := range rs {
		drain(t, w, r, "sentinel-"+r.name)
	}

	for _, r := range rs {
		if got := seqs(r.received()); fmt.Sprint(got) != "[1]" {
			t.Errorf("listener %s received %v, want [1]", r.name, got)
		}
	}
}

func TestWrapper_RemoveAndIsEmpty(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("k", r)

	if w.IsEmpty() {
		t.Fatal("IsEmpty() = true with a listener bound")
	}
	if !w.Remove(r) {
		t.Fatal("Remove() = false for a bound listener")
	}
	if w.Remove(r) {
		t.Error("second Remove() = true")
	}
	if !w.IsEmpty() {
		t.Error("IsEmpty() = false after removing the only listener")
	}
}

func TestWrapper_RemoveResetsDedup(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r1 := &recorder{name: "r1"}
	w.Add("k", r1)
	deliver(w, "k", 100, 1)
	waitFor(t, "first event", func() bool { return len(r1.received()) == 1 })

	w.Remove(r1)
	r2 := &recorder{name: "r2"}
	w.Add("k", r2)

	// A replay of the same value is delivered to the new listener.
	deliver(w, "k", 100, 2)
	waitFor(t, "replayed event", func() bool { return len(r2.received()) == 1 })
}

func TestWrapper_UnboundKeysKeepNoDedupState(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("k", r)

	for i := 0; i < 100; i++ {
		deliver(w, fmt.Sprintf("other-%d", i), 500, i)
	}
	drain(t, w, r, "k")

	w.mu.Lock()
	n := len(w.lastSeen)
	w.mu.Unlock()
	if n != 1 {
		t.Errorf("dedup entries = %d, want 1 (only the bound key)", n)
	}

	// A listener bound later sees values older than the ones it missed.
	late := &recorder{name: "late"}
	w.Add("other-0", late)
	deliver(w, "other-0", 100, 1)
	waitFor(t, "late listener event", func() bool { return len(late.received()) == 1 })
}

func TestWrapper_Replace(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	old := &recorder{name: "old"}
	repl := &recorder{name: "new"}
	w.Add("k", old)

	if !w.Replace(old, repl) {
		t.Fatal("Replace() = false for a bound listener")
	}
	if w.Replace(old, repl) {
		t.Error("Replace() = true for an unbound listener")
	}

	deliver(w, "k", 100, 1)
	drain(t, w, repl, "k")

	if len(old.received()) != 0 {
		t.Error("old listener still receives events")
	}
}

func TestWrapper_MalformedPayloadDoesNotStopDelivery(t *testing.T) {
	w := newTestWrapper(t, SingleListenerPerKey)
	r := &recorder{name: "r"}
	w.Add("k", r)

	w.OnMessage(transport.Message{Payload: []byte("{not json")})
	deliver(w, "k", 100, 1)
	drain(t, w, r, "k")

	if got := seqs(r.received()); fmt.Sprint(got) != "[1]" {
		t.Errorf("delivered = %v, want [1]", got)
	}
	waitFor(t, "failure counted", func() bool { return w.Stats().Failed == 1 })
}

func TestWrapper_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWrapper("leak/topic", MultiListener, testStrategy, Options{})
	w.Start()
	w.Add("", &recorder{})
	deliver(w, "k", 1, 1)
	w.Stop()
}

func TestHashable(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, true},
		{"pointer", &recorder{}, true},
		{"empty struct", panicker{}, true},
		{"func", func() {}, false},
		{"slice", []int{1}, false},
		{"struct with slice", struct{ s []int }{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hashable(tt.v); got != tt.want {
				t.Errorf("Hashable(%T) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}
