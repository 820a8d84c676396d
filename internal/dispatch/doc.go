// Package dispatch delivers broker events to listeners through bounded,
// backpressure-aware queues.
//
// A Queue owns one buffered channel and a single worker goroutine. Offer
// runs on the broker delivery path and blocks when the queue is full; the
// worker drains it in FIFO order. The queue reports fill-ratio crossings as
// BackpressureEvents and, when a dispatch stalls for longer than the
// slow-consumer threshold, one SlowConsumer notice per stall.
//
// A Wrapper binds a Queue to one broker topic and a set of listeners. It
// decodes each message, drops stale or duplicate events by timestamp per
// filter key, and fans the event out. Category-specific behaviour (decode,
// key, timestamp, notify, describe) comes from a Strategy.
package dispatch
