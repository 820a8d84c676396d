// Package health collects slow-consumer and backpressure notices from the
// dispatch queues and fans them out to registered health listeners.
//
// The Monitor latches after the first slow-consumer notice so that a stalled
// listener does not produce an alert storm. The latch either holds for the
// lifetime of the process (the default) or re-arms after a configured
// window. Backpressure notices are forwarded without latching.
package health
