// Package repeated runs a named job at a fixed interval on an rt.Runtime.
//
// A Task is started at most once. Stop signals the loop and waits for the
// spawned unit to finish: stop is wait-for-completion, not wait-for-interrupt.
// A job invocation already in flight is never interrupted; Stop returns once
// it completes. The interval wait itself is abandoned immediately. A stopped
// task cannot be restarted; construct a new one.
//
// Job failures never end the loop. They are logged, published on the event
// bus and recorded, and the job is attempted again on the next interval.
package repeated
