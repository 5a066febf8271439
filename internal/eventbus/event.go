// Package eventbus fans out supervisor and scheduler lifecycle events to
// any number of subscribers (spec.md §4.4). Delivery is best-effort and
// non-blocking for the publisher: each subscriber has its own bounded
// queue, and when that queue is full the newly published event is dropped
// for that subscriber rather than stall the publisher; events already queued
// are not evicted. A KindDropped marker later reports how many were lost.
package eventbus

import "time"

// Kind identifies the type of lifecycle event carried by an Event.
type Kind string

const (
	KindStarted          Kind = "Started"
	KindStopped          Kind = "Stopped"
	KindFailed           Kind = "Failed"
	KindBackoffScheduled Kind = "BackoffScheduled"
	KindRestartGaveUp    Kind = "RestartGaveUp"
	KindScheduleFired    Kind = "ScheduleFired"
	KindLogLine          Kind = "LogLine"
	KindDropped          Kind = "Dropped"
)

// Event is the envelope delivered to subscribers. Seq is a monotonic
// sequence number scoped to the publishing Bus instance (spec.md §4.4); it
// is assigned once, at Publish time, so two subscribers never disagree
// about ordering.
type Event struct {
	Seq       uint64
	Kind      Kind
	Name      string // descriptor or schedule name
	At        time.Time
	PID       int
	ExitCode  int
	Delay     time.Duration
	Attempt   int
	Stream    string // "stdout" | "stderr", for KindLogLine
	Line      []byte
	Dropped   int // populated on a synthetic KindDropped marker
	Err       error
}
