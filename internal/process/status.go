package process

import "time"

// Status is a point-in-time snapshot of a Handle, used by callers that
// need a value they can hold onto without racing the live Handle.
type Status struct {
	Name      string
	Running   bool
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	ExitCode  int
	Crashed   bool
}

// Snapshot reports h's state as of the call. Running is true until Done()
// has delivered a result.
func (h *Handle) Snapshot() Status {
	s := Status{Name: h.spec.Name, PID: h.pid, StartedAt: h.startedAt}
	h.mu.Lock()
	s.Running = !h.reaped
	h.mu.Unlock()
	return s
}
