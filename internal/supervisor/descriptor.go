package supervisor

import (
	"sync"
	"time"

	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/ring"
)

// State is a lifecycle state of a descriptor (spec.md §3/§4.1).
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateFailed   State = "Failed"
	StateBackoff  State = "Backoff"
)

// Descriptor is the persistent record of a managed process (spec.md §3
// "Process descriptor"). Mutations flow exclusively through Supervisor
// operations; external callers only ever see a Snapshot.
type Descriptor struct {
	Name string

	mu           sync.Mutex
	spec         process.Spec
	group        string
	state        State
	pid          int
	hasExitCode  bool
	exitCode     int
	startedAt    time.Time
	stoppedAt    time.Time
	restartCount int

	handle  *process.Handle
	outRing *ring.Buffer
	errRing *ring.Buffer

	// exited is recreated on every spawn and closed by the monitor once
	// handleExit has recorded the corresponding reap as a terminal state
	// transition. Stop waits on it instead of the handle's own Done()
	// channel, which the monitor's waiter goroutine is the sole reader
	// of (process.Handle.Done is a single-value channel; two concurrent
	// receivers would race for the one send).
	exited chan struct{}

	// backoffCancel, when non-nil, cancels this descriptor's pending
	// relaunch timer (used by Stop/Remove while State == Backoff).
	backoffCancel func()
}

// Snapshot is the externally visible view of a Descriptor returned by List
// and friends.
type Snapshot struct {
	Name         string
	Group        string
	State        State
	PID          int
	ExitCode     int
	HasExitCode  bool
	StartedAt    time.Time
	StoppedAt    time.Time
	RestartCount int
}

func newDescriptor(spec process.Spec) *Descriptor {
	return &Descriptor{
		Name:    spec.Name,
		spec:    spec,
		group:   spec.Group,
		state:   StateStopped,
		outRing: ring.New(ring.DefaultCapacity),
		errRing: ring.New(ring.DefaultCapacity),
	}
}

func (d *Descriptor) snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Name:         d.Name,
		Group:        d.group,
		State:        d.state,
		PID:          d.pid,
		ExitCode:     d.exitCode,
		HasExitCode:  d.hasExitCode,
		StartedAt:    d.startedAt,
		StoppedAt:    d.stoppedAt,
		RestartCount: d.restartCount,
	}
}

func (d *Descriptor) isTerminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateStopped || d.state == StateFailed
}
