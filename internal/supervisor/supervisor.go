// Package supervisor implements the registry of managed processes: the
// lifecycle state machine, the monitor loop that reaps child exits and
// consults the restart policy engine, and the operations CLI/API/Scheduler
// callers use to drive it (spec.md §4.1).
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/sentryd/internal/clock"
	"github.com/loykin/sentryd/internal/eventbus"
	"github.com/loykin/sentryd/internal/metrics"
	"github.com/loykin/sentryd/internal/policy"
	"github.com/loykin/sentryd/internal/process"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

// DefaultGrace is Stop's default wait before escalating to SIGKILL.
const DefaultGrace = 10 * time.Second

// DefaultKillGrace bounds the wait after SIGKILL during Stop.
const DefaultKillGrace = 2 * time.Second

// DefaultShutdownDeadline bounds Supervisor.Shutdown.
const DefaultShutdownDeadline = 30 * time.Second

// Sampler reports a live child's resource usage; it is the seam the
// metrics package's gopsutil-backed implementation plugs into (spec.md
// §4.1 "Metrics(name)"). A nil Sampler makes MetricsFor return zero
// Metrics and no error for a known descriptor.
type Sampler interface {
	Sample(pid int) (cpuPercent float64, rssBytes uint64, threads int32, err error)
}

// Metrics is the result of a Metrics(name) call.
type Metrics struct {
	CPUPercent float64
	RSSBytes   uint64
	Threads    int32
	Uptime     time.Duration
}

// Output is the result of an Output(name) call.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// exitSignal is what a descriptor's waiter goroutine posts to the
// Supervisor's single monitor loop once its child has been reaped. This
// channel is the "wake channel" of spec.md §4.1's Monitor description; the
// actual OS reap happens in the per-descriptor waiter, analogous to
// asynchronous SIGCHLD delivery.
type exitSignal struct {
	descriptor *Descriptor
	result     process.ExitResult
}

// Supervisor owns the process registry: a map from name to descriptor,
// guarded by a single exclusive lock for membership/state changes.
// Per-descriptor operations resolve through this lock briefly, then
// operate on the descriptor's own lock (spec.md §5).
type Supervisor struct {
	clock   clock.Clock
	bus     *eventbus.Bus
	engine  *policy.Engine
	sampler Sampler

	mu          sync.Mutex
	descriptors map[string]*Descriptor

	exits chan exitSignal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor. c and bus default to clock.Real{} and a
// fresh eventbus if nil; engine must not be nil (the caller decides which
// built-in/custom policies are registered).
func New(c clock.Clock, bus *eventbus.Bus, engine *policy.Engine, sampler Sampler) *Supervisor {
	if c == nil {
		c = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.New(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		clock:       c,
		bus:         bus,
		engine:      engine,
		sampler:     sampler,
		descriptors: make(map[string]*Descriptor),
		exits:       make(chan exitSignal, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events returns the Supervisor's event bus, for subscribers.
func (s *Supervisor) Events() *eventbus.Bus { return s.bus }

// Run starts the Supervisor's single Monitor task and blocks until ctx is
// done, then performs the shutdown sequence of spec.md §5: stop every live
// descriptor (grace=DefaultGrace), bounded by DefaultShutdownDeadline,
// escalating to SIGKILL for anything still alive.
func (s *Supervisor) Run(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorLoop()
	}()

	<-ctx.Done()
	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.descriptors))
	for name := range s.descriptors {
		names = append(names, name)
	}
	s.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownDeadline)
	defer cancel()

	g, _ := errgroup.WithContext(deadlineCtx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return s.Stop(name, StopOptions{Grace: DefaultGrace})
		})
	}
	err := g.Wait()

	s.cancel()
	close(s.exits)
	s.wg.Wait()
	return err
}

// getOrCreate resolves an existing descriptor or creates a fresh one under
// the registry lock, without holding the lock across any suspension.
func (s *Supervisor) getOrCreate(spec process.Spec) (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[spec.Name]
	if ok {
		return d, false
	}
	d = newDescriptor(spec)
	s.descriptors[spec.Name] = d
	return d, true
}

func (s *Supervisor) get(name string) (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[name]
	return d, ok
}

// Start validates spec and launches it (spec.md §4.1 "Start").
func (s *Supervisor) Start(name string, spec process.Spec) (Snapshot, error) {
	spec.Name = name
	if !namePattern.MatchString(name) {
		return Snapshot{}, newError(KindInvalidSpec, name, fmt.Errorf("invalid name %q", name))
	}
	if spec.Command == "" {
		return Snapshot{}, newError(KindInvalidSpec, name, fmt.Errorf("command is empty"))
	}

	d, created := s.getOrCreate(spec)
	if !created {
		if !d.isTerminal() {
			return Snapshot{}, newError(KindAlreadyRunning, name, nil)
		}
	}

	if err := s.engine.Bind(name, policyNameOrDefault(spec)); err != nil {
		return Snapshot{}, newError(KindInvalidSpec, name, err)
	}

	if err := s.spawn(d, spec); err != nil {
		return d.snapshot(), err
	}
	return d.snapshot(), nil
}

// policyNameOrDefault is "standard" for every freshly-created descriptor;
// callers that want a different policy call BindPolicy afterward. Group
// tagging (spec.Group) is unrelated to policy selection.
func policyNameOrDefault(process.Spec) string {
	return "standard"
}

// BindPolicy attaches a named policy to an existing descriptor, resetting
// its restart state (used by callers that want something other than the
// "standard" default Start applies).
func (s *Supervisor) BindPolicy(name, policyName string) error {
	if _, ok := s.get(name); !ok {
		return newError(KindNotFound, name, nil)
	}
	if err := s.engine.Bind(name, policyName); err != nil {
		return newError(KindInvalidSpec, name, err)
	}
	return nil
}

// spawn performs the actual OS spawn and state transition, run with the
// descriptor's own lock held only across the non-suspending bookkeeping
// (spec.md §5 "none is allowed to hold the registry lock across a
// suspension" — here it is the descriptor lock that is similarly scoped).
func (s *Supervisor) spawn(d *Descriptor, spec process.Spec) error {
	d.mu.Lock()
	d.spec = spec
	d.state = StateStarting
	d.mu.Unlock()

	if err := process.RunHooks(s.ctx, spec.Hooks, process.PhasePreStart, spec.Env); err != nil {
		d.mu.Lock()
		d.state = StateFailed
		d.hasExitCode = true
		d.exitCode = -1
		d.mu.Unlock()
		return newError(KindSpawnFailed, d.Name, err)
	}

	d.mu.Lock()
	outRing, errRing := d.outRing, d.errRing
	d.mu.Unlock()

	h, err := process.Spawn(s.ctx, spec, outRing, errRing)
	if err != nil {
		d.mu.Lock()
		d.state = StateFailed
		d.hasExitCode = true
		d.exitCode = -1
		d.mu.Unlock()
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindFailed, Name: d.Name, At: s.clock.Now(), ExitCode: -1})
		return newError(KindSpawnFailed, d.Name, err)
	}

	d.mu.Lock()
	d.handle = h
	d.pid = h.PID()
	d.startedAt = h.StartedAt()
	d.stoppedAt = time.Time{}
	d.hasExitCode = false
	d.state = StateRunning
	d.exited = make(chan struct{})
	d.mu.Unlock()

	s.engine.NoteRunning(d.Name)
	metrics.IncStart(d.Name)
	metrics.RecordStateTransition(d.Name, string(StateStarting), string(StateRunning))
	metrics.SetCurrentState(d.Name, string(StateRunning), true)
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindStarted, Name: d.Name, At: s.clock.Now(), PID: h.PID()})

	_ = process.RunHooks(s.ctx, spec.Hooks, process.PhasePostStart, spec.Env)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case res := <-h.Done():
			select {
			case s.exits <- exitSignal{descriptor: d, result: res}:
			case <-s.ctx.Done():
			}
		case <-s.ctx.Done():
		}
	}()

	return nil
}

// StopOptions configures Stop.
type StopOptions struct {
	Grace time.Duration
	Force bool
}

// Stop transitions a running descriptor to Stopping, signals its process
// group, and waits up to Grace before escalating to SIGKILL (spec.md §4.1
// "Stop").
func (s *Supervisor) Stop(name string, opts StopOptions) error {
	d, ok := s.get(name)
	if !ok {
		return newError(KindNotFound, name, nil)
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}

	d.mu.Lock()
	state := d.state
	h := d.handle
	exited := d.exited
	d.mu.Unlock()

	switch state {
	case StateStopped, StateFailed:
		return nil
	case StateBackoff:
		d.mu.Lock()
		if d.backoffCancel != nil {
			d.backoffCancel()
			d.backoffCancel = nil
		}
		d.state = StateStopped
		d.mu.Unlock()
		s.engine.Forget(name)
		metrics.IncStop(name)
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindStopped, Name: name, At: s.clock.Now()})
		return nil
	}

	if h == nil {
		return newError(KindInternal, name, fmt.Errorf("running descriptor has no handle"))
	}

	_ = process.RunHooks(s.ctx, d.spec.Hooks, process.PhasePreStop, d.spec.Env)

	d.mu.Lock()
	d.state = StateStopping
	d.mu.Unlock()
	h.MarkStopping()

	if opts.Force {
		if err := h.Signal(syscall.SIGKILL); err != nil && h.Alive() {
			return newError(KindSignalFailed, name, err)
		}
	} else if err := h.Signal(syscall.SIGTERM); err != nil && h.Alive() {
		return newError(KindSignalFailed, name, err)
	}

	graceTimer := s.clock.After(opts.Grace)
	select {
	case <-graceTimer:
		if h.Alive() {
			if err := h.Signal(syscall.SIGKILL); err != nil {
				return newError(KindSignalFailed, name, err)
			}
		}
		// Either the kill above or the grace window already elapsing
		// means the child is gone or about to be; wait for the monitor
		// to finish reaping it so the descriptor reaches a terminal
		// state before Stop returns (spec.md §8 testable property 5).
		select {
		case <-s.clock.After(DefaultKillGrace):
		case <-exited:
		}
	case <-exited:
	}

	metrics.IncStop(name)
	return nil
}

// Restart is Stop followed by Start, preserving spec/group/restart_count
// (spec.md §4.1 "Restart").
func (s *Supervisor) Restart(name string) (Snapshot, error) {
	d, ok := s.get(name)
	if !ok {
		return Snapshot{}, newError(KindNotFound, name, nil)
	}
	d.mu.Lock()
	spec := d.spec
	preservedRestarts := d.restartCount
	d.mu.Unlock()

	if err := s.Stop(name, StopOptions{Grace: DefaultGrace}); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.Start(name, spec)
	if err != nil {
		return snap, err
	}
	d.mu.Lock()
	d.restartCount = preservedRestarts
	d.mu.Unlock()
	return d.snapshot(), nil
}

// Remove stops the descriptor if needed and deletes it along with its
// rings and restart state.
func (s *Supervisor) Remove(name string) error {
	d, ok := s.get(name)
	if !ok {
		return newError(KindNotFound, name, nil)
	}
	if !d.isTerminal() {
		if err := s.Stop(name, StopOptions{Grace: DefaultGrace}); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.descriptors, name)
	s.mu.Unlock()
	s.engine.Forget(name)
	return nil
}

// ListOptions filters List.
type ListOptions struct {
	Group string
	State State
}

// List returns a snapshot of every descriptor matching the given filters.
func (s *Supervisor) List(opts ListOptions) []Snapshot {
	s.mu.Lock()
	ds := make([]*Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		ds = append(ds, d)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(ds))
	for _, d := range ds {
		snap := d.snapshot()
		if opts.Group != "" && snap.Group != opts.Group {
			continue
		}
		if opts.State != "" && snap.State != opts.State {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Get returns a single descriptor's snapshot.
func (s *Supervisor) Get(name string) (Snapshot, error) {
	d, ok := s.get(name)
	if !ok {
		return Snapshot{}, newError(KindNotFound, name, nil)
	}
	return d.snapshot(), nil
}

// SpecFor returns the process.Spec a descriptor was last (re)spawned
// with, for callers that need to persist more than Snapshot carries
// (spec.md §6 "processes" table row).
func (s *Supervisor) SpecFor(name string) (process.Spec, bool) {
	d, ok := s.get(name)
	if !ok {
		return process.Spec{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec, true
}

// MetricsFor samples a running descriptor's resource usage.
func (s *Supervisor) MetricsFor(name string) (Metrics, error) {
	d, ok := s.get(name)
	if !ok {
		return Metrics{}, newError(KindNotFound, name, nil)
	}
	d.mu.Lock()
	pid := d.pid
	running := d.state == StateRunning
	startedAt := d.startedAt
	d.mu.Unlock()

	if !running || s.sampler == nil {
		return Metrics{}, nil
	}
	cpu, rss, threads, err := s.sampler.Sample(pid)
	if err != nil {
		return Metrics{}, newError(KindInternal, name, err)
	}
	return Metrics{CPUPercent: cpu, RSSBytes: rss, Threads: threads, Uptime: s.clock.Now().Sub(startedAt)}, nil
}

// OutputFor returns a snapshot of a descriptor's stdout/stderr rings.
func (s *Supervisor) OutputFor(name string) (Output, error) {
	d, ok := s.get(name)
	if !ok {
		return Output{}, newError(KindNotFound, name, nil)
	}
	d.mu.Lock()
	outRing, errRing := d.outRing, d.errRing
	d.mu.Unlock()
	return Output{Stdout: outRing.Snapshot(), Stderr: errRing.Snapshot()}, nil
}

// Launch starts a uniquely-named descriptor from a schedule's target
// template. It takes a LaunchTarget rather than a scheduler.Target, so the
// daemon's launcherAdapter is what implements scheduler.Launcher on top of it.
func (s *Supervisor) Launch(name string, target LaunchTarget) error {
	_, err := s.Start(name, target.toSpec(name))
	return err
}

// LaunchTarget mirrors scheduler.Target without this package depending on
// the scheduler package; the cmd/API wiring layer adapts between them.
type LaunchTarget struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Group      string
}

func (t LaunchTarget) toSpec(name string) process.Spec {
	return process.Spec{
		Name:       name,
		Command:    t.Command,
		Args:       t.Args,
		WorkingDir: t.WorkingDir,
		Env:        t.Env,
		Group:      t.Group,
	}
}
