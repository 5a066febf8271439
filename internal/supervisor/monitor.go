package supervisor

import (
	"time"

	"github.com/loykin/sentryd/internal/eventbus"
	"github.com/loykin/sentryd/internal/metrics"
	"github.com/loykin/sentryd/internal/process"
)

// monitorLoop is the Supervisor's single reaping task (spec.md §4.1
// "Monitor"). It consumes exitSignal values posted by each descriptor's
// waiter goroutine and must never block on policy evaluation; relaunches
// are scheduled via a per-descriptor timer goroutine, not synchronously
// here.
func (s *Supervisor) monitorLoop() {
	for sig := range s.exits {
		s.handleExit(sig.descriptor, sig.result)
	}
}

func (s *Supervisor) handleExit(d *Descriptor, res process.ExitResult) {
	d.mu.Lock()
	userStop := d.state == StateStopping
	name := d.Name
	spec := d.spec
	d.pid = 0
	d.stoppedAt = res.At
	d.hasExitCode = true
	d.exitCode = res.ExitCode
	d.mu.Unlock()

	_ = process.RunHooks(s.ctx, spec.Hooks, process.PhasePostStop, spec.Env)

	if userStop {
		d.mu.Lock()
		d.state = StateStopped
		exited := d.exited
		d.mu.Unlock()
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindStopped, Name: name, At: res.At, ExitCode: res.ExitCode})
		if exited != nil {
			close(exited)
		}
		return
	}

	decision := s.engine.Decide(name, res.ExitCode, res.Crashed)
	if !decision.Restart {
		d.mu.Lock()
		// A clean exit (code 0, not crashed) simply stops; anything else
		// the policy declined to restart is terminal Failed (spec.md §4.1
		// state machine: "Running --SIGCHLD, code=0--> Stopped",
		// "...code != 0--> (consult policy) ... STOP --> Failed").
		if res.ExitCode == 0 && !res.Crashed {
			d.state = StateStopped
		} else {
			d.state = StateFailed
		}
		exited := d.exited
		d.mu.Unlock()
		if exited != nil {
			close(exited)
		}

		if res.ExitCode == 0 && !res.Crashed {
			metrics.RecordStateTransition(name, string(StateRunning), string(StateStopped))
			metrics.SetCurrentState(name, string(StateStopped), true)
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindStopped, Name: name, At: res.At, ExitCode: res.ExitCode})
		} else {
			metrics.RecordStateTransition(name, string(StateRunning), string(StateFailed))
			metrics.SetCurrentState(name, string(StateFailed), true)
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindFailed, Name: name, At: res.At, ExitCode: res.ExitCode})
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindRestartGaveUp, Name: name, At: res.At})
		}
		return
	}

	d.mu.Lock()
	d.state = StateBackoff
	d.mu.Unlock()
	metrics.RecordStateTransition(name, string(StateRunning), string(StateBackoff))
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindBackoffScheduled, Name: name, At: res.At, Delay: decision.Delay})

	s.scheduleRelaunch(d, spec, decision.Delay)
}

// scheduleRelaunch waits decision.Delay, including the zero-delay case
// (spec.md §8 "base_delay = 0" boundary behavior: the relaunch still goes
// through the timer/goroutine path asynchronously rather than happening
// inline on the monitor's own goroutine), and then re-spawns the
// descriptor, unless Stop/Remove cancelled the pending relaunch first.
func (s *Supervisor) scheduleRelaunch(d *Descriptor, spec process.Spec, delay time.Duration) {
	cancelCh := make(chan struct{})
	d.mu.Lock()
	d.backoffCancel = func() { close(cancelCh) }
	d.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.clock.After(delay):
		case <-cancelCh:
			return
		case <-s.ctx.Done():
			return
		}

		d.mu.Lock()
		if d.state != StateBackoff {
			d.mu.Unlock()
			return
		}
		d.backoffCancel = nil
		d.mu.Unlock()

		if err := s.spawn(d, spec); err != nil {
			// spawn already transitioned the descriptor to Failed and
			// published a Failed event on SpawnFailed.
			return
		}
		d.mu.Lock()
		d.restartCount++
		d.mu.Unlock()
		metrics.IncRestart(d.Name)
	}()
}
