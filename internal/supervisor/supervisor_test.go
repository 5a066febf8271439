package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/sentryd/internal/clock"
	"github.com/loykin/sentryd/internal/eventbus"
	"github.com/loykin/sentryd/internal/policy"
	"github.com/loykin/sentryd/internal/process"
)

func newTestSupervisor(t *testing.T, c clock.Clock) (*Supervisor, *eventbus.Subscription, context.CancelFunc) {
	t.Helper()
	bus := eventbus.New(32)
	engine := policy.NewEngine(c)
	s := New(c, bus, engine, nil)
	sub := bus.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, sub, cancel
}

func waitForEvent(t *testing.T, sub *eventbus.Subscription, kind eventbus.Kind, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

// TestSuccessfulRun reproduces S1 from spec.md §8.
func TestSuccessfulRun(t *testing.T) {
	s, sub, _ := newTestSupervisor(t, clock.Real{})

	snap, err := s.Start("echo-ok", process.Spec{Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, snap.State)

	waitForEvent(t, sub, eventbus.KindStarted, 2*time.Second)
	waitForEvent(t, sub, eventbus.KindStopped, 2*time.Second)

	final, err := s.Get("echo-ok")
	require.NoError(t, err)
	require.Equal(t, StateStopped, final.State)
	require.Equal(t, 0, final.RestartCount)

	out, err := s.OutputFor("echo-ok")
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(out.Stdout))
}

// TestGracefulStop reproduces S3: Stop with grace=2s on a sleeper.
func TestGracefulStop(t *testing.T) {
	s, _, _ := newTestSupervisor(t, clock.Real{})

	_, err := s.Start("sleeper", process.Spec{Command: "sleep", Args: []string{"100"}})
	require.NoError(t, err)

	start := time.Now()
	err = s.Stop("sleeper", StopOptions{Grace: 2 * time.Second})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	final, err := s.Get("sleeper")
	require.NoError(t, err)
	require.Equal(t, StateStopped, final.State)
	require.Equal(t, -2, final.ExitCode)
}

// TestForceKill reproduces S4: Stop(force=true) skips SIGTERM.
func TestForceKill(t *testing.T) {
	s, _, _ := newTestSupervisor(t, clock.Real{})

	_, err := s.Start("sleeper2", process.Spec{Command: "sleep", Args: []string{"100"}})
	require.NoError(t, err)

	err = s.Stop("sleeper2", StopOptions{Grace: 2 * time.Second, Force: true})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	final, err := s.Get("sleeper2")
	require.NoError(t, err)
	require.Equal(t, StateStopped, final.State)
}

// TestIgnoreCodesNoRestart reproduces S6: ignore_codes={0,2}, exit 2 ⇒
// Stopped, not Failed, no restart.
func TestIgnoreCodesNoRestart(t *testing.T) {
	s, sub, _ := newTestSupervisor(t, clock.Real{})
	require.NoError(t, s.engine.Register(policy.Policy{
		Name: "ignore-2", MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 1.5, MaxDelay: time.Minute,
		IgnoreCodes: map[int]struct{}{0: {}, 2: {}},
	}))

	// Sleep briefly before exiting so BindPolicy below lands well before the
	// child exits and the monitor loop consults the bound policy; Start
	// always binds "standard" first and a bare "exit 2" could race it.
	_, err := s.Start("exit2", process.Spec{Command: "sh", Args: []string{"-c", "sleep 0.2; exit 2"}})
	require.NoError(t, err)
	require.NoError(t, s.BindPolicy("exit2", "ignore-2"))

	waitForEvent(t, sub, eventbus.KindStopped, 2*time.Second)

	final, err := s.Get("exit2")
	require.NoError(t, err)
	require.Equal(t, StateStopped, final.State)
	require.Equal(t, 0, final.RestartCount)
}

// TestCrashRestartBackoffSequence exercises S2's shape (crash, restart
// under a policy with deterministic backoff) using a Fake clock so the
// delays between attempts are asserted exactly instead of slept through.
func TestCrashRestartBackoffSequence(t *testing.T) {
	fc := clock.NewFake(time.Now())
	s, sub, _ := newTestSupervisor(t, fc)

	_, err := s.Start("crasher", process.Spec{Command: "sh", Args: []string{"-c", "sleep 0.2; exit 1"}})
	require.NoError(t, err)
	require.NoError(t, s.BindPolicy("crasher", "aggressive")) // 10 retries, 1s base, 2.0x, 60s max

	evt := waitForEvent(t, sub, eventbus.KindBackoffScheduled, 2*time.Second)
	require.Equal(t, time.Second, evt.Delay)

	fc.Advance(time.Second)
	evt2 := waitForEvent(t, sub, eventbus.KindBackoffScheduled, 2*time.Second)
	require.Equal(t, 2*time.Second, evt2.Delay)

	fc.Advance(2 * time.Second)
	evt3 := waitForEvent(t, sub, eventbus.KindBackoffScheduled, 2*time.Second)
	require.Equal(t, 4*time.Second, evt3.Delay)
}

func TestAlreadyRunningRejectsDuplicateStart(t *testing.T) {
	s, _, _ := newTestSupervisor(t, clock.Real{})
	_, err := s.Start("sleeper3", process.Spec{Command: "sleep", Args: []string{"100"}})
	require.NoError(t, err)

	_, err = s.Start("sleeper3", process.Spec{Command: "sleep", Args: []string{"100"}})
	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, KindAlreadyRunning, supErr.Kind)

	require.NoError(t, s.Stop("sleeper3", StopOptions{Force: true}))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s, _, _ := newTestSupervisor(t, clock.Real{})
	_, err := s.Start("once-removed", process.Spec{Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Remove("once-removed"))
	err = s.Remove("once-removed")
	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	require.Equal(t, KindNotFound, supErr.Kind)
}
