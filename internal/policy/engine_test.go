package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/sentryd/internal/clock"
)

func TestBuiltinPolicies(t *testing.T) {
	cases := map[string]Policy{
		"standard":     {MaxRetries: 3, BaseDelay: 5 * time.Second, BackoffMultiplier: 1.5, MaxDelay: 300 * time.Second},
		"aggressive":   {MaxRetries: 10, BaseDelay: 1 * time.Second, BackoffMultiplier: 2.0, MaxDelay: 60 * time.Second},
		"conservative": {MaxRetries: 5, BaseDelay: 30 * time.Second, BackoffMultiplier: 1.2, MaxDelay: 600 * time.Second},
		"none":         {MaxRetries: 0, BaseDelay: 0, BackoffMultiplier: 1, MaxDelay: 0},
	}
	for name, want := range cases {
		p, ok := Builtin(name)
		require.True(t, ok)
		require.Equal(t, want.MaxRetries, p.MaxRetries)
		require.Equal(t, want.BaseDelay, p.BaseDelay)
		require.Equal(t, want.BackoffMultiplier, p.BackoffMultiplier)
		require.Equal(t, want.MaxDelay, p.MaxDelay)
	}
}

// TestStandardPolicyBackoffSequence reproduces S2 from spec.md §8: delays
// of 5s, 7.5s, 11.25s across three attempts, then give-up on the fourth.
func TestStandardPolicyBackoffSequence(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, e.Bind("crasher", "standard"))

	d1 := e.Decide("crasher", 1, true)
	require.True(t, d1.Restart)
	require.Equal(t, 5*time.Second, d1.Delay)

	d2 := e.Decide("crasher", 1, true)
	require.True(t, d2.Restart)
	require.Equal(t, 7500*time.Millisecond, d2.Delay)

	d3 := e.Decide("crasher", 1, true)
	require.True(t, d3.Restart)
	require.Equal(t, 11250*time.Millisecond, d3.Delay)

	d4 := e.Decide("crasher", 1, true)
	require.False(t, d4.Restart)
}

// TestIgnoreCodesSkipsRestart reproduces S6: ignore_codes={0,2}, exit 2 ⇒
// Stop, not Restart.
func TestIgnoreCodesSkipsRestart(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, e.Register(Policy{
		Name: "ignore-2", MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 1.5, MaxDelay: time.Minute,
		IgnoreCodes: map[int]struct{}{0: {}, 2: {}},
	}))
	require.NoError(t, e.Bind("svc", "ignore-2"))

	d := e.Decide("svc", 2, false)
	require.False(t, d.Restart)
}

func TestRestartOnCodesRestrictsSet(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, e.Register(Policy{
		Name: "only-137", MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 1.5, MaxDelay: time.Minute,
		RestartOnCodes: map[int]struct{}{137: {}},
	}))
	require.NoError(t, e.Bind("svc", "only-137"))

	require.False(t, e.Decide("svc", 1, true).Restart)
	require.True(t, e.Decide("svc", 137, true).Restart)
}

func TestNonePolicyNeverRestarts(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, e.Bind("svc", "none"))
	require.False(t, e.Decide("svc", 1, true).Restart)
}

func TestStabilizationResetsState(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	e := NewEngine(fc)
	require.NoError(t, e.Bind("svc", "standard"))

	e.Decide("svc", 1, true) // attempt -> 1
	e.NoteRunning("svc")
	fc.Advance(51 * time.Second) // stabilization = max(10*5s, 60s) = 60s; not yet stable
	e.MaybeStabilize("svc")
	s, _ := e.StateOf("svc")
	require.Equal(t, 1, s.Attempt)

	fc.Advance(10 * time.Second) // now 61s elapsed, past the 60s window
	e.MaybeStabilize("svc")
	s, _ = e.StateOf("svc")
	require.Equal(t, 0, s.Attempt)
}

func TestBuiltinPolicyCannotBeReplaced(t *testing.T) {
	e := NewEngine(clock.Real{})
	err := e.Register(Policy{Name: "standard", MaxRetries: 1, BackoffMultiplier: 1})
	require.ErrorIs(t, err, errBuiltinImmutable)
}
