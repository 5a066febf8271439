// Package policy implements the restart policy engine: given a process's
// exit code and a crashed flag, it decides whether the supervisor should
// restart the process and after what delay (spec.md §4.2).
package policy

import "time"

// Policy is an immutable restart policy definition. Many descriptors may
// share one policy by name; the engine never mutates a Policy in place.
type Policy struct {
	Name              string
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	RestartOnCodes    map[int]struct{} // nil means "no restriction"
	IgnoreCodes       map[int]struct{} // nil means "none ignored"

	// HealthCheckCommand and HealthCheckInterval are a supplemental
	// feature carried over from the original prototype's policy model
	// (original_source/src/core/restart_policy.py); the core Decide
	// algorithm does not consult them, they exist for an external health
	// monitor to poll at the given cadence before a restart decision.
	HealthCheckCommand  string
	HealthCheckInterval time.Duration
}

// Decision is the outcome of Decide.
type Decision struct {
	Restart bool
	Delay   time.Duration
}

// Builtin returns one of the four non-removable named policies, or false
// if name does not match one, per spec.md §4.2.
func Builtin(name string) (Policy, bool) {
	switch name {
	case "standard":
		return Policy{Name: "standard", MaxRetries: 3, BaseDelay: 5 * time.Second, BackoffMultiplier: 1.5, MaxDelay: 300 * time.Second}, true
	case "aggressive":
		return Policy{Name: "aggressive", MaxRetries: 10, BaseDelay: 1 * time.Second, BackoffMultiplier: 2.0, MaxDelay: 60 * time.Second}, true
	case "conservative":
		return Policy{Name: "conservative", MaxRetries: 5, BaseDelay: 30 * time.Second, BackoffMultiplier: 1.2, MaxDelay: 600 * time.Second}, true
	case "none":
		return Policy{Name: "none", MaxRetries: 0, BaseDelay: 0, BackoffMultiplier: 1, MaxDelay: 0}, true
	default:
		return Policy{}, false
	}
}

// Validate rejects malformed policy configurations at creation time, so
// Decide itself never fails (spec.md §4.5 "Policy evaluation is total").
func (p Policy) Validate() error {
	if p.Name == "" {
		return errEmptyName
	}
	if p.MaxRetries < 0 {
		return errNegativeMaxRetries
	}
	if p.BackoffMultiplier < 1.0 {
		return errBadMultiplier
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errNegativeDelay
	}
	return nil
}

func (p Policy) stabilization() time.Duration {
	s := 10 * p.BaseDelay
	if s < 60*time.Second {
		s = 60 * time.Second
	}
	return s
}
