package policy

import (
	"sync"
	"time"

	"github.com/loykin/sentryd/internal/clock"
)

// State is the ephemeral per-descriptor restart bookkeeping (spec.md §3
// "Restart state"). A zero State means "no restarts attempted yet".
type State struct {
	Attempt       int
	CurrentDelay  time.Duration
	LastRestartAt time.Time
	RunningSince  time.Time
}

// Engine owns a per-descriptor restart-state map guarded by its own lock,
// independent of the supervisor's registry lock (spec.md §5). It reads
// policy definitions as immutable values, never mutating a Policy after
// registration.
type Engine struct {
	clock clock.Clock

	mu       sync.Mutex
	policies map[string]Policy
	states   map[string]*State
	bindings map[string]string // descriptor name -> policy name
}

// NewEngine returns an Engine pre-seeded with the four built-in policies.
func NewEngine(c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real{}
	}
	e := &Engine{
		clock:    c,
		policies: make(map[string]Policy),
		states:   make(map[string]*State),
		bindings: make(map[string]string),
	}
	for _, name := range []string{"standard", "aggressive", "conservative", "none"} {
		p, _ := Builtin(name)
		e.policies[name] = p
	}
	return e
}

// Register adds or replaces a named policy. The four built-ins cannot be
// replaced.
func (e *Engine) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if isBuiltin(p.Name) {
		return errBuiltinImmutable
	}
	e.mu.Lock()
	e.policies[p.Name] = p
	e.mu.Unlock()
	return nil
}

func isBuiltin(name string) bool {
	switch name {
	case "standard", "aggressive", "conservative", "none":
		return true
	default:
		return false
	}
}

// Policy returns a copy of the named policy.
func (e *Engine) Policy(name string) (Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[name]
	return p, ok
}

// Bind associates a descriptor with a named policy and resets its restart
// state, mirroring a fresh manual start.
func (e *Engine) Bind(descriptor, policyName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[policyName]; !ok {
		return errUnknownPolicy
	}
	e.bindings[descriptor] = policyName
	e.states[descriptor] = &State{}
	return nil
}

// Reset clears restart state for descriptor, as happens on a manual Start
// or after the stabilization window elapses.
func (e *Engine) Reset(descriptor string) {
	e.mu.Lock()
	e.states[descriptor] = &State{}
	e.mu.Unlock()
}

// Forget drops all bookkeeping for descriptor (called on Remove).
func (e *Engine) Forget(descriptor string) {
	e.mu.Lock()
	delete(e.states, descriptor)
	delete(e.bindings, descriptor)
	e.mu.Unlock()
}

// NoteRunning records that descriptor has been continuously Running since
// now; MaybeStabilize uses this to decide whether to clear restart state.
func (e *Engine) NoteRunning(descriptor string) {
	e.mu.Lock()
	if s, ok := e.states[descriptor]; ok {
		s.RunningSince = e.clock.Now()
	}
	e.mu.Unlock()
}

// MaybeStabilize clears restart state if descriptor has been Running for
// at least its policy's stabilization window (spec.md §4.2 "Backoff
// reset"). Callers invoke this periodically or just before a new Decide.
func (e *Engine) MaybeStabilize(descriptor string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[descriptor]
	if !ok || s.RunningSince.IsZero() {
		return
	}
	policyName, ok := e.bindings[descriptor]
	if !ok {
		return
	}
	p := e.policies[policyName]
	if e.clock.Now().Sub(s.RunningSince) >= p.stabilization() {
		e.states[descriptor] = &State{}
	}
}

// Decide runs the deterministic algorithm of spec.md §4.2 step by step. It
// never errors: invalid policies are rejected at Register/Bind time.
func (e *Engine) Decide(descriptor string, exitCode int, crashed bool) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	policyName, ok := e.bindings[descriptor]
	if !ok {
		return Decision{Restart: false}
	}
	p := e.policies[policyName]
	s, ok := e.states[descriptor]
	if !ok {
		s = &State{}
		e.states[descriptor] = s
	}

	if _, ignored := p.IgnoreCodes[exitCode]; ignored {
		return Decision{Restart: false}
	}
	if p.RestartOnCodes != nil {
		if _, allowed := p.RestartOnCodes[exitCode]; !allowed {
			return Decision{Restart: false}
		}
	}
	if s.Attempt >= p.MaxRetries {
		return Decision{Restart: false}
	}

	var delay time.Duration
	if s.Attempt == 0 {
		delay = p.BaseDelay
	} else {
		delay = time.Duration(float64(s.CurrentDelay) * p.BackoffMultiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	s.Attempt++
	s.CurrentDelay = delay
	s.LastRestartAt = e.clock.Now()
	s.RunningSince = time.Time{}

	return Decision{Restart: true, Delay: delay}
}

// StateOf returns a copy of descriptor's current restart state, for
// observability.
func (e *Engine) StateOf(descriptor string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[descriptor]
	if !ok {
		return State{}, false
	}
	return *s, true
}
