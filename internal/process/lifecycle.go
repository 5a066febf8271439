package process

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleHooks runs auxiliary commands around a child's start/stop,
// independent of the managed child itself. This is a supplemental feature
// (not in the base descriptor model) for setup/teardown steps such as
// warming a cache or deregistering from a load balancer.
type LifecycleHooks struct {
	PreStart  []Hook
	PostStart []Hook
	PreStop   []Hook
	PostStop  []Hook
}

// Hook is a single auxiliary command run at a lifecycle phase.
type Hook struct {
	Name        string
	Command     string
	Args        []string
	WorkDir     string
	Env         []string
	Timeout     time.Duration
	FailureMode FailureMode
	RunMode     RunMode
}

// FailureMode controls what happens when a hook exits non-zero.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore"
	FailureModeFail   FailureMode = "fail"
)

// RunMode controls whether the phase waits for the hook.
type RunMode string

const (
	RunModeBlocking RunMode = "blocking"
	RunModeAsync    RunMode = "async"
)

// LifecyclePhase names a point in a child's life a hook can attach to.
type LifecyclePhase string

const (
	PhasePreStart  LifecyclePhase = "pre_start"
	PhasePostStart LifecyclePhase = "post_start"
	PhasePreStop   LifecyclePhase = "pre_stop"
	PhasePostStop  LifecyclePhase = "post_stop"
)

// GetHooksForPhase returns the hooks registered for phase, or nil.
func (lh *LifecycleHooks) GetHooksForPhase(phase LifecyclePhase) []Hook {
	if lh == nil {
		return nil
	}
	switch phase {
	case PhasePreStart:
		return lh.PreStart
	case PhasePostStart:
		return lh.PostStart
	case PhasePreStop:
		return lh.PreStop
	case PhasePostStop:
		return lh.PostStop
	default:
		return nil
	}
}

// HasAnyHooks reports whether any phase has at least one hook.
func (lh *LifecycleHooks) HasAnyHooks() bool {
	if lh == nil {
		return false
	}
	return len(lh.PreStart) > 0 || len(lh.PostStart) > 0 || len(lh.PreStop) > 0 || len(lh.PostStop) > 0
}

// Validate checks names are unique across phases and every hook is
// individually well-formed.
func (lh *LifecycleHooks) Validate() error {
	if lh == nil {
		return nil
	}
	seen := make(map[string]string)
	phases := map[string][]Hook{
		string(PhasePreStart):  lh.PreStart,
		string(PhasePostStart): lh.PostStart,
		string(PhasePreStop):   lh.PreStop,
		string(PhasePostStop):  lh.PostStop,
	}
	for phase, hooks := range phases {
		for i, h := range hooks {
			if err := h.Validate(); err != nil {
				return fmt.Errorf("%s hook %d: %w", phase, i, err)
			}
			if prior, ok := seen[h.Name]; ok {
				return fmt.Errorf("duplicate hook name %q in %s and %s", h.Name, prior, phase)
			}
			seen[h.Name] = phase
		}
	}
	return nil
}

// Validate checks a single hook's fields.
func (h *Hook) Validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires a command", name)
	}
	switch h.FailureMode {
	case "", FailureModeIgnore, FailureModeFail:
	default:
		return fmt.Errorf("hook %q: invalid failure_mode %q", name, h.FailureMode)
	}
	switch h.RunMode {
	case "", RunModeBlocking, RunModeAsync:
	default:
		return fmt.Errorf("hook %q: invalid run_mode %q", name, h.RunMode)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: timeout cannot be negative", name)
	}
	for i, env := range h.Env {
		if !strings.Contains(env, "=") {
			return fmt.Errorf("hook %q: env[%d] %q must be KEY=VALUE", name, i, env)
		}
	}
	return nil
}

// GetDefaults fills zero-valued fields with the package defaults.
func (h *Hook) GetDefaults() {
	if h.FailureMode == "" {
		h.FailureMode = FailureModeFail
	}
	if h.RunMode == "" {
		h.RunMode = RunModeBlocking
	}
	if h.Timeout == 0 {
		h.Timeout = 30 * time.Second
	}
}
