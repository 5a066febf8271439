// Package process wraps a single OS child process: spawning it in its own
// process group, capturing its stdout/stderr into ring buffers, and exposing
// the primitives the supervisor needs to signal and reap it. It corresponds
// to the Child Handle component of the design (spec §4.1/§3).
package process

import "time"

// Spec describes how to launch a child process. It is the immutable
// portion of a descriptor's configuration; the supervisor pairs it with
// mutable lifecycle fields (state, pid, restart_count, ...).
type Spec struct {
	Name       string
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Group      string

	// Priority orders group startup: within a procgroup.GroupSpec, lower
	// values start first. It has no effect outside group operations.
	Priority int

	// Detached controls session behavior on Unix: when true the child
	// starts a new session (setsid) instead of merely a new process
	// group. Most managed processes want the default (new process
	// group only) so that signals still reach descendants without
	// detaching the child from a future controlling terminal change.
	Detached bool

	// Hooks, when non-nil, run at the corresponding lifecycle phase.
	// This is a supplemental feature beyond the base descriptor model;
	// core spawn/stop semantics do not depend on it.
	Hooks *LifecycleHooks
}

// Validate checks the fields the core requires to be well-formed before a
// spawn is attempted. It does not touch the filesystem; working_dir and
// binary existence are discovered at spawn time and surface as
// SpawnFailed.
func (s Spec) Validate() error {
	if len(s.Command) == 0 {
		return errEmptyCommand
	}
	return nil
}

// ExitResult is delivered once, on the child's termination, via the
// channel returned by Handle.Done.
type ExitResult struct {
	// ExitCode mirrors spec.md §6's synthetic codes: 0..255 for a
	// program's own exit, -1 for spawn failure (not delivered through
	// this channel; see Spawn's error return), -2 for killed by the
	// supervisor (terminated by signal).
	ExitCode int
	Crashed  bool
	Signaled bool
	At       time.Time
	Err      error
}
