// Package procgroup provides bulk start/stop/status operations over a
// named set of descriptors sharing a logical group label (spec.md §4.1
// "Group operations" / the config-level [[groups]] block). It is a thin
// convenience layer over internal/supervisor; it holds no state of its
// own beyond the member list.
package procgroup

import (
	"fmt"
	"sort"
	"time"

	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/supervisor"
)

// GroupSpec names a set of process specs to be started, stopped, and
// queried together. Name is a diagnostic label; supervisor grouping for
// querying (supervisor.ListOptions.Group) is keyed off each member's own
// process.Spec.Group field, which the caller is expected to set to Name.
type GroupSpec struct {
	Name    string
	Members []process.Spec
}

// Group drives Start/Stop/Status for a GroupSpec against a Supervisor.
type Group struct {
	sup *supervisor.Supervisor
}

// New returns a Group bound to sup.
func New(sup *supervisor.Supervisor) *Group { return &Group{sup: sup} }

// Start starts every member in ascending Priority order (lower starts
// first; members sharing a priority keep their GroupSpec order). If any
// member fails to start, Start stops every member already started in
// this call (best-effort) and returns the triggering error.
func (g *Group) Start(gs GroupSpec) error {
	members := make([]process.Spec, len(gs.Members))
	copy(members, gs.Members)
	sort.SliceStable(members, func(i, j int) bool { return members[i].Priority < members[j].Priority })

	started := make([]string, 0, len(members))
	for _, m := range members {
		if _, err := g.sup.Start(m.Name, m); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = g.sup.Stop(started[i], supervisor.StopOptions{Grace: supervisor.DefaultGrace})
			}
			return fmt.Errorf("group %s start failed on %s: %w", gs.Name, m.Name, err)
		}
		started = append(started, m.Name)
	}
	return nil
}

// Stop stops every member regardless of state, best-effort, and returns
// the first error encountered.
func (g *Group) Stop(gs GroupSpec, grace time.Duration) error {
	var firstErr error
	for _, m := range gs.Members {
		if err := g.sup.Stop(m.Name, supervisor.StopOptions{Grace: grace}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns each member's current snapshot, keyed by name.
func (g *Group) Status(gs GroupSpec) (map[string]supervisor.Snapshot, error) {
	res := make(map[string]supervisor.Snapshot, len(gs.Members))
	for _, m := range gs.Members {
		snap, err := g.sup.Get(m.Name)
		if err != nil {
			return nil, err
		}
		res[m.Name] = snap
	}
	return res, nil
}
