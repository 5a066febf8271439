// Package daemon wires the supervision core, the scheduler, the event
// bus, the persistence port, and the optional auth/history/metrics
// collaborators into one runnable unit (spec.md §1's "external
// collaborators" around the core). cmd/sentryd is a thin CLI/REST
// frontend over this package; it holds no core logic of its own.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sentryd/internal/auth"
	"github.com/loykin/sentryd/internal/clock"
	"github.com/loykin/sentryd/internal/config"
	"github.com/loykin/sentryd/internal/eventbus"
	"github.com/loykin/sentryd/internal/history"
	historyfactory "github.com/loykin/sentryd/internal/history/factory"
	"github.com/loykin/sentryd/internal/metrics"
	"github.com/loykin/sentryd/internal/policy"
	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/procgroup"
	"github.com/loykin/sentryd/internal/scheduler"
	"github.com/loykin/sentryd/internal/store"
	storefactory "github.com/loykin/sentryd/internal/store/factory"
	"github.com/loykin/sentryd/internal/supervisor"
)

// App bundles one supervisor instance with everything that drives or
// observes it: the scheduler firing into it, the event bus fanning its
// lifecycle out, and the persistence/auth/history collaborators that
// listen on that bus or gate its REST surface.
type App struct {
	cfg *config.Config

	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler
	bus   *eventbus.Bus
	group *procgroup.Group

	groupSpecs map[string]procgroup.GroupSpec

	store   store.Store
	history history.Sink
	auth    *auth.AuthService
}

// New constructs an App from a loaded config, restoring any persisted
// catalog before returning (spec.md §6 "LoadAll is called once at
// startup to repopulate the in-memory core").
func New(cfg *config.Config) (*App, error) {
	bus := eventbus.New(0)
	engine := policy.NewEngine(clock.Real{})
	for name, p := range cfg.NamedPolicies {
		if err := engine.Register(p); err != nil {
			return nil, fmt.Errorf("register policy %s: %w", name, err)
		}
	}

	collector := metrics.NewCollector()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sup := supervisor.New(clock.Real{}, bus, engine, collector)
	sched := scheduler.New(clock.Real{}, launcherAdapter{sup: sup})

	groupSpecs := make(map[string]procgroup.GroupSpec, len(cfg.GroupSpecs))
	for _, gs := range cfg.GroupSpecs {
		groupSpecs[gs.Name] = gs
	}

	app := &App{
		cfg:        cfg,
		sup:        sup,
		sched:      sched,
		bus:        bus,
		group:      procgroup.New(sup),
		groupSpecs: groupSpecs,
	}

	if cfg.Store != nil {
		st, err := storefactory.NewFromDSN(dsnFor(*cfg.Store))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := st.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("ensure store schema: %w", err)
		}
		app.store = st
	}

	if cfg.History != nil && cfg.History.Enabled {
		sink, err := historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		app.history = sink
	}

	if cfg.Auth != nil {
		svc, err := auth.NewAuthService(*cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("init auth: %w", err)
		}
		app.auth = svc
	}

	if err := app.restore(); err != nil {
		return nil, err
	}

	for _, spec := range cfg.Specs {
		if _, ok := groupMember(cfg, spec.Name); ok {
			continue
		}
		if _, err := app.StartProcess(spec); err != nil {
			return nil, fmt.Errorf("start %s: %w", spec.Name, err)
		}
	}
	for _, gs := range cfg.GroupSpecs {
		if err := app.group.Start(gs); err != nil {
			return nil, fmt.Errorf("start group %s: %w", gs.Name, err)
		}
		for _, m := range gs.Members {
			app.persistDescriptor(m.Name)
		}
	}
	for _, sched := range cfg.Schedules {
		if err := app.AddSchedule(sched); err != nil {
			return nil, fmt.Errorf("add schedule %s: %w", sched.Name, err)
		}
	}

	return app, nil
}

// launcherAdapter satisfies scheduler.Launcher over *supervisor.Supervisor:
// the two packages deliberately don't depend on each other's types
// (scheduler.Target vs supervisor.LaunchTarget), so this is the one place
// that bridges them.
type launcherAdapter struct {
	sup *supervisor.Supervisor
}

func (l launcherAdapter) Launch(name string, target scheduler.Target) error {
	return l.sup.Launch(name, supervisor.LaunchTarget{
		Command:    target.Command,
		Args:       target.Args,
		WorkingDir: target.WorkingDir,
		Env:        target.Env,
		Group:      target.Group,
	})
}

// groupMember reports whether name is already covered by a configured
// group, so New doesn't double-start it via both the flat spec list and
// the group start loop.
func groupMember(cfg *config.Config, name string) (string, bool) {
	for _, gs := range cfg.GroupSpecs {
		for _, m := range gs.Members {
			if m.Name == name {
				return gs.Name, true
			}
		}
	}
	return "", false
}

func dsnFor(c store.Config) string {
	if c.DSN != "" {
		return c.DSN
	}
	return c.Path
}

// restore repopulates the scheduler's trigger set from the persisted
// catalog (spec.md §4.3 missed-fire catch-up needs the persisted
// next_run, not a freshly computed one) and logs any previously running
// descriptors the persisted catalog still lists — they are not
// respawned automatically; config-declared specs are the source of
// truth for what should be running after a restart.
func (a *App) restore() error {
	if a.store == nil {
		return nil
	}
	catalog, err := a.store.LoadAll(context.Background())
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	for _, rec := range catalog.Schedules {
		var target scheduler.Target
		if err := json.Unmarshal(rec.TargetJSON, &target); err != nil {
			slog.Warn("daemon: dropping schedule with unreadable target", "schedule", rec.Name, "error", err)
			continue
		}
		sched := scheduler.Schedule{
			Name:       rec.Name,
			Kind:       scheduler.Kind(rec.Kind),
			Expression: rec.Expression,
			Target:     target,
			Enabled:    rec.Enabled,
			LastRun:    rec.LastRun,
			NextRun:    rec.NextRun,
			RunCount:   rec.RunCount,
		}
		if err := a.sched.Restore(sched); err != nil {
			return fmt.Errorf("restore schedule %s: %w", rec.Name, err)
		}
	}
	for _, rec := range catalog.Descriptors {
		slog.Info("daemon: persisted descriptor found at startup, not auto-respawned", "name", rec.Name, "last_state", rec.State)
	}
	// Named policies are config's responsibility (cfg.NamedPolicies, loaded
	// above in New); persisted PolicyRecord rows exist so a store-backed
	// deployment keeps history of what a descriptor was bound to, not as a
	// second source of truth to replay at startup.
	return nil
}

// Supervisor returns the underlying process registry for read-only
// queries (List/Get/MetricsFor/OutputFor/ListMatch).
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Scheduler returns the underlying trigger set for read-only queries.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Events returns the shared event bus.
func (a *App) Events() *eventbus.Bus { return a.bus }

// Auth returns the configured auth service, or nil if auth is disabled.
func (a *App) Auth() *auth.AuthService { return a.auth }

// GroupSpec looks up a configured group by name.
func (a *App) GroupSpec(name string) (procgroup.GroupSpec, bool) {
	gs, ok := a.groupSpecs[name]
	return gs, ok
}

// StartProcess starts (or restarts a terminal) descriptor and persists
// its record if a store is configured (spec.md §6 "transactional
// single-row saves on mutation").
func (a *App) StartProcess(spec process.Spec) (supervisor.Snapshot, error) {
	snap, err := a.sup.Start(spec.Name, spec)
	a.persistDescriptor(spec.Name)
	return snap, err
}

// StopProcess stops a descriptor by exact name.
func (a *App) StopProcess(name string, opts supervisor.StopOptions) error {
	err := a.sup.Stop(name, opts)
	a.persistDescriptor(name)
	return err
}

// StopMatch stops every descriptor whose name matches a wildcard
// pattern.
func (a *App) StopMatch(pattern string, opts supervisor.StopOptions) error {
	for _, snap := range a.sup.ListMatch(pattern) {
		a.persistDescriptor(snap.Name)
	}
	return a.sup.StopMatch(pattern, opts)
}

// RestartProcess stops then restarts a descriptor, preserving its spec.
func (a *App) RestartProcess(name string) (supervisor.Snapshot, error) {
	snap, err := a.sup.Restart(name)
	a.persistDescriptor(name)
	return snap, err
}

// RemoveProcess stops (if needed) and forgets a descriptor, deleting its
// persisted record.
func (a *App) RemoveProcess(name string) error {
	if err := a.sup.Remove(name); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.DeleteDescriptor(context.Background(), name); err != nil {
			slog.Warn("daemon: delete descriptor record failed", "name", name, "error", err)
		}
	}
	return nil
}

// GroupStart starts every member of a configured group, in Priority
// order.
func (a *App) GroupStart(name string) error {
	gs, ok := a.groupSpecs[name]
	if !ok {
		return fmt.Errorf("daemon: group %q not found", name)
	}
	if err := a.group.Start(gs); err != nil {
		return err
	}
	for _, m := range gs.Members {
		a.persistDescriptor(m.Name)
	}
	return nil
}

// GroupStop stops every member of a configured group.
func (a *App) GroupStop(name string, grace time.Duration) error {
	gs, ok := a.groupSpecs[name]
	if !ok {
		return fmt.Errorf("daemon: group %q not found", name)
	}
	err := a.group.Stop(gs, grace)
	for _, m := range gs.Members {
		a.persistDescriptor(m.Name)
	}
	return err
}

// GroupStatus returns each group member's current snapshot.
func (a *App) GroupStatus(name string) (map[string]supervisor.Snapshot, error) {
	gs, ok := a.groupSpecs[name]
	if !ok {
		return nil, fmt.Errorf("daemon: group %q not found", name)
	}
	return a.group.Status(gs)
}

// AddSchedule inserts a new trigger and persists it.
func (a *App) AddSchedule(sched scheduler.Schedule) error {
	if err := a.sched.Add(sched); err != nil {
		return err
	}
	a.persistSchedule(sched.Name)
	return nil
}

// EnableSchedule re-activates a disabled schedule.
func (a *App) EnableSchedule(name string) error {
	if err := a.sched.Enable(name); err != nil {
		return err
	}
	a.persistSchedule(name)
	return nil
}

// DisableSchedule deactivates a schedule without forgetting it.
func (a *App) DisableSchedule(name string) error {
	if err := a.sched.Disable(name); err != nil {
		return err
	}
	a.persistSchedule(name)
	return nil
}

// RemoveSchedule deletes a schedule's record entirely.
func (a *App) RemoveSchedule(name string) error {
	if err := a.sched.Remove(name); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.DeleteSchedule(context.Background(), name); err != nil {
			slog.Warn("daemon: delete schedule record failed", "name", name, "error", err)
		}
	}
	return nil
}

func (a *App) persistDescriptor(name string) {
	if a.store == nil {
		return
	}
	snap, err := a.sup.Get(name)
	if err != nil {
		return
	}
	spec, _ := a.sup.SpecFor(name)
	rec := store.DescriptorRecord{
		Name:         snap.Name,
		Command:      spec.Command,
		Args:         spec.Args,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		Group:        snap.Group,
		State:        string(snap.State),
		PID:          snap.PID,
		ExitCode:     snap.ExitCode,
		RestartCount: snap.RestartCount,
		StartedAt:    snap.StartedAt,
		StoppedAt:    snap.StoppedAt,
	}
	if err := a.store.SaveDescriptor(context.Background(), rec); err != nil {
		slog.Warn("daemon: save descriptor record failed", "name", name, "error", err)
	}
}

func (a *App) persistSchedule(name string) {
	if a.store == nil {
		return
	}
	sched, ok := a.sched.Get(name)
	if !ok {
		return
	}
	targetJSON, err := json.Marshal(sched.Target)
	if err != nil {
		slog.Warn("daemon: marshal schedule target failed", "name", name, "error", err)
		return
	}
	rec := store.ScheduleRecord{
		Name:       sched.Name,
		Kind:       string(sched.Kind),
		Expression: sched.Expression,
		TargetJSON: targetJSON,
		Enabled:    sched.Enabled,
		LastRun:    sched.LastRun,
		NextRun:    sched.NextRun,
		RunCount:   sched.RunCount,
	}
	if err := a.store.SaveSchedule(context.Background(), rec); err != nil {
		slog.Warn("daemon: save schedule record failed", "name", name, "error", err)
	}
}

// Run starts the scheduler's firing loop and the supervisor's monitor
// loop, blocking until ctx is done, then performs an orderly shutdown:
// the supervisor stops every live descriptor before Run returns
// (spec.md §5), after which the store and history sink are closed.
func (a *App) Run(ctx context.Context) error {
	go a.sched.Run(ctx)
	if a.history != nil {
		go a.forwardHistory(ctx)
	}

	err := a.sup.Run(ctx)

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if c, ok := a.history.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.auth != nil {
		_ = a.auth.Close()
	}
	return err
}

// forwardHistory fans Started/Stopped/Failed lifecycle events out to the
// optional long-term history sink, independent of the in-memory event
// bus any REST/SSE subscriber also reads from (spec.md §4 "History
// sinks").
func (a *App) forwardHistory(ctx context.Context) {
	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			var typ history.EventType
			switch evt.Kind {
			case eventbus.KindStarted:
				typ = history.EventStart
			case eventbus.KindStopped, eventbus.KindFailed:
				typ = history.EventStop
			default:
				continue
			}
			snap, err := a.sup.Get(evt.Name)
			if err != nil {
				continue
			}
			if err := a.history.Send(ctx, history.Event{Type: typ, OccurredAt: evt.At, Record: snap}); err != nil {
				slog.Warn("daemon: history sink send failed", "name", evt.Name, "error", err)
			}
		}
	}
}
