package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sentryd/internal/clock"
)

// GraceWindow bounds how far in the past a missed firing may still be
// caught up on restart (spec.md §4.3 "Missed fires"), default 60s.
const GraceWindow = 60 * time.Second

// Launcher is the narrow surface the scheduler needs from the supervisor:
// fire a uniquely-named launch from a schedule's Target. The scheduler
// never holds its own lock while calling Launch (spec.md §5).
type Launcher interface {
	Launch(name string, target Target) error
}

// Scheduler owns the trigger set and the single firing loop that wakes at
// the earliest NextRun across all enabled schedules.
type Scheduler struct {
	clock    clock.Clock
	launcher Launcher

	mu        sync.Mutex
	schedules map[string]*Schedule
	wake      chan struct{}
}

// New returns a Scheduler that launches through launcher, using c as its
// time source (clock.Real{} in production, a clock.Fake in tests).
func New(c clock.Clock, launcher Launcher) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		clock:     c,
		launcher:  launcher,
		schedules: make(map[string]*Schedule),
		wake:      make(chan struct{}, 1),
	}
}

// Add validates expr and inserts s into the trigger set, computing NextRun
// as the first fire time after now. Any NextRun on the input is replaced;
// the GraceWindow check for missed fires happens when Run fires a schedule,
// not here.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("scheduler: schedule name is required")
	}
	if err := parse(&sched); err != nil {
		return err
	}

	now := s.clock.Now()
	sched.NextRun = next(&sched, now)

	s.mu.Lock()
	if _, exists := s.schedules[sched.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: schedule %q already exists", sched.Name)
	}
	cp := sched
	s.schedules[sched.Name] = &cp
	s.mu.Unlock()

	s.nudge()
	return nil
}

// Restore inserts sched into the trigger set as-is, preserving its
// LastRun/NextRun/RunCount from a persisted record instead of recomputing
// them from now (spec.md §4.3 "Missed fires": a schedule whose NextRun
// was persisted before a restart must keep that value so fireDue's
// grace-window check, not Add's fresh-now computation, decides whether
// it fires immediately or is skipped). A zero NextRun is treated as
// "never scheduled" and computed fresh, same as Add.
func (s *Scheduler) Restore(sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("scheduler: schedule name is required")
	}
	if err := parse(&sched); err != nil {
		return err
	}
	if sched.NextRun.IsZero() {
		sched.NextRun = next(&sched, s.clock.Now())
	}

	s.mu.Lock()
	if _, exists := s.schedules[sched.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: schedule %q already exists", sched.Name)
	}
	cp := sched
	s.schedules[sched.Name] = &cp
	s.mu.Unlock()

	s.nudge()
	return nil
}

// Enable re-activates a disabled schedule, recomputing NextRun from now
// (spec.md §8 "Disable(s); Enable(s) restores firing with next_run
// recomputed from now").
func (s *Scheduler) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("scheduler: schedule %q not found", name)
	}
	sched.Enabled = true
	sched.NextRun = next(sched, s.clock.Now())
	s.nudgeLocked()
	return nil
}

// Disable removes name from the trigger set but preserves its record.
func (s *Scheduler) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("scheduler: schedule %q not found", name)
	}
	sched.Enabled = false
	return nil
}

// Remove deletes a schedule's record entirely.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return fmt.Errorf("scheduler: schedule %q not found", name)
	}
	delete(s.schedules, name)
	return nil
}

// Get returns a copy of the named schedule's current record.
func (s *Scheduler) Get(name string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[name]
	if !ok {
		return Schedule{}, false
	}
	return *sched, true
}

// List returns a snapshot of every schedule, ordered by name.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) nudge() {
	s.mu.Lock()
	s.nudgeLocked()
	s.mu.Unlock()
}

func (s *Scheduler) nudgeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the single firing loop. It blocks until ctx signals Done, waking
// whenever the earliest enabled NextRun arrives or the trigger set
// changes. Each firing computes a unique launch name and calls Launch
// without holding the scheduler lock; a Launch failure is logged and does
// not stop next_run/run_count from advancing (spec.md §7 "User-visible
// behavior").
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextWait()
		var timer <-chan time.Time
		if wait != nil {
			timer = s.clock.After(*wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer:
			s.fireDue()
		}
	}
}

// nextWait returns the duration until the earliest enabled NextRun, or nil
// if there is nothing to wait for.
func (s *Scheduler) nextWait() *time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var earliest time.Time
	found := false
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRun.IsZero() {
			continue
		}
		if !found || sched.NextRun.Before(earliest) {
			earliest = sched.NextRun
			found = true
		}
	}
	if !found {
		return nil
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}

// fireDue fires every enabled schedule whose NextRun is due, skipping ones
// whose missed window has expired.
func (s *Scheduler) fireDue() {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRun.IsZero() {
			continue
		}
		if !sched.NextRun.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fireOne(sched, now)
	}
}

func (s *Scheduler) fireOne(sched *Schedule, now time.Time) {
	s.mu.Lock()
	scheduledAt := sched.NextRun
	missed := now.Sub(scheduledAt)
	skip := missed > GraceWindow
	s.mu.Unlock()

	base := fmt.Sprintf("%s-%s", sched.Name, now.Format("20060102-150405"))
	launchName := base
	s.mu.Lock()
	if sched.lastLaunchBase == base {
		// Two fires landed in the same wall-clock second (e.g. a
		// sub-second Interval schedule); disambiguate with a short
		// uuid suffix instead of colliding on the timestamp name.
		launchName = base + "-" + uuid.NewString()[:8]
	}
	sched.lastLaunchBase = base
	s.mu.Unlock()

	if !skip {
		if err := s.launcher.Launch(launchName, sched.Target); err != nil {
			slog.Warn("scheduler: launch failed", "schedule", sched.Name, "error", err)
		}
	} else {
		slog.Warn("scheduler: missed firing beyond grace window, skipping", "schedule", sched.Name, "missed_by", missed)
	}

	s.mu.Lock()
	sched.LastRun = now
	sched.RunCount++
	// Recompute from the scheduled time, not from now, so a slow tick
	// does not compress the remaining cadence (spec.md §4.3).
	sched.NextRun = next(sched, scheduledAt)
	s.mu.Unlock()
}
