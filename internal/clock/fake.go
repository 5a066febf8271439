package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of the policy
// engine and scheduler. Advance delivers to every waiter whose deadline has
// elapsed.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	deadline := f.now.Add(d)
	if !deadline.After(f.now) {
		f.mu.Unlock()
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: deadline, ch: ch})
	f.mu.Unlock()
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{f: f, period: d, next: f.Now().Add(d), ch: make(chan time.Time, 1)}
}

// Advance moves the clock forward by d, firing any waiters registered via
// After whose deadline has now elapsed. Tickers from NewTicker are not fired.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !now.Before(w.deadline) {
			w.ch <- now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()
}

type fakeTicker struct {
	f      *Fake
	period time.Duration
	next   time.Time
	mu     sync.Mutex
	ch     chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// fire is a minimal manual-tick helper: it delivers one tick unless the
// ticker is stopped, dropping it if a tick is already pending. Fake.Advance
// does not call it.
func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
