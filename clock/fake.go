package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance in deadline order, so they must not call
// Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	interval time.Duration // non-zero for tickers
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake returns a FakeClock starting at initial.
func NewFake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	w := &waiter{fn: f}
	c.mu.Lock()
	w.deadline = c.now.Add(d)
	if d <= 0 {
		w.fired = true
		c.mu.Unlock()
		f()
		return &fakeTimer{clock: c, w: w}
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return &fakeTimer{clock: c, w: w}
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	w := &waiter{interval: d, ch: make(chan time.Time, 1)}
	c.mu.Lock()
	w.deadline = c.now.Add(d)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return &fakeTicker{clock: c, w: w}
}

// Pending returns the number of timers and tickers still waiting to fire.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every waiter whose deadline is
// reached. Tickers fire at most once per Advance; a slow consumer drops ticks
// like time.Ticker does.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	var due []*waiter
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if !w.deadline.After(target) {
			due = append(due, w)
		}
		live = append(live, w)
	}
	c.waiters = live
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	c.now = target
	var callbacks []func()
	for _, w := range due {
		if w.interval > 0 {
			for !w.deadline.After(target) {
				w.deadline = w.deadline.Add(w.interval)
			}
			select {
			case w.ch <- target:
			default:
			}
			continue
		}
		w.fired = true
		if w.fn != nil {
			callbacks = append(callbacks, w.fn)
			continue
		}
		w.ch <- target
	}
	c.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

type fakeTimer struct {
	clock *FakeClock
	w     *waiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped || t.w.fired {
		return false
	}
	t.w.stopped = true
	return true
}

type fakeTicker struct {
	clock *FakeClock
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.w.stopped = true
	t.clock.mu.Unlock()
}
