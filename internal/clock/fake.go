package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance in deadline order; they may schedule new
// timers but must not call Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	seq     int
}

type waiter struct {
	deadline time.Time
	seq      int
	fn       func()
	ch       chan time.Time
	interval time.Duration
	done     bool
}

// NewFake returns a FakeClock frozen at start.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f for now+d. A non-positive d runs f immediately.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	w := c.add(&waiter{fn: f}, d)
	return &Timer{stop: func() bool { return c.cancel(w) }}
}

// NewTicker registers a periodic waiter.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	w := c.add(&waiter{ch: ch, interval: d}, d)
	return &Ticker{C: ch, stop: func() { c.cancel(w) }}
}

// Pending returns the number of timers and tickers still armed.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every waiter whose deadline falls
// inside the window, including waiters scheduled by callbacks that fire
// during this same Advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		fire, ok := c.popDue(target)
		if !ok {
			break
		}
		switch {
		case fire.fn != nil:
			fire.fn()
		case fire.ch != nil:
			select {
			case fire.ch <- fire.at:
			default:
			}
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

func (c *FakeClock) add(w *waiter, d time.Duration) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	w.seq = c.seq
	w.deadline = c.now.Add(d)
	c.waiters = append(c.waiters, w)
	return w
}

func (c *FakeClock) cancel(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

type firing struct {
	at time.Time
	fn func()
	ch chan time.Time
}

// popDue takes the earliest due waiter, moves the clock to its deadline and
// re-arms it in place when periodic.
func (c *FakeClock) popDue(target time.Time) (firing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
	sort.Slice(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return firing{}, false
	}

	w := c.waiters[0]
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	fire := firing{at: w.deadline, fn: w.fn, ch: w.ch}
	if w.interval > 0 {
		c.seq++
		w.seq = c.seq
		w.deadline = w.deadline.Add(w.interval)
	} else {
		w.done = true
	}
	return fire, true
}
