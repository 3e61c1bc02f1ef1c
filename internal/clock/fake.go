package clock

import (
	"sync"
	"time"
)

// Fake is a Clock whose time only moves on Advance. Callbacks fire
// synchronously inside Advance, in deadline order, without the clock
// lock held, so a callback may schedule further callbacks.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
}

func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	f        func()
	done     bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), f: f}
	if d <= 0 {
		t.done = true
		c.mu.Unlock()
		f()
		return t
	}
	c.waiters = append(c.waiters, t)
	c.mu.Unlock()
	return t
}

// Advance moves time forward by d, firing every callback whose
// deadline is reached.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		next.done = true
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of scheduled callbacks that have not fired
// or been stopped.
func (c *Fake) Pending() int {
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

// popDue removes and returns the earliest live waiter due at or before
// target. Caller holds mu.
func (c *Fake) popDue(target time.Time) *fakeTimer {
	idx := -1
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
	for i, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if idx < 0 || w.deadline.Before(c.waiters[idx].deadline) {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	w := c.waiters[idx]
	c.waiters = append(c.waiters[:idx], c.waiters[idx+1:]...)
	return w
}
