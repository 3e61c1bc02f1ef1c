package store

import (
	"sync"
	"time"

	"github.com/psds-microservice/crm-inbox/internal/clock"
)

// SearchDebounce is the delay applied to search input before a refetch.
const SearchDebounce = 500 * time.Millisecond

// Debouncer runs fn with the last value passed to Push once no new value
// has arrived for the configured delay.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func(string)

	mu    sync.Mutex
	timer clock.Timer
}

func NewDebouncer(c clock.Clock, delay time.Duration, fn func(string)) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

func (d *Debouncer) Push(value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fn(value) })
}

// Stop drops a pending call, if any.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
