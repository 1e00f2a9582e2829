package persist

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of work per key: each Schedule cancels and
// replaces the key's pending timer, so only the trailing edge of a burst
// fires. Flush runs every pending task immediately, which shutdown and room
// teardown use to bound the data-loss window to the debounce delay.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func(key string)
	timers  map[string]*time.Timer
	stopped bool
}

// NewDebouncer constructs a debouncer invoking fn per coalesced key.
func NewDebouncer(delay time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		fn:     fn,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the timer for key.
func (d *Debouncer) Schedule(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		_, pending := d.timers[key]
		delete(d.timers, key)
		d.mu.Unlock()
		if pending {
			d.fn(key)
		}
	})
}

// Cancel drops any pending task for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
		delete(d.timers, key)
	}
}

// FlushKey runs the pending task for key now, if any.
func (d *Debouncer) FlushKey(key string) {
	d.mu.Lock()
	timer, ok := d.timers[key]
	if ok {
		timer.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
	if ok {
		d.fn(key)
	}
}

// Flush runs every pending task now.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.timers))
	for key, timer := range d.timers {
		timer.Stop()
		keys = append(keys, key)
	}
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()
	for _, key := range keys {
		d.fn(key)
	}
}

// Stop flushes pending tasks and rejects further scheduling.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush()
}
