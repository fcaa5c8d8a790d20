package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Dispatcher hands a callback to the goroutine that owns the session state.
type Dispatcher func(func())

// Countdown drives one phase-bound countdown at a time with one-second resolution.
// Callbacks are passed to the dispatcher and become no-ops once the countdown
// they belong to has been cancelled or replaced.
type Countdown struct {
	clock    clockwork.Clock
	dispatch Dispatcher

	mu       sync.Mutex
	gen      uint64
	timer    clockwork.Timer
	deadline time.Time
	running  bool
}

// New returns a countdown on the given clock. A nil dispatcher runs callbacks on the timer goroutine.
func New(clk clockwork.Clock, dispatch Dispatcher) *Countdown {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	return &Countdown{clock: clk, dispatch: dispatch}
}

// Start cancels any active countdown and begins a new one. onTick receives every
// remaining value above zero; onExpire runs once when the countdown reaches zero.
func (c *Countdown) Start(seconds int, onTick func(remaining int), onExpire func()) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen

	if seconds <= 0 {
		c.mu.Unlock()
		c.dispatch(func() {
			if c.live(gen) {
				onExpire()
			}
		})
		return
	}

	c.deadline = c.clock.Now().Add(time.Duration(seconds) * time.Second)
	c.running = true
	c.timer = c.clock.AfterFunc(time.Second, func() { c.step(gen, onTick, onExpire) })
	c.mu.Unlock()
}

// Cancel stops the active countdown. Calling it on a stopped countdown is a no-op.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	c.mu.Unlock()
}

// Remaining reports the whole seconds left, rounded up, or zero when stopped.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	return ceilSeconds(c.deadline.Sub(c.clock.Now()))
}

func (c *Countdown) step(gen uint64, onTick func(int), onExpire func()) {
	c.mu.Lock()
	if gen != c.gen || !c.running {
		c.mu.Unlock()
		return
	}

	left := c.deadline.Sub(c.clock.Now())
	remaining := ceilSeconds(left)
	if remaining <= 0 {
		c.running = false
		c.timer = nil
		c.mu.Unlock()
		c.dispatch(func() {
			if c.live(gen) {
				onExpire()
			}
		})
		return
	}

	// next step lands when the remaining whole-second count drops by one
	next := left - time.Duration(remaining-1)*time.Second
	c.timer = c.clock.AfterFunc(next, func() { c.step(gen, onTick, onExpire) })
	c.mu.Unlock()

	if onTick == nil {
		return
	}
	c.dispatch(func() {
		if c.live(gen) {
			onTick(remaining)
		}
	})
}

func (c *Countdown) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Countdown) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.running = false
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
