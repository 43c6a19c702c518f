package claims

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const countdownInterval = time.Second

// Tick is one countdown update. The final tick of a countdown has Expired set
// and Remaining zero.
type Tick struct {
	Remaining time.Duration
	Expired   bool
}

// Display renders the remaining time as HH:MM:SS.
func (t Tick) Display() string {
	return FormatRemaining(t.Remaining)
}

// FormatRemaining renders d as zero-padded HH:MM:SS, floored to whole seconds
// and clamped at zero.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// ResetAt is when a claim made at earliest becomes available again.
func ResetAt(earliest time.Time) time.Time {
	return earliest.Add(ResetWindow)
}

// Countdown drives at most one ticking display at a time. Starting a new
// countdown stops the previous one.
type Countdown struct {
	clock    Clock
	interval time.Duration

	mu   sync.Mutex
	stop context.CancelFunc
}

func NewCountdown(clock Clock) *Countdown {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Countdown{clock: clock, interval: countdownInterval}
}

// Start counts down to ResetAt(earliest). The returned channel receives a tick
// immediately, then one per interval, and is closed after the single expired
// tick or when the countdown is stopped.
func (c *Countdown) Start(ctx context.Context, earliest time.Time) <-chan Tick {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.stop = cancel
	c.mu.Unlock()

	out := make(chan Tick)
	go c.run(runCtx, cancel, ResetAt(earliest), out)
	return out
}

// Stop cancels the active countdown, if any.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

func (c *Countdown) run(ctx context.Context, cancel context.CancelFunc, resetAt time.Time, out chan<- Tick) {
	defer close(out)
	defer cancel()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		remaining := resetAt.Sub(c.clock.Now())
		tick := Tick{Remaining: remaining}
		if remaining <= 0 {
			tick = Tick{Expired: true}
		}

		select {
		case <-ctx.Done():
			return
		case out <- tick:
		}
		if tick.Expired {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}
