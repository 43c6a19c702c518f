package claims

import (
	"sync"
	"time"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now.UTC(), ticks: make(chan time.Time)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	return fakeTicker{c: f.ticks}
}

// Set moves the clock without firing tickers.
func (f *fakeClock) Set(now time.Time) {
	f.mu.Lock()
	f.now = now.UTC()
	f.mu.Unlock()
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Tick advances the clock and delivers one tick to the running ticker.
func (f *fakeClock) Tick(d time.Duration) {
	f.Advance(d)
	f.ticks <- f.Now()
}

type fakeTicker struct {
	c chan time.Time
}

func (t fakeTicker) C() <-chan time.Time { return t.c }

func (t fakeTicker) Stop() {}
