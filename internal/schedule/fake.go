package schedule

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. Advance moves the
// current time forward and fires any tickers or timers whose deadline has
// passed. Tick delivery is synchronous so a test can Advance and then
// observe the side effects without sleeping.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *FakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due tickers and timers.
// Ticks that would overlap an unconsumed one are dropped, matching the
// behavior of time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	tickers := append([]*fakeTicker(nil), f.tickers...)
	timers := append([]*fakeTimer(nil), f.timers...)
	f.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
	for _, t := range timers {
		t.fire(now)
	}
}

// BlockUntil is a convenience for tests that need goroutines to observe a
// tick before the next Advance. It simply yields for the given duration of
// real time.
func (f *FakeClock) BlockUntil(d time.Duration) {
	time.Sleep(d)
}

type fakeTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.stopped && !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.interval)
	}
}

type fakeTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	fired    bool
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fired := t.fired
	t.stopped = true
	return !fired
}

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped && !t.fired && !t.deadline.After(now) {
		t.fired = true
		select {
		case t.ch <- t.deadline:
		default:
		}
	}
}
