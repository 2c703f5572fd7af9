// Package clock abstracts time so every deadline, ticker and TTL in the
// control plane can be driven deterministically in tests.
package clock

import "time"

// Clock is injected wherever a component would call time.Now, time.AfterFunc
// or time.NewTicker directly.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from firing. It returns false if the timer
// already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped. C has capacity 1; slow consumers
// miss ticks rather than queue them.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
