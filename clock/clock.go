// Package clock abstracts time so the scheduler's timers, sweeps and ledger
// polling can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the settlement pipeline uses.
type Clock interface {
	Now() time.Time
	// After delivers the current time on the returned channel once d elapses.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d elapses.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// Ticker delivers periodic ticks on C.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
