package ducking

import "time"

// Clock abstracts wall-clock access so tests can assert ramp interpolation at
// exact simulated instants instead of sleeping in real time.
type Clock func() time.Time

// CancelFunc stops a pending deferred call. Calling it after the call has
// already fired is a no-op. Safe to call more than once.
type CancelFunc func() bool

// Scheduler abstracts deferred execution for hold timers. The default
// implementation wraps time.AfterFunc; tests substitute a fake that lets the
// test drive timer firing deterministically alongside a fake [Clock].
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) CancelFunc
}

// realScheduler schedules onto the Go runtime timer wheel.
type realScheduler struct{}

// NewRealScheduler returns the production [Scheduler], backed by
// time.AfterFunc.
func NewRealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) AfterFunc(d time.Duration, f func()) CancelFunc {
	t := time.AfterFunc(d, f)
	return func() bool { return t.Stop() }
}
