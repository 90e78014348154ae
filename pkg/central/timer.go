package central

import "time"

// Timer is a cancellable single-fire delayed callback. Stop reports whether
// the call prevented the timer from firing; stopping an already-fired or
// already-stopped timer is a no-op.
type Timer interface {
	Stop() bool
}

// TimerFactory creates a timer that invokes fn once after d. Injected into
// the manager and peripherals so tests can drive timer firing manually.
type TimerFactory func(d time.Duration, fn func()) Timer

// afterFunc is the production TimerFactory. *time.Timer satisfies Timer.
func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
