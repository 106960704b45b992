// Package clock abstracts wall-clock time so month-boundary logic is
// testable.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns a Clock backed by the real wall clock.
func System() Clock { return systemClock{} }
