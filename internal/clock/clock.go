// Package clock provides the wall-clock source used outside tests.
package clock

import "time"

// System reads the real wall clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }
