// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/Dankin/vmware-kb/internal/kb"
)

// Clock implements kb.Clock with UTC wall time.
type Clock struct{}

var _ kb.Clock = Clock{}

// New returns a wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
