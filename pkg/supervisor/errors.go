package supervisor

import "errors"

// Sentinel errors identifying the Supervisor's well-known failure
// conditions, testable with errors.Is rather than string matching.
var (
	ErrSlotOccupied       = errors.New("supervisor: slot occupied by another job")
	ErrUnknownEnvironment = errors.New("supervisor: unknown environment")
	ErrJobNotFound        = errors.New("supervisor: job not running")
)
