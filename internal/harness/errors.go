package harness

import "errors"

var (
	// ErrCapacityExceeded is returned when a launch would exceed the trial
	// budget. The offer loop checks the budget before every launch, so
	// hitting this error means the bookkeeping went wrong; callers treat
	// it as fatal.
	ErrCapacityExceeded = errors.New("trial capacity exceeded")

	// ErrUnknownTask is returned for status updates naming a task this run
	// never launched. Safe to log and drop.
	ErrUnknownTask = errors.New("unknown task")
)
