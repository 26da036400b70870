package archive

import "errors"

var (
	// ErrJobNotFound is returned when a job ID is unknown to the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose ID is already taken.
	ErrJobExists = errors.New("job already exists")
	// ErrTerminalState is returned for any write to a completed or failed job.
	ErrTerminalState = errors.New("job already in terminal state")
	// ErrInvalidTransition is returned when a status change would skip a state.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrNoHandler is returned when no general-purpose handler is registered.
	ErrNoHandler = errors.New("no download handler available")
)
