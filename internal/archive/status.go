package archive

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusDownloading, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from one status to another.
// Every job passes through downloading exactly once before a terminal state.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusDownloading
	case JobStatusDownloading:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// CheckTransition returns ErrTerminalState or ErrInvalidTransition when the
// move is not allowed.
func CheckTransition(from, to JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return ErrTerminalState
	}
	return ErrInvalidTransition
}
