package session

import "errors"

var (
	// ErrSessionNotFound is returned when an operation references a session
	// this coordinator has never seen.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a control action requests a
	// status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRejoinDenied is returned when a connection tries to join a session
	// that already reached the completed status.
	ErrRejoinDenied = errors.New("session already completed")

	// ErrDurationRequired is returned when a session is started without a
	// positive duration.
	ErrDurationRequired = errors.New("session duration must be positive")
)
