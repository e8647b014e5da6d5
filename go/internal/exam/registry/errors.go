package registry

import "errors"

var (
	// ErrDuplicateConnection is returned when a connection ID is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrUnknownConnection is returned when an operation references a
	// connection ID that was never registered (or already unregistered).
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrInvalidRole is returned when a registration carries a role outside
	// the teacher/student set.
	ErrInvalidRole = errors.New("invalid role")
)
