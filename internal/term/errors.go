package term

import "errors"

// Sentinel errors for the term package.
var (
	// ErrUnknownSession is returned when an operation targets a session ID
	// that is not in the registry. Usually means "already closed", not a bug.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionClosed is returned when writing to or resizing a session
	// that has already exited or been closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrInvalidSize is returned for zero terminal dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)
