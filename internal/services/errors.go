package services

import "errors"

// Coordination error taxonomy. These are logic errors: they are returned to
// the caller as-is and never retried.
var (
	// ErrPeerSessionGone means the target of a mutual-sharing transition no
	// longer has a valid session (expired or deleted concurrently)
	ErrPeerSessionGone = errors.New("peer session gone")

	// ErrInvalidLocation means the coordinates are malformed or missing
	ErrInvalidLocation = errors.New("invalid location")

	// ErrSessionTaken means the session already has a joined friend
	ErrSessionTaken = errors.New("session already joined")

	// ErrAlreadyAvailable means the user has a live session for a different
	// activity and must stop it explicitly before joining another
	ErrAlreadyAvailable = errors.New("user already has an active session")
)
