package sessions

import "errors"

var (
	// ErrSessionRunning is returned when a start targets a session whose
	// runner is still active.
	ErrSessionRunning = errors.New("session is already running")
	// ErrSessionNotFound is returned for ids that are neither resident nor
	// known from history.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPermissionNotFound is returned when a response names a request that
	// is unknown or already resolved.
	ErrPermissionNotFound = errors.New("permission request not found")
	// ErrInvalidSessionID is returned for caller-supplied ids that are not
	// safe to use as identifiers.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrInvalidRequest is returned for malformed start parameters.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("session registry is closed")
)
