package session

import "errors"

var (
	// ErrFatalConfiguration marks settings or collaborators that make a
	// session impossible. It is never retried.
	ErrFatalConfiguration = errors.New("fatal configuration error")
	// ErrTransientUpstream marks a recoverable upstream failure such as a
	// recognizer disconnect.
	ErrTransientUpstream = errors.New("transient upstream error")
	// ErrExhaustedRetry is reported when reconnection gave up. An explicit
	// Start is required to try again.
	ErrExhaustedRetry = errors.New("reconnection attempts exhausted")
	// ErrNotRunning is returned by controls that need an active session.
	ErrNotRunning = errors.New("session not running")
	// ErrAlreadyRunning is returned by Start on an active session.
	ErrAlreadyRunning = errors.New("session already running")
)
