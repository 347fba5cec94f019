package session

import "errors"

var (
	// ErrUnauthorized means the supplied token does not match the target
	// session. It deliberately reveals nothing else.
	ErrUnauthorized = errors.New("session: unauthorized")

	// ErrNotFound means the session does not exist, is closed, or has
	// expired.
	ErrNotFound = errors.New("session: not found")

	// ErrResourceExhausted means a per-session event or byte cap was hit.
	ErrResourceExhausted = errors.New("session: resource exhausted")

	// ErrQuotaExceeded means the owner already holds the maximum number
	// of active sessions.
	ErrQuotaExceeded = errors.New("session: quota exceeded")
)
