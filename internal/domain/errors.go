// internal/domain/errors.go
package domain

import "errors"

// ErrUnauthorized is returned by the backend client when the API responds with HTTP 401.
// Callers can check for it using errors.Is to trigger token refresh or re-auth.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInitiation is returned when the call that starts a login challenge fails.
// No polling happens after it.
var ErrInitiation = errors.New("login challenge could not be started")

// ErrTransport wraps a network or HTTP failure that ended a polling session.
var ErrTransport = errors.New("transport failure")

// ErrTimeout is returned when a polling session used up its attempt budget
// without the remote side confirming.
var ErrTimeout = errors.New("login confirmation timed out")

// ErrSuperseded is returned by a session that was cancelled because a newer
// session for the same operation was started.
var ErrSuperseded = errors.New("superseded by a newer login attempt")
