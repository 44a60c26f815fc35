// ABOUTME: Typed error taxonomy for the conversation engine
// ABOUTME: Session resolution and router failures get distinct, inspectable types

package engine

import "fmt"

// SessionNotFoundError indicates the session id resolves to nothing: never
// created, expired, or explicitly ended. Non-retryable.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// SessionConflictError indicates a session id collision across users: the
// session exists but belongs to someone else. Non-retryable.
type SessionConflictError struct {
	SessionID string
	UserID    string
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("session %s belongs to a different user than %s", e.SessionID, e.UserID)
}

// RouterUnavailableError indicates the external router failed twice for one
// turn. The engine degrades to a fallback response instead of surfacing this
// to the channel; it appears only in logs and internal accounting.
type RouterUnavailableError struct {
	Err error
}

func (e *RouterUnavailableError) Error() string {
	return fmt.Sprintf("router unavailable: %v", e.Err)
}

func (e *RouterUnavailableError) Unwrap() error { return e.Err }
