package backup

import "errors"

var (
	ErrChatNotFound      = errors.New("chat not found")
	ErrCorruptSnapshot   = errors.New("corrupt snapshot")
	ErrAlreadyRegistered = errors.New("chat already registered for backup")
	ErrNotRegistered     = errors.New("chat not registered for backup")
	ErrAlreadyRunning    = errors.New("backup already running")
)

// Error is returned when a run fails before or after its batch loop.
type Error struct {
	ChatID string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return "backup " + e.ChatID + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
