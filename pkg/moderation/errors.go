package moderation

import "errors"

// Terminal failure classes for moderation requests. Handlers match these with
// errors.Is to pick an HTTP status; the error string carries the
// operator-facing message.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnauthorized = errors.New("unauthorized")
)

type reasonError struct {
	sentinel error
	msg      string
}

func (e *reasonError) Error() string { return e.msg }
func (e *reasonError) Unwrap() error { return e.sentinel }

// reasoned attaches a user-facing message to one of the sentinel classes.
func reasoned(sentinel error, msg string) error {
	return &reasonError{sentinel: sentinel, msg: msg}
}
