package streamer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidField      = errors.New("invalid field")
	ErrDuplicateID       = errors.New("session id already exists")
	ErrNotFound          = errors.New("session not found")
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTooManySessions is the MaxSessions flavour of ErrResourceExhausted.
	ErrTooManySessions = fmt.Errorf("too many sessions: %w", ErrResourceExhausted)
	ErrClosed          = errors.New("streamer manager closed")
)
