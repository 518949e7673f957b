package types

import (
	"errors"
	"fmt"
)

// Operation-scoped errors. Handlers report these back to the requesting
// session only, they never terminate the connection.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrValidation      = errors.New("validation failed")
	ErrUnavailable     = errors.New("dependency unavailable")

	ErrRoomFull          = fmt.Errorf("room full: %w", ErrConflict)
	ErrNotAuthor         = fmt.Errorf("not the author: %w", ErrForbidden)
	ErrEditWindowExpired = errors.New("edit window expired")
)
