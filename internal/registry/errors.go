package registry

import "errors"

var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrUserMismatch  = errors.New("connection id already registered to another user")
)
