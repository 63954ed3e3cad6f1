package router

import "errors"

// ErrConnectionGone is returned when a handle disconnected while its join
// was being processed.
var ErrConnectionGone = errors.New("connection no longer registered")
