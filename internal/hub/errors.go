package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrHubStopped        = errors.New("hub has stopped and cannot be restarted")
	ErrNilConnection     = errors.New("connection cannot be nil")
)
