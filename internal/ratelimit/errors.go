package ratelimit

import "errors"

var (
	ErrInvalidLimit       = errors.New("rate limiter requires positive limit and window")
	ErrMissingRedisAddr   = errors.New("rate limiter redis addr is required")
	ErrBackendUnavailable = errors.New("rate limiter backend unavailable")
)
