package auth

import "errors"

var ErrMissingSecret = errors.New("auth secret is required")
