package storage

import "errors"

var (
	ErrInvalidName        = errors.New("invalid file name")
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	ErrFileNotFound       = errors.New("file not found")
	ErrUnknownBackend     = errors.New("unknown storage backend")
)
