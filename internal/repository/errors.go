package repository

import "errors"

// Sentinel errors for store operations.
var (
	ErrEmptySessionID = errors.New("repository: session id must not be empty")
	ErrSaveFailed     = errors.New("repository: save failed")
)
