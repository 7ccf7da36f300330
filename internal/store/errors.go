package store

import "errors"

// Sentinel errors shared across the pipeline. Callers branch with errors.Is;
// background consumers treat ErrNotFound as a benign race (the item was
// deleted while a job for it was in flight).
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidInput  = errors.New("invalid input")
)
