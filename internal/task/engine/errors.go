package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrQueueFull = errors.New("task engine lane queue full")
	ErrInvalid   = errors.New("invalid task")
)
