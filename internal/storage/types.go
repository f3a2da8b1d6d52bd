package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": text activity log plus an atomically rewritten JSON state file
//   - "sqlite": SQLite database file
//   - "memory": process-local, lost on exit
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActivityEntry is one line of the activity log.
type ActivityEntry struct {
	At      time.Time
	JobID   string
	Channel string
	Outcome string
	Detail  string
}
