package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
//
// Workers bounds how many tasks run at once across all lanes. Tasks sharing a
// ConcurrencyKey always run one at a time, in enqueue order.
type Config struct {
	Workers int

	// LaneQueueSize bounds the backlog of a single lane.
	LaneQueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in their lane longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LaneQueueSize <= 0 {
		c.LaneQueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// DropFunc is told about a task discarded for waiting longer than
// MaxQueueDelay in its lane. It runs on the lane goroutine.
type DropFunc func(name string, queueDelay time.Duration)

// Task is a unit of work executed by the engine.
type Task struct {
	ID             string
	Name           string
	ConcurrencyKey string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Name       string
	Lane       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Lane       string        `json:"lane"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	InFlight int
	Lanes    map[string]int // lane -> queued

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	History []HistoryItem
}
