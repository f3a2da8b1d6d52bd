// Package activity records scheduling and execution outcomes, one entry per
// event, in call order.
package activity

import (
	"context"
	"sync"
	"time"

	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

type Outcome string

const (
	Scheduled   Outcome = "scheduled"
	Posted      Outcome = "posted"
	SkippedAuth Outcome = "skipped_auth"
	Failed      Outcome = "failed"
)

type Record struct {
	At      time.Time
	JobID   string
	Channel string
	Outcome Outcome
	Detail  string
}

// Log appends records to a store. Writes are serialized so concurrent jobs
// never interleave, and a store error never reaches the caller.
type Log struct {
	mu    sync.Mutex
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger) *Log {
	return &Log{store: store, log: log.With(logx.String("comp", "activity")), now: time.Now}
}

func (l *Log) Record(ctx context.Context, r Record) {
	if r.At.IsZero() {
		r.At = l.now()
	}
	fields := []logx.Field{
		logx.String("job", r.JobID),
		logx.String("channel", r.Channel),
		logx.String("outcome", string(r.Outcome)),
	}
	if r.Detail != "" {
		fields = append(fields, logx.String("detail", r.Detail))
	}
	if r.Outcome == Failed {
		l.log.Warn("activity", fields...)
	} else {
		l.log.Info("activity", fields...)
	}

	if l.store == nil {
		return
	}
	// Detach from job cancellation so a timed-out job still gets its record.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.store.AppendActivity(ctx, storage.ActivityEntry{
		At:      r.At,
		JobID:   r.JobID,
		Channel: r.Channel,
		Outcome: string(r.Outcome),
		Detail:  r.Detail,
	})
	if err != nil {
		l.log.Error("activity append failed", logx.Err(err), logx.String("job", r.JobID))
	}
}
