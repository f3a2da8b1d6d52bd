package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/eventbus"
	rtsup "autoposter/internal/runtime/supervisor"
	logx "autoposter/pkg/logx"
)

// lane is a FIFO of tasks sharing one ConcurrencyKey, drained by one goroutine.
type lane struct {
	key string
	q   chan queuedTask
}

// laneLocked returns the lane for key, starting it on first use. s.mu must be held.
func (s *Service) laneLocked(key string) *lane {
	if l := s.lanes[key]; l != nil {
		return l
	}
	l := &lane{key: key, q: make(chan queuedTask, s.cfg.LaneQueueSize)}
	s.lanes[key] = l

	stopCh := s.stopCh
	permits := s.permits
	s.sup.GoRestart("lane."+key, func(ctx context.Context) error {
		s.drain(ctx, stopCh, permits, l)
		return nil
	}, rtsup.RestartPolicy{MinBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second})
	return l
}

func (s *Service) drain(ctx context.Context, stopCh <-chan struct{}, permits chan struct{}, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-l.q:
			// Dequeue first, then wait for a global permit.
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-permits:
			}
			s.inFlight.Add(1)
			s.execOne(ctx, l.key, qt)
			s.inFlight.Add(-1)
			permits <- struct{}{}
		}
	}
}

func (s *Service) execOne(ctx context.Context, key string, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	if s.cfg.MaxQueueDelay > 0 && queueDelay > s.cfg.MaxQueueDelay {
		s.dropped.Add(1)
		s.droppedStale.Add(1)
		s.publish(eventbus.TaskDropped, start, TaskEvent{ID: t.ID, Name: t.Name, Lane: key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.log.Warn("task dropped: stale queue", logx.String("task", t.Name), logx.String("lane", key), logx.Duration("queue_delay", queueDelay))
		s.remember(HistoryItem{ID: t.ID, Name: t.Name, Lane: key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.mu.Lock()
		drop := s.onDrop
		s.mu.Unlock()
		if drop != nil {
			drop(t.Name, queueDelay)
		}
		return
	}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("lane", key), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Lane: key, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	// A panicking task must not take the lane down with it.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return t.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Lane: key, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Lane: key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}
	s.remember(item)
}
