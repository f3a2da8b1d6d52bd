package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/eventbus"
	rtsup "autoposter/internal/runtime/supervisor"
	logx "autoposter/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs tasks on per-key FIFO lanes bounded by a global permit pool.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	permits chan struct{}
	lanes   map[string]*lane
	onDrop  DropFunc

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "taskengine")),
		bus:   bus,
		lanes: map[string]*lane{},
	}
}

// OnDrop installs a callback for stale-queue drops. Unlike the bus event it is
// never lost.
func (s *Service) OnDrop(fn DropFunc) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// Start is idempotent. Lanes are created lazily by Enqueue.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	s.stopCh = make(chan struct{})
	s.permits = make(chan struct{}, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		s.permits <- struct{}{}
	}
	s.lanes = map[string]*lane{}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// lane failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)

	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("lane_queue", s.cfg.LaneQueueSize))
}

// Stop cancels all lanes and waits for in-flight tasks until ctx expires.
// Tasks still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue appends t to its lane without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.Wrap(ErrInvalid, "Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.Wrap(ErrInvalid, "Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	key := laneKey(t)

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	l := s.laneLocked(key)
	s.mu.Unlock()

	select {
	case l.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.onQueueFullDropped(now, t, key)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.stopCh != nil,
		Workers: s.cfg.Workers,
		Lanes:   make(map[string]int, len(s.lanes)),
	}
	for k, l := range s.lanes {
		snap.Lanes[k] = len(l.q)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap.InFlight = int(s.inFlight.Load())
	snap.Dropped = s.dropped.Load()
	snap.DroppedQueueFull = s.droppedQueueFull.Load()
	snap.DroppedStale = s.droppedStale.Load()
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) remember(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, key string) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Lane: key, Started: now, Error: "queue_full"})

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped: lane full",
			logx.String("task", t.Name),
			logx.String("lane", key),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func laneKey(t Task) string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return k
	}
	return t.Name
}
