package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"autoposter/internal/eventbus"
	rtsup "autoposter/internal/runtime/supervisor"
	logx "autoposter/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	a   Alert
	key string
}

// Service implements the alert pipeline: queue + workers + rate limit +
// per-sink retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time
}

// New builds the service. store and bus may be nil.
func New(cfg Config, sinks []Sink, store DedupStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		store: store,
		sinks: append([]Sink(nil), sinks...),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Enabled reports whether at least one sink is configured.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks) > 0
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Start launches the workers. It is idempotent and does nothing without sinks.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || len(s.sinks) == 0 {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.RestartPolicy{MinBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second})
	}
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier drain cut short", logx.Err(ctx.Err()))
		sup.Cancel()
	}
}

// Notify queues an alert. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.sinks) == 0 {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	a := Alert{Subject: subject, Body: body}
	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(ctx, key, window) {
		s.publish(EventDeduped, AlertEvent{Subject: subject, Key: key})
		s.log.Debug("alert suppressed (dedup)", logx.String("subject", subject))
		return nil
	}

	select {
	case q <- job{a: a, key: key}:
		s.publish(EventQueued, AlertEvent{Subject: subject, Key: key})
		return nil
	default:
		s.publish(EventDropped, AlertEvent{Subject: subject, Key: key, Error: ErrQueueFull.Error()})
		s.log.Warn("alert dropped (queue full)", logx.String("subject", subject))
		return ErrQueueFull
	}
}

// NotifyNow delivers to every sink synchronously, skipping the queue, the
// rate limit and dedup. The error joins every sink failure.
func (s *Service) NotifyNow(ctx context.Context, subject, body string) error {
	s.mu.Lock()
	sinks := s.sinks
	cfg := s.cfg
	s.mu.Unlock()

	a := Alert{Subject: subject, Body: body}
	var errs []error
	for _, sk := range sinks {
		if err := s.sendWithRetry(ctx, sk, a, dedupKey(a), cfg, nil); err != nil {
			errs = append(errs, errors.Wrap(err, sk.Name()))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	sinks := s.sinks
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	for _, sk := range sinks {
		_ = s.sendWithRetry(ctx, sk, j.a, j.key, cfg, lim)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sk Sink, a Alert, key string, cfg Config, lim *rate.Limiter) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf("sink panic: %v", r)
				}
			}()
			cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			return sk.Send(cctx, a.Subject, a.Body)
		}()
		if err == nil {
			s.publish(EventSent, AlertEvent{Sink: sk.Name(), Subject: a.Subject, Key: key})
			return nil
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.String("sink", sk.Name()), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	s.log.Warn("alert delivery failed", logx.String("sink", sk.Name()), logx.String("subject", a.Subject), logx.Err(lastErr))
	s.publish(EventFailed, AlertEvent{Sink: sk.Name(), Subject: a.Subject, Key: key, Error: lastErr.Error()})
	return lastErr
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Subject))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Body))
	return fmt.Sprintf("alert:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
