package poster

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/activity"
	"autoposter/internal/eventbus"
	"autoposter/internal/planner"
	logx "autoposter/pkg/logx"
)

const replanTrigger = "replan"

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	newID func() string

	mu       sync.Mutex
	started  bool
	inFlight map[string]Job // trigger name -> armed job
	summary  Summary
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if deps.Clock == nil {
		deps.Clock = planner.SystemClock{}
	}
	if deps.Planner == nil {
		deps.Planner = planner.New(nil)
	}
	return &Service{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(logx.String("comp", "poster")),
		bus:      bus,
		newID:    newJobID,
		inFlight: map[string]Job{},
		done:     make(chan struct{}),
	}
}

// Channels returns the bound channel ids in sorted order.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.deps.Channels))
	for id := range s.deps.Channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start plans the first day, registers the replan trigger and arms the
// trigger loop. Any failure is alerted synchronously and returned marked
// ErrSchedulerFatal; no job runs in that case.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		err = errors.Mark(errors.Wrap(err, "start scheduler"), ErrSchedulerFatal)
		s.log.Error("scheduler fatal", logx.Err(err))
		if s.deps.Alerts != nil {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if aerr := s.deps.Alerts.NotifyNow(actx, "autoposter: scheduler failed to start", err.Error()); aerr != nil {
				s.log.Warn("fatal alert not delivered", logx.Err(aerr))
			}
			cancel()
		}
		return err
	}
	return nil
}

func (s *Service) start(ctx context.Context) error {
	if len(s.deps.Channels) == 0 {
		return errors.New("no channels bound")
	}
	if s.deps.Triggers == nil {
		return errors.New("no trigger queue")
	}
	if err := s.cfg.Window.Validate(); err != nil {
		return err
	}

	s.deps.Triggers.OnMiss(s.onMiss)
	if s.deps.Drops != nil {
		s.deps.Drops.OnDrop(s.onDrop)
	}

	replan := strings.TrimSpace(s.cfg.Replan)
	if replan != "" {
		err := s.deps.Triggers.AddCron(replanTrigger, replan, time.Minute, func(ctx context.Context) error {
			_, err := s.PlanDay(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	// Start first so the planner sees the resolved timezone.
	if err := s.deps.Triggers.Start(ctx); err != nil {
		return err
	}
	jobs, err := s.PlanDay(ctx)
	if err != nil {
		s.deps.Triggers.Stop(ctx)
		return err
	}
	s.log.Info("scheduler running", logx.Int("jobs", len(jobs)), logx.String("replan", replan))
	if len(jobs) == 0 {
		s.checkDone()
	}
	return nil
}

// Stop disarms every trigger. Jobs already handed to the engine are not
// interrupted.
func (s *Service) Stop(ctx context.Context) {
	if s.deps.Triggers != nil {
		s.deps.Triggers.Stop(ctx)
	}
}

// Done is closed once every planned job reached a terminal state. With a
// replan trigger configured it is never closed.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Service) checkDone() {
	if strings.TrimSpace(s.cfg.Replan) != "" {
		return
	}
	s.mu.Lock()
	idle := len(s.inFlight) == 0
	s.mu.Unlock()
	if idle {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// onMiss handles a trigger the engine refused (queue full or stopped).
func (s *Service) onMiss(name string, err error) {
	if name == replanTrigger {
		s.log.Error("replan trigger missed", logx.Err(err))
		return
	}
	s.abandon(name, "not executed: "+err.Error())
}

// onDrop fails a job the engine discarded for waiting too long in its lane.
// Queue-full refusals arrive through onMiss instead.
func (s *Service) onDrop(name string, queueDelay time.Duration) {
	if name == replanTrigger {
		s.log.Error("replan dropped from queue", logx.Duration("queue_delay", queueDelay))
		return
	}
	s.abandon(name, "not executed: waited "+queueDelay.String()+" in queue")
}

func (s *Service) abandon(name, detail string) {
	s.mu.Lock()
	job, ok := s.inFlight[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	res := Result{Job: job, State: StateFailed, Stage: StatePlanned, Detail: detail}
	s.alert(ctx, res)
	s.finish(ctx, res)
	s.release(name)
}

func (s *Service) release(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
	s.checkDone()
}

func (s *Service) finish(ctx context.Context, res Result) {
	outcome := activity.Failed
	switch res.State {
	case StatePosted:
		outcome = activity.Posted
	case StateSkipped:
		outcome = activity.SkippedAuth
	}
	if s.deps.Activity != nil {
		s.deps.Activity.Record(context.WithoutCancel(ctx), activity.Record{
			At:      s.deps.Clock.Now(),
			JobID:   res.Job.ID,
			Channel: res.Job.Channel,
			Outcome: outcome,
			Detail:  res.Detail,
		})
	}

	s.mu.Lock()
	switch res.State {
	case StatePosted:
		s.summary.Posted++
	case StateSkipped:
		s.summary.Skipped++
	default:
		s.summary.Failed++
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: res})
	}
}

func (s *Service) alert(ctx context.Context, res Result) {
	if s.deps.Alerts == nil {
		return
	}
	subject := "autoposter: " + res.Job.Channel + " job failed"
	body := "job=" + res.Job.ID +
		"\nstage=" + string(res.Stage) +
		"\nfire_at=" + res.Job.FireAt.Format(time.RFC3339) +
		"\ntopic=" + res.Job.Topic +
		"\n\n" + res.Detail
	if err := s.deps.Alerts.Notify(context.WithoutCancel(ctx), subject, body); err != nil {
		s.log.Warn("alert not queued", logx.String("job", res.Job.ID), logx.Err(err))
	}
}
