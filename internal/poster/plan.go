package poster

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"autoposter/internal/activity"
	"autoposter/internal/eventbus"
	"autoposter/internal/planner"
	logx "autoposter/pkg/logx"
)

func newJobID() string { return uuid.NewString() }

func (s *Service) windowFor(b Binding) planner.Window {
	w := s.cfg.Window
	if b.Slots > 0 {
		w.SlotCount = b.Slots
	}
	return w
}

// Plan builds jobs for every bound channel without arming them. Style and
// topic are picked here so a printed plan matches what would run.
func (s *Service) Plan(ctx context.Context, now time.Time) []Job {
	var jobs []Job
	for _, id := range s.Channels() {
		b := s.deps.Channels[id]
		for _, at := range s.deps.Planner.Plan(s.windowFor(b), now) {
			jobs = append(jobs, Job{
				ID:      s.newID(),
				Channel: id,
				FireAt:  at,
				Style:   s.pick(ctx, s.deps.Styles),
				Topic:   s.pick(ctx, s.deps.Topics),
			})
		}
	}
	return jobs
}

func (s *Service) pick(ctx context.Context, p Picker) string {
	if p == nil {
		return ""
	}
	return p.Pick(ctx)
}

// PlanDay plans from the current time in the trigger timezone and arms one
// trigger per job on the lane of its channel.
func (s *Service) PlanDay(ctx context.Context) ([]Job, error) {
	now := s.deps.Clock.Now().In(s.deps.Triggers.Location())
	jobs := s.Plan(ctx, now)

	armed := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		name := job.triggerName()
		s.mu.Lock()
		s.inFlight[name] = job
		s.mu.Unlock()

		if err := s.deps.Triggers.AddOnce(name, job.FireAt, job.Channel, s.cfg.JobTimeout, s.runner(job)); err != nil {
			s.mu.Lock()
			delete(s.inFlight, name)
			s.mu.Unlock()
			return armed, errors.Wrapf(err, "arm %s", name)
		}
		armed = append(armed, job)

		s.mu.Lock()
		s.summary.Planned++
		s.mu.Unlock()
		if s.deps.Activity != nil {
			s.deps.Activity.Record(ctx, activity.Record{
				At:      now,
				JobID:   job.ID,
				Channel: job.Channel,
				Outcome: activity.Scheduled,
				Detail:  "fire_at=" + job.FireAt.Format(time.RFC3339) + " style=" + job.Style + " topic=" + job.Topic,
			})
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.JobScheduled, Time: now, Data: job})
		}
		s.log.Info("job planned",
			logx.String("job", job.ID),
			logx.String("channel", job.Channel),
			logx.Time("fire_at", job.FireAt),
			logx.String("style", job.Style),
		)
	}
	return armed, nil
}

// runner is the engine task for one armed job. It always returns nil: the
// outcome is recorded, never propagated.
func (s *Service) runner(job Job) func(ctx context.Context) error {
	name := job.triggerName()
	return func(ctx context.Context) error {
		s.mu.Lock()
		_, live := s.inFlight[name]
		s.mu.Unlock()
		if !live {
			return nil
		}
		defer s.release(name)
		s.Execute(ctx, job)
		return nil
	}
}
