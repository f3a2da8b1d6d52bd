package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"
)

// AddOnce arms a one-shot trigger that enqueues job on lane key at the given
// instant. Registering an existing name replaces it. Instants in the past fire
// immediately once the scheduler runs.
func (s *Service) AddOnce(name string, at time.Time, key string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &onceDef{name: name, at: at, key: key, timeout: timeout, job: job}
	s.once[name] = d
	if s.running() {
		s.armLocked(d)
	}
	s.log.Debug("once registered", logx.String("name", name), logx.Time("at", at), logx.String("lane", key))
	return nil
}

// AddCron registers a recurring trigger. The job runs on its own lane named after the trigger.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return errors.Wrapf(err, "cron spec %q", spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &cronDef{name: name, spec: spec, timeout: timeout, job: job}
	s.crons[name] = d
	if s.running() {
		return s.addCronLocked(s.c, d)
	}
	return nil
}

// Remove unregisters a trigger by name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// Pending returns armed and registered triggers ordered by next fire time.
func (s *Service) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.once)+len(s.crons))
	for _, d := range s.once {
		out = append(out, Pending{Name: d.name, Kind: KindOnce, Key: d.key, Next: d.at})
	}
	for _, d := range s.crons {
		p := Pending{Name: d.name, Kind: KindCron, Key: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			p.Next = s.c.Entry(d.entryID).Next
		}
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	if d, ok := s.once[name]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	if d, ok := s.crons[name]; ok {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		delete(s.crons, name)
		removed = true
	}
	return removed
}

// armLocked starts the timer for d. The callback drops the definition before
// enqueueing so a trigger fires at most once.
func (s *Service) armLocked(d *onceDef) {
	delay := max(time.Until(d.at), 0)
	d.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.once[d.name]
		if !ok || cur != d {
			s.mu.Unlock()
			return
		}
		delete(s.once, d.name)
		s.mu.Unlock()
		s.fire(d.name, d.key, d.timeout, d.job)
	})
}

func (s *Service) addCronLocked(c *cron.Cron, d *cronDef) error {
	id, err := c.AddFunc(d.spec, func() { s.fire(d.name, d.name, d.timeout, d.job) })
	if err != nil {
		return errors.Wrapf(err, "register %s", d.name)
	}
	d.entryID = id
	return nil
}

func taskFor(name, key string, timeout time.Duration, job func(ctx context.Context) error) engine.Task {
	return engine.Task{Name: name, ConcurrencyKey: key, Timeout: timeout, Run: job}
}
