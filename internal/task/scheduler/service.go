package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "autoposter/pkg/logx"
)

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		crons:  map[string]*cronDef{},
		once:   map[string]*onceDef{},
	}
}

// OnMiss installs a callback for triggers the engine refused.
func (s *Service) OnMiss(fn MissFunc) {
	s.mu.Lock()
	s.onMiss = fn
	s.mu.Unlock()
}

// Location is the scheduler timezone, resolved at Start.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

// LoadLocation resolves an IANA timezone name; empty means Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "timezone %q", tz)
	}
	return loc, nil
}

// Start arms every registered trigger. It fails when the timezone cannot be
// loaded or a cron spec does not parse; nothing is armed in that case.
func (s *Service) Start(context.Context) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc, err := LoadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.crons {
		if err := s.addCronLocked(c, d); err != nil {
			return err
		}
	}

	s.loc = loc
	s.c = c
	c.Start()
	for _, d := range s.once {
		s.armLocked(d)
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("once", len(s.once)), logx.Int("cron", len(s.crons)))
	return nil
}

// Stop disarms all triggers. Definitions are kept so a later Start re-arms them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	for _, d := range s.crons {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) running() bool { return s.c != nil }

func (s *Service) fire(name, key string, timeout time.Duration, job func(ctx context.Context) error) {
	err := errors.New("no engine")
	if s.engine != nil {
		err = s.engine.Enqueue(taskFor(name, key, timeout, job))
	}
	if err == nil {
		return
	}
	s.log.Warn("enqueue failed", logx.String("name", name), logx.Err(err))
	s.mu.Lock()
	miss := s.onMiss
	s.mu.Unlock()
	if miss != nil {
		miss(name, err)
	}
}
