package poster

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/activity"
	"autoposter/internal/channel"
	"autoposter/internal/media"
	"autoposter/internal/planner"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
)

// ErrSchedulerFatal marks a failure to start the trigger loop.
var ErrSchedulerFatal = errors.New("scheduler fatal")

type State string

const (
	StatePlanned      State = "planned"
	StateAuthChecking State = "auth_checking"
	StateSkipped      State = "skipped"
	StateGenerating   State = "generating"
	StateDispatching  State = "dispatching"
	StatePosted       State = "posted"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == StatePosted || s == StateFailed || s == StateSkipped
}

// Job is one planned (channel, instant, style, topic) unit. It is immutable
// once planned.
type Job struct {
	ID      string
	Channel string
	FireAt  time.Time
	Style   string
	Topic   string
}

func (j Job) triggerName() string { return "job." + j.Channel + "." + j.ID }

// Result is the terminal view of one executed job. It is published on the
// event bus as job.finished.
type Result struct {
	Job    Job
	State  State
	Stage  State // last non-terminal state reached
	Detail string
	Image  bool
}

// Binding attaches a publisher to its per-channel settings.
type Binding struct {
	Publisher channel.Publisher
	ImageMode media.Mode
	// Slots overrides Config.Window.SlotCount when > 0.
	Slots int
}

type Config struct {
	Window     planner.Window
	JobTimeout time.Duration
	// Replan is a cron spec; empty plans once.
	Replan string
}

// Collaborators. Every one of them is expected to contain its own failures;
// the job boundary still recovers anything that escapes.

type AuthChecker interface {
	Check(ctx context.Context, channelID string) bool
}

type Generator interface {
	Generate(ctx context.Context, topic, style, kind string) (string, error)
}

type MediaPreparer interface {
	Prepare(ctx context.Context, mode media.Mode, postText string, local bool) media.Asset
}

type Alerter interface {
	Notify(ctx context.Context, subject, body string) error
	NotifyNow(ctx context.Context, subject, body string) error
}

type Recorder interface {
	Record(ctx context.Context, r activity.Record)
}

type Picker interface {
	Pick(ctx context.Context) string
}

type Planner interface {
	Plan(w planner.Window, now time.Time) []time.Time
}

// Triggers is the scheduled-instant queue.
type Triggers interface {
	AddOnce(name string, at time.Time, key string, timeout time.Duration, job func(ctx context.Context) error) error
	AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error
	OnMiss(fn scheduler.MissFunc)
	Location() *time.Location
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// DropSource reports jobs the engine discarded after they waited too long in
// their lane.
type DropSource interface {
	OnDrop(fn engine.DropFunc)
}

// Deps wires the orchestrator. Alerts, Media and Drops may be nil.
type Deps struct {
	Channels map[string]Binding
	Auth     AuthChecker
	Content  Generator
	Media    MediaPreparer
	Alerts   Alerter
	Activity Recorder
	Styles   Picker
	Topics   Picker
	Planner  Planner
	Triggers Triggers
	Drops    DropSource
	Clock    planner.Clock
}

// Summary counts terminal outcomes since Start.
type Summary struct {
	Planned int
	Posted  int
	Skipped int
	Failed  int
}
