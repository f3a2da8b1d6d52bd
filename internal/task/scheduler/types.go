package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// MissFunc is called when a fired trigger could not be handed to the engine.
type MissFunc func(name string, err error)

type Kind string

const (
	KindOnce Kind = "once"
	KindCron Kind = "cron"
)

// Pending describes one armed trigger.
type Pending struct {
	Name string
	Kind Kind
	Key  string
	Spec string
	Next time.Time
}

type onceDef struct {
	name    string
	at      time.Time
	key     string
	timeout time.Duration
	job     func(ctx context.Context) error
	timer   *time.Timer
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer
	onMiss MissFunc

	parser cron.Parser
	c      *cron.Cron
	crons  map[string]*cronDef
	once   map[string]*onceDef
}
