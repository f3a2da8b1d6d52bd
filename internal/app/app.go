package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/activity"
	"autoposter/internal/auth"
	"autoposter/internal/channel"
	"autoposter/internal/config"
	"autoposter/internal/content"
	"autoposter/internal/engage"
	"autoposter/internal/eventbus"
	"autoposter/internal/genai"
	"autoposter/internal/media"
	"autoposter/internal/notifier"
	"autoposter/internal/observability/status"
	"autoposter/internal/planner"
	"autoposter/internal/poster"
	rtsup "autoposter/internal/runtime/supervisor"
	"autoposter/internal/storage"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	gate   *auth.Gate
	poster *poster.Service
	status *status.Service
	tally  *tally

	engager    *engage.Service
	engageSpec string

	// genErr is set when the text backend could not be built. Commands that
	// generate content refuse to start with it.
	genErr error
}

type options struct {
	http     *http.Client
	store    storage.Store
	renderer channel.VideoRenderer
}

type Option func(*options)

// WithHTTPClient sets the client shared by every channel and alert sink.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.http = c } }

// WithStorage overrides the configured store. Preview commands pass a memory
// store so they leave no activity or style marker behind.
func WithStorage(s storage.Store) Option { return func(o *options) { o.store = s } }

// WithVideoRenderer enables publishing on the video channel.
func WithVideoRenderer(r channel.VideoRenderer) Option { return func(o *options) { o.renderer = r } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.http == nil {
		o.http = &http.Client{Timeout: 2 * time.Minute}
	}

	cfg, err := config.NewManager(cfgPath, logx.NewConsole("INFO")).Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	cfgm := config.NewManager(cfgPath, root)
	cfgm.Commit(cfg)

	bus := eventbus.New()

	store := o.store
	if store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		if store, err = storage.Open(sc, root); err != nil {
			return nil, err
		}
		log.Info("storage opened", logx.String("driver", sc.Driver))
	}
	act := activity.New(store, root)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	sinks, err := buildSinks(cfg, o.http)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, sinks, store, root, bus)
	if len(sinks) == 0 {
		log.Warn("no alert sink configured; failures are only logged")
	}

	gcfg := genai.Config{
		APIKey:     cfg.Content.APIKey,
		BaseURL:    cfg.Content.BaseURL,
		Model:      cfg.Content.Model,
		ImageModel: cfg.Media.ImageModel,
		MaxRetries: cfg.Content.MaxRetries,
	}
	var textGen content.TextGenerator
	text, genErr := genai.NewText(gcfg)
	if genErr != nil {
		genErr = errors.Wrap(genErr, "content backend")
	} else {
		textGen = text
	}
	var images media.ImageGenerator
	if img, err := genai.NewImages(gcfg); err == nil {
		images = img
	}

	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	styles, err := content.NewStylePicker(strings.ToLower(strings.TrimSpace(cfg.Content.StylePolicy)), cfg.Content.Styles, store, root)
	if err != nil {
		return nil, err
	}
	topics := content.NewTopicPicker(topicSource(cfg), cfg.Content.DefaultTopic, root)

	mcfg, err := mapMediaConfig(cfg)
	if err != nil {
		return nil, err
	}
	mediaPipe := media.NewPipeline(mcfg, images, o.http, root)

	bindings, err := buildChannels(cfg, o.renderer, o.http, root)
	if err != nil {
		return nil, err
	}
	engager, engageSpec, err := buildEngager(cfg, bindings, store, root)
	if err != nil {
		return nil, err
	}

	probeTimeout, err := config.ParseDurationOrDefault("scheduler.probe_timeout", cfg.Scheduler.ProbeTimeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	gate := auth.NewGate(probeTimeout, root)
	for id, b := range bindings {
		gate.Register(id, b.Publisher)
	}

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(ecfg, root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, eng, root)

	pcfg, err := mapPosterConfig(cfg)
	if err != nil {
		return nil, err
	}
	post := poster.New(pcfg, poster.Deps{
		Channels: bindings,
		Auth:     gate,
		Content:  content.NewPipeline(textGen, policy, root),
		Media:    mediaPipe,
		Alerts:   notif,
		Activity: act,
		Styles:   styles,
		Topics:   topics,
		Planner:  planner.New(nil),
		Triggers: sched,
		Drops:    eng,
		Clock:    planner.SystemClock{},
	}, root, bus)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: eng,
		sched:  sched,
		notif:  notif,
		gate:   gate,
		poster: post,
		tally:  newTally(),
		genErr: genErr,

		engager:    engager,
		engageSpec: engageSpec,
	}
	a.status = status.New(status.Config{
		Addr:          cfg.Diagnostics.Addr,
		Token:         cfg.Diagnostics.Token,
		AllowInsecure: cfg.Diagnostics.AllowInsecure,
		Pprof:         cfg.Diagnostics.Pprof,
	}, func() any { return a.Status() }, root)
	return a, nil
}

// Status is the operator view served at /status.
type Status struct {
	Summary poster.Summary      `json:"summary"`
	Pending []scheduler.Pending `json:"pending"`
	Engine  engine.Snapshot     `json:"engine"`
	Tasks   string              `json:"tasks"`
}

func (a *App) Status() Status {
	return Status{
		Summary: a.poster.Summary(),
		Pending: a.sched.Pending(),
		Engine:  a.engine.Snapshot(),
		Tasks:   a.tally.String(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Completed is closed once every planned job finished. It never closes when
// scheduler.replan is set.
func (a *App) Completed() <-chan struct{} { return a.poster.Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the engine and the alert workers, then plans the day and arms
// the triggers. A returned error marked poster.ErrSchedulerFatal has already
// been alerted.
func (a *App) Start(ctx context.Context) error {
	if a.genErr != nil {
		return a.genErr
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// Alert workers outlive the run context so Stop can drain them.
	a.notif.Start(context.WithoutCancel(run))
	a.engine.Start(run)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.tally", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.tally.observe(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.poster.Start(run); err != nil {
		return err
	}
	if a.engager != nil {
		if err := a.sched.AddCron(engageTrigger, a.engageSpec, 10*time.Minute, a.runEngagement); err != nil {
			a.log.Warn("engagement not scheduled", logx.Err(err))
		} else {
			a.log.Info("engagement scheduled", logx.String("schedule", a.engageSpec))
		}
	}
	if err := a.status.Start(run); err != nil {
		a.log.Warn("status server not started", logx.Err(err))
	}

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("channels", a.poster.Channels()))
	return nil
}

// liveSections are applied without a restart.
var liveSections = map[string]bool{"logging": true, "alerts": true}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, channels := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	a.logs.Apply(mapLoggingConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	var restart []string
	for _, s := range sections {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections take effect on next start",
			logx.String("sections", strings.Join(restart, ",")),
			logx.String("channels", strings.Join(channels, ",")),
		)
	}
}

// Plan returns what a run started now would schedule, without arming anything.
func (a *App) Plan(ctx context.Context) ([]poster.Job, error) {
	loc, err := scheduler.LoadLocation(a.cfgm.Get().Timezone)
	if err != nil {
		return nil, err
	}
	return a.poster.Plan(ctx, time.Now().In(loc)), nil
}

// CheckAuth probes every enabled channel. A nil value means usable.
func (a *App) CheckAuth(ctx context.Context) map[string]error {
	out := map[string]error{}
	for _, id := range a.poster.Channels() {
		out[id] = a.gate.Verify(ctx, id)
	}
	return out
}

// PostNow executes one job for channelID immediately and waits for its
// alerts to be delivered.
func (a *App) PostNow(ctx context.Context, channelID string) (poster.Result, error) {
	if a.genErr != nil {
		return poster.Result{}, a.genErr
	}
	a.notif.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	}()
	return a.poster.PostNow(ctx, channelID)
}

const engageTrigger = "engagement"

func (a *App) runEngagement(ctx context.Context) error {
	if _, err := a.engager.Run(ctx); err != nil {
		a.log.Error("engagement pass failed", logx.Err(err))
		_ = a.notif.Notify(context.WithoutCancel(ctx), "autoposter: engagement pass failed", err.Error())
		return err
	}
	return nil
}

// Engage runs one engagement pass now.
func (a *App) Engage(ctx context.Context) (engage.Report, error) {
	if a.engager == nil {
		return engage.Report{}, errors.New("engagement is not enabled")
	}
	return a.engager.Run(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.poster.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	sum := a.poster.Summary()
	a.log.Info("stopped",
		logx.Int("planned", sum.Planned),
		logx.Int("posted", sum.Posted),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
		logx.String("tasks", a.tally.String()),
		logx.Uint64("events_dropped", eventbus.Dropped(a.bus)),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// respect the caller's deadline; never extend it
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
