package poster

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoposter/internal/activity"
	"autoposter/internal/channel"
	"autoposter/internal/content"
	"autoposter/internal/eventbus"
	"autoposter/internal/media"
	"autoposter/internal/planner"
	"autoposter/internal/task/engine"
	"autoposter/internal/task/scheduler"
	logx "autoposter/pkg/logx"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeAuth struct{ ok map[string]bool }

func (f fakeAuth) Check(_ context.Context, id string) bool { return f.ok[id] }

type fakeGen struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (g *fakeGen) Generate(_ context.Context, topic, style, kind string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.panic {
		panic("generator exploded")
	}
	if g.err != nil {
		return "", g.err
	}
	return "post about " + topic, nil
}

func (g *fakeGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakePublisher struct {
	id   string
	pref channel.ImagePreference
	err  error

	mu    sync.Mutex
	got   []channel.Artifact
	exist []bool // whether the image file existed at publish time
}

func (p *fakePublisher) ID() string                     { return p.id }
func (p *fakePublisher) Kind() string                   { return p.id }
func (p *fakePublisher) Image() channel.ImagePreference { return p.pref }
func (p *fakePublisher) Probe(context.Context) error    { return nil }

func (p *fakePublisher) Publish(_ context.Context, a channel.Artifact) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, a)
	_, statErr := os.Stat(a.ImageRef)
	p.exist = append(p.exist, a.ImageRef != "" && statErr == nil)
	if p.err != nil {
		return "", p.err
	}
	return "ok", nil
}

func (p *fakePublisher) Published() []channel.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]channel.Artifact(nil), p.got...)
}

// fakeMedia writes a real temp file so cleanup can be observed.
type fakeMedia struct {
	dir  string
	fail bool

	mu    sync.Mutex
	paths []string
}

func (m *fakeMedia) Prepare(_ context.Context, mode media.Mode, _ string, local bool) media.Asset {
	if m.fail {
		return media.Asset{}
	}
	if !local {
		return media.Asset{URL: "https://img.example/" + string(mode) + ".png"}
	}
	f, err := os.CreateTemp(m.dir, "img-*.png")
	if err != nil {
		return media.Asset{}
	}
	_ = f.Close()
	m.mu.Lock()
	m.paths = append(m.paths, f.Name())
	m.mu.Unlock()
	return media.Asset{URL: "https://img.example/x.png", LocalPath: f.Name()}
}

type sentAlert struct{ subject, body string }

type fakeAlerts struct {
	mu   sync.Mutex
	sent []sentAlert
	now  []sentAlert
}

func (a *fakeAlerts) Notify(_ context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentAlert{subject, body})
	return nil
}

func (a *fakeAlerts) NotifyNow(_ context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = append(a.now, sentAlert{subject, body})
	return nil
}

func (a *fakeAlerts) Sent() []sentAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentAlert(nil), a.sent...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	recs  []activity.Record
	delay time.Duration
}

func (r *fakeRecorder) Record(_ context.Context, rec activity.Record) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *fakeRecorder) Outcomes() []activity.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activity.Outcome, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Outcome)
	}
	return out
}

type staticPicker string

func (p staticPicker) Pick(context.Context) string { return string(p) }

type fakeDrops struct{ fn engine.DropFunc }

func (d *fakeDrops) OnDrop(fn engine.DropFunc) { d.fn = fn }

// manualTriggers holds armed jobs until the test fires them.
type manualTriggers struct {
	mu       sync.Mutex
	once     map[string]func(context.Context) error
	order    []string
	crons    []string
	miss     scheduler.MissFunc
	startErr error
	started  bool
}

func newManualTriggers() *manualTriggers {
	return &manualTriggers{once: map[string]func(context.Context) error{}}
}

func (m *manualTriggers) AddOnce(name string, _ time.Time, _ string, _ time.Duration, job func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.once[name] = job
	m.order = append(m.order, name)
	return nil
}

func (m *manualTriggers) AddCron(name, _ string, _ time.Duration, _ func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crons = append(m.crons, name)
	return nil
}

func (m *manualTriggers) OnMiss(fn scheduler.MissFunc) { m.miss = fn }
func (m *manualTriggers) Location() *time.Location      { return time.UTC }

func (m *manualTriggers) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *manualTriggers) Stop(context.Context) {}

func (m *manualTriggers) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *manualTriggers) fire(t *testing.T, name string) {
	t.Helper()
	m.mu.Lock()
	job := m.once[name]
	delete(m.once, name)
	m.mu.Unlock()
	require.NotNil(t, job, "trigger %s not armed", name)
	require.NoError(t, job(context.Background()))
}

type harness struct {
	svc      *Service
	triggers *manualTriggers
	gen      *fakeGen
	media    *fakeMedia
	alerts   *fakeAlerts
	rec      *fakeRecorder
	pubs     map[string]*fakePublisher
}

var morning = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, auth map[string]bool, pubs ...*fakePublisher) *harness {
	t.Helper()
	h := &harness{
		triggers: newManualTriggers(),
		gen:      &fakeGen{},
		media:    &fakeMedia{dir: t.TempDir()},
		alerts:   &fakeAlerts{},
		rec:      &fakeRecorder{},
		pubs:     map[string]*fakePublisher{},
	}
	bindings := map[string]Binding{}
	for _, p := range pubs {
		h.pubs[p.id] = p
		bindings[p.id] = Binding{Publisher: p, ImageMode: media.ModeVariant}
	}
	h.svc = New(Config{
		Window:     planner.Window{StartHour: 8, EndHour: 22, SlotCount: 2},
		JobTimeout: time.Minute,
	}, Deps{
		Channels: bindings,
		Auth:     fakeAuth{ok: auth},
		Content:  h.gen,
		Media:    h.media,
		Alerts:   h.alerts,
		Activity: h.rec,
		Styles:   staticPicker("funny"),
		Topics:   staticPicker("gophers"),
		Planner:  planner.New(nil),
		Triggers: h.triggers,
		Clock:    fixedClock{morning},
	}, logx.Nop(), nil)
	return h
}

func (h *harness) job(id string) Job {
	return Job{ID: "j-" + id, Channel: id, FireAt: morning, Style: "funny", Topic: "gophers"}
}

func TestAuthGatingPrecedesGeneration(t *testing.T) {
	pub := &fakePublisher{id: "video", pref: channel.ImageLocalFile}
	h := newHarness(t, map[string]bool{"video": false}, pub)

	res := h.svc.Execute(context.Background(), h.job("video"))

	assert.Equal(t, StateSkipped, res.State)
	assert.Zero(t, h.gen.Calls())
	assert.Empty(t, pub.Published())
	assert.Empty(t, h.alerts.Sent())
	assert.Equal(t, []activity.Outcome{activity.SkippedAuth}, h.rec.Outcomes())
}

func TestPostedWithLocalImageCleansUp(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageLocalFile}
	h := newHarness(t, map[string]bool{"page": true}, pub)

	res := h.svc.Execute(context.Background(), h.job("page"))

	require.Equal(t, StatePosted, res.State)
	assert.True(t, res.Image)
	got := pub.Published()
	require.Len(t, got, 1)
	assert.Equal(t, "post about gophers", got[0].Text)
	assert.True(t, pub.exist[0], "image must exist while publishing")
	for _, p := range h.media.paths {
		assert.NoFileExists(t, p)
	}
	assert.Equal(t, []activity.Outcome{activity.Posted}, h.rec.Outcomes())
}

func TestRemoteImageChannelGetsURL(t *testing.T) {
	pub := &fakePublisher{id: "photo", pref: channel.ImageRemoteURL}
	h := newHarness(t, map[string]bool{"photo": true}, pub)

	res := h.svc.Execute(context.Background(), h.job("photo"))

	require.Equal(t, StatePosted, res.State)
	assert.Equal(t, "https://img.example/variant.png", pub.Published()[0].ImageRef)
	assert.Empty(t, h.media.paths)
}

func TestMediaFailureFallsBackToText(t *testing.T) {
	pub := &fakePublisher{id: "shortform", pref: channel.ImageLocalFile}
	h := newHarness(t, map[string]bool{"shortform": true}, pub)
	h.media.fail = true

	res := h.svc.Execute(context.Background(), h.job("shortform"))

	assert.Equal(t, StatePosted, res.State)
	assert.False(t, res.Image)
	require.Len(t, pub.Published(), 1)
	assert.Empty(t, pub.Published()[0].ImageRef)
	assert.Empty(t, h.alerts.Sent())
}

func TestGenerationExhaustedFailsAndAlerts(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	h.gen.err = errors.Mark(errors.New("quota"), content.ErrGenerationExhausted)

	res := h.svc.Execute(context.Background(), h.job("page"))

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateGenerating, res.Stage)
	assert.Empty(t, pub.Published())
	alerts := h.alerts.Sent()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].subject, "page")
	assert.Contains(t, alerts[0].body, "quota")
	assert.Equal(t, []activity.Outcome{activity.Failed}, h.rec.Outcomes())
}

func TestDispatchFailureCleansUpAndAlerts(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageLocalFile, err: errors.New("graph 500")}
	h := newHarness(t, map[string]bool{"page": true}, pub)

	res := h.svc.Execute(context.Background(), h.job("page"))

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateDispatching, res.Stage)
	assert.Contains(t, res.Detail, "graph 500")
	require.NotEmpty(t, h.media.paths)
	for _, p := range h.media.paths {
		assert.NoFileExists(t, p)
	}
	assert.Len(t, h.alerts.Sent(), 1)
}

func TestPanicIsContained(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	h.gen.panic = true

	var res Result
	require.NotPanics(t, func() { res = h.svc.Execute(context.Background(), h.job("page")) })
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Detail, "generator exploded")
	assert.Len(t, h.alerts.Sent(), 1)
}

func TestFailureIsolationAcrossScheduledJobs(t *testing.T) {
	bad := &fakePublisher{id: "page", pref: channel.ImageNone, err: errors.New("down")}
	good := &fakePublisher{id: "shortform", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true, "shortform": true}, bad, good)

	require.NoError(t, h.svc.Start(context.Background()))
	names := h.triggers.names()
	require.Len(t, names, 4)

	// Fire the failing channel first; the other channel still posts.
	for _, n := range names {
		h.triggers.fire(t, n)
	}
	assert.Len(t, good.Published(), 2)

	select {
	case <-h.svc.Done():
	default:
		t.Fatal("done not closed after every job finished")
	}
	sum := h.svc.Summary()
	assert.Equal(t, Summary{Planned: 4, Posted: 2, Failed: 2}, sum)
}

func TestStartPlansAndRecordsScheduled(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	bus := eventbus.New()
	h.svc.bus = bus
	events, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(context.Background())

	assert.True(t, h.triggers.started)
	assert.Equal(t, []activity.Outcome{activity.Scheduled, activity.Scheduled}, h.rec.Outcomes())

	ev := <-events
	assert.Equal(t, eventbus.JobScheduled, ev.Type)
	job := ev.Data.(Job)
	assert.Equal(t, "page", job.Channel)
	assert.True(t, job.FireAt.After(morning))
}

func TestPerChannelSlotOverride(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, nil, pub)
	b := h.svc.deps.Channels["page"]
	b.Slots = 5
	h.svc.deps.Channels["page"] = b

	jobs := h.svc.Plan(context.Background(), morning)
	assert.Len(t, jobs, 5)
	for _, j := range jobs {
		assert.Equal(t, "gophers", j.Topic)
		assert.NotEmpty(t, j.ID)
	}
}

func TestStartFailureIsSchedulerFatal(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	h.triggers.startErr = errors.New("unknown time zone Mars/Olympus")

	err := h.svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchedulerFatal))
	require.Len(t, h.alerts.now, 1)
	assert.Contains(t, h.alerts.now[0].body, "Mars/Olympus")
	assert.Empty(t, h.triggers.names())
}

func TestMissedTriggerFailsJob(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	require.NoError(t, h.svc.Start(context.Background()))

	names := h.triggers.names()
	h.triggers.miss(names[0], engine.ErrQueueFull)
	h.triggers.fire(t, names[1])
	// A late firing of the missed trigger must not run it again.
	h.triggers.fire(t, names[0])

	assert.Len(t, pub.Published(), 1)
	assert.Equal(t, Summary{Planned: 2, Posted: 1, Failed: 1}, h.svc.Summary())
	assert.Len(t, h.alerts.Sent(), 1)
	<-h.svc.Done()
}

func TestReplanKeepsRunning(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	h.svc.cfg.Replan = "0 7 * * *"

	require.NoError(t, h.svc.Start(context.Background()))
	assert.Equal(t, []string{replanTrigger}, h.triggers.crons)
	for _, n := range h.triggers.names() {
		h.triggers.fire(t, n)
	}
	select {
	case <-h.svc.Done():
		t.Fatal("done closed while replanning")
	default:
	}
}

func TestPostNow(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)

	res, err := h.svc.PostNow(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, StatePosted, res.State)

	_, err = h.svc.PostNow(context.Background(), "video")
	assert.Error(t, err)
}

func TestStaleDropsAreNeverLost(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	h.rec.delay = 50 * time.Millisecond
	drops := &fakeDrops{}
	h.svc.deps.Drops = drops

	// A subscriber that never reads: the bus drops everything past its buffer.
	bus := eventbus.New()
	h.svc.bus = bus
	_, unsub := bus.Subscribe(1)
	defer unsub()

	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(context.Background())
	names := h.triggers.names()
	require.Len(t, names, 2)
	require.NotNil(t, drops.fn)

	drops.fn(names[0], time.Hour)
	for i := 0; i < 80; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "filler"}})
	}
	drops.fn(names[1], time.Hour)

	select {
	case <-h.svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done never closed; summary=%+v", h.svc.Summary())
	}
	assert.Equal(t, Summary{Planned: 2, Failed: 2}, h.svc.Summary())
	assert.Len(t, h.alerts.Sent(), 2)
	assert.Greater(t, eventbus.Dropped(bus), uint64(0))

	failed := 0
	for _, o := range h.rec.Outcomes() {
		if o == activity.Failed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestReplanDropIsNotAJob(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageNone}
	h := newHarness(t, map[string]bool{"page": true}, pub)
	drops := &fakeDrops{}
	h.svc.deps.Drops = drops

	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(context.Background())

	drops.fn("replan", time.Minute)
	assert.Equal(t, 0, h.svc.Summary().Failed)
	assert.Empty(t, h.alerts.Sent())
}

func TestNoFilesLeakInWorkDir(t *testing.T) {
	pub := &fakePublisher{id: "page", pref: channel.ImageLocalFile}
	h := newHarness(t, map[string]bool{"page": true}, pub)

	for i := 0; i < 3; i++ {
		h.svc.Execute(context.Background(), h.job("page"))
	}
	entries, err := os.ReadDir(h.media.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
