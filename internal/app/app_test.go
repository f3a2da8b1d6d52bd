package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoposter/internal/auth"
	"autoposter/internal/config"
	"autoposter/internal/eventbus"
	"autoposter/internal/poster"
	"autoposter/internal/storage"
	logx "autoposter/pkg/logx"
)

// fakeWorld serves the text backend, a graph page and an alert webhook.
type fakeWorld struct {
	srv *httptest.Server

	probeFail atomic.Bool
	feedFail  atomic.Bool

	mu    sync.Mutex
	feed  []string
	hooks []string
}

func newFakeWorld(t *testing.T) *fakeWorld {
	t.Helper()
	w := &fakeWorld{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello #ai"}}]}`))
	})
	mux.HandleFunc("/graph/p1", func(rw http.ResponseWriter, _ *http.Request) {
		if w.probeFail.Load() {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte(`{"error":{"message":"token expired"}}`))
			return
		}
		_, _ = rw.Write([]byte(`{"id":"p1"}`))
	})
	mux.HandleFunc("/graph/p1/feed", func(rw http.ResponseWriter, r *http.Request) {
		if w.feedFail.Load() {
			rw.WriteHeader(http.StatusInternalServerError)
			_, _ = rw.Write([]byte(`{"error":{"message":"feed down"}}`))
			return
		}
		require.NoError(t, r.ParseForm())
		w.mu.Lock()
		w.feed = append(w.feed, r.PostForm.Get("message"))
		w.mu.Unlock()
		_, _ = rw.Write([]byte(`{"id":"p1_42"}`))
	})
	mux.HandleFunc("/hook", func(rw http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.mu.Lock()
		w.hooks = append(w.hooks, body.Text)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	})
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorld) Feed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.feed...)
}

func (w *fakeWorld) Hooks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.hooks...)
}

func (w *fakeWorld) config(apiKey string) string {
	return fmt.Sprintf(`{
  "logging": {"level": "error", "console": true},
  "timezone": "UTC",
  "window": {"start_hour": 0, "end_hour": 23, "slots": 2},
  "content": {"api_key": %q, "base_url": "%s/v1/", "topics": ["gophers"], "retry_delay": "1ms", "retry_max_delay": "2ms"},
  "channels": {"page": {"enabled": true, "page_id": "p1", "access_token": "tok", "base_url": "%s/graph"}},
  "alerts": {"retry_base": "1ms", "rate_per_sec": 100, "webhook": {"url": "%s/hook"}}
}`, apiKey, w.srv.URL, w.srv.URL, w.srv.URL)
}

func newTestApp(t *testing.T, w *fakeWorld, apiKey string) (*App, *storage.Memory) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "autoposter.json")
	require.NoError(t, os.WriteFile(p, []byte(w.config(apiKey)), 0o600))
	mem := storage.NewMemory()
	a, err := New(p, WithStorage(mem), WithHTTPClient(w.srv.Client()))
	require.NoError(t, err)
	return a, mem
}

func TestPlanCoversEnabledChannels(t *testing.T) {
	w := newFakeWorld(t)
	a, mem := newTestApp(t, w, "sk-test")

	jobs, err := a.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "page", j.Channel)
		assert.Equal(t, "gophers", j.Topic)
		assert.True(t, j.FireAt.After(time.Now()))
	}
	assert.Empty(t, mem.Activity(), "plan must not record activity")
}

func TestCheckAuth(t *testing.T) {
	w := newFakeWorld(t)
	a, _ := newTestApp(t, w, "sk-test")

	res := a.CheckAuth(context.Background())
	assert.Equal(t, map[string]error{"page": nil}, res)

	w.probeFail.Store(true)
	res = a.CheckAuth(context.Background())
	require.Error(t, res["page"])
	assert.True(t, errors.Is(res["page"], auth.ErrAuthUnavailable))
	assert.Contains(t, res["page"].Error(), "token expired")
}

func TestPostNowPublishes(t *testing.T) {
	w := newFakeWorld(t)
	a, mem := newTestApp(t, w, "sk-test")

	res, err := a.PostNow(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, poster.StatePosted, res.State)
	assert.Equal(t, []string{"Hello #ai"}, w.Feed())

	acts := mem.Activity()
	require.Len(t, acts, 1)
	assert.Equal(t, "posted", acts[0].Outcome)
	assert.Empty(t, w.Hooks())
}

func TestPostNowFailureReachesWebhook(t *testing.T) {
	w := newFakeWorld(t)
	w.feedFail.Store(true)
	a, _ := newTestApp(t, w, "sk-test")

	res, err := a.PostNow(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, poster.StateFailed, res.State)

	hooks := w.Hooks()
	require.Len(t, hooks, 1)
	assert.Contains(t, hooks[0], "page job failed")
	assert.Contains(t, hooks[0], "feed down")
}

func TestPostNowSkipsOnAuthFailure(t *testing.T) {
	w := newFakeWorld(t)
	w.probeFail.Store(true)
	a, _ := newTestApp(t, w, "sk-test")

	res, err := a.PostNow(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, poster.StateSkipped, res.State)
	assert.Empty(t, w.Feed())
	assert.Empty(t, w.Hooks())
}

func TestStartWithoutAPIKeyFails(t *testing.T) {
	w := newFakeWorld(t)
	a, _ := newTestApp(t, w, "")

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content backend")
}

func TestStartArmsAndStops(t *testing.T) {
	w := newFakeWorld(t)
	a, mem := newTestApp(t, w, "sk-test")

	require.NoError(t, a.Start(context.Background()))
	select {
	case <-a.Completed():
		t.Fatal("completed before any job ran")
	default:
	}

	acts := mem.Activity()
	require.Len(t, acts, 2)
	for _, e := range acts {
		assert.Equal(t, "scheduled", e.Outcome)
	}

	st := a.Status()
	assert.Equal(t, 2, st.Summary.Planned)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, "page", st.Pending[0].Key)
	assert.True(t, st.Engine.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
	<-a.Done()
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "3s"}})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)
}

func TestMapEngineConfigDefaults(t *testing.T) {
	ec, err := mapEngineConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, ec.Workers)
	assert.Equal(t, 10*time.Minute, ec.DefaultTimeout)
	assert.Zero(t, ec.MaxQueueDelay)

	_, err = mapEngineConfig(&config.Config{Scheduler: config.SchedulerConfig{MaxQueueDelay: "later"}})
	assert.Error(t, err)
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks(&config.Config{Alerts: config.AlertsConfig{
		Webhook: &config.WebhookAlert{URL: "https://hooks.example/x"},
		Email:   &config.EmailAlert{APIKey: "k", From: "a@example.com", To: "b@example.com"},
	}}, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, "email,webhook", strings.Join(names, ","))

	_, err = buildSinks(&config.Config{Alerts: config.AlertsConfig{Telegram: &config.TelegramAlert{}}}, nil)
	assert.Error(t, err)
}

func TestTallyCountsTaskEvents(t *testing.T) {
	tl := newTally()
	tl.observe(eventbus.Event{Type: eventbus.TaskStarted})
	tl.observe(eventbus.Event{Type: eventbus.TaskFinished})
	tl.observe(eventbus.Event{Type: eventbus.JobFinished})
	assert.Equal(t, 1, tl.get(eventbus.TaskStarted))
	assert.Equal(t, 0, tl.get(eventbus.JobFinished))
	assert.Equal(t, "started=1 finished=1 failed=0 dropped=0", tl.String())
}

func TestEngageDisabledByDefault(t *testing.T) {
	w := newFakeWorld(t)
	a, _ := newTestApp(t, w, "sk-test")

	_, err := a.Engage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestMapEngageConfig(t *testing.T) {
	ec, spec, err := mapEngageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultEngageSchedule, spec)
	assert.Equal(t, 7*24*time.Hour, ec.UnfollowAfter)

	ec, spec, err = mapEngageConfig(&config.Config{Engagement: config.EngagementConfig{
		Schedule: " 0 9 * * 1 ", UnfollowAfter: "48h", LikeFollowers: 5,
	}})
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1", spec)
	assert.Equal(t, 48*time.Hour, ec.UnfollowAfter)
	assert.Equal(t, 5, ec.LikeFollowers)

	_, _, err = mapEngageConfig(&config.Config{Engagement: config.EngagementConfig{UnfollowAfter: "soon"}})
	assert.Error(t, err)
}

func TestBuildEngagerNeedsShortForm(t *testing.T) {
	cfg := &config.Config{Engagement: config.EngagementConfig{Enabled: true}}
	_, _, err := buildEngager(cfg, map[string]poster.Binding{}, storage.NewMemory(), logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shortform")

	eng, _, err := buildEngager(&config.Config{}, nil, storage.NewMemory(), logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, eng)
}
