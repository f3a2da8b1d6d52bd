package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autoposter/internal/adapters/email"
	"autoposter/internal/adapters/telegram"
	"autoposter/internal/adapters/webhook"
	"autoposter/internal/channel"
	"autoposter/internal/config"
	"autoposter/internal/content"
	"autoposter/internal/engage"
	"autoposter/internal/media"
	"autoposter/internal/notifier"
	"autoposter/internal/planner"
	"autoposter/internal/poster"
	"autoposter/internal/storage"
	"autoposter/internal/task/engine"
	logx "autoposter/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./autoposter"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc := cfg.Scheduler
	jobTimeout, err := config.ParseDurationOrDefault("scheduler.job_timeout", sc.JobTimeout, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.max_queue_delay", sc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	workers := sc.Workers
	if workers <= 0 {
		workers = 1
	}
	return engine.Config{
		Workers:        workers,
		LaneQueueSize:  sc.QueueSize,
		DefaultTimeout: jobTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    sc.HistorySize,
	}, nil
}

func mapPosterConfig(cfg *config.Config) (poster.Config, error) {
	jobTimeout, err := config.ParseDurationOrDefault("scheduler.job_timeout", cfg.Scheduler.JobTimeout, 10*time.Minute)
	if err != nil {
		return poster.Config{}, err
	}
	return poster.Config{
		Window: planner.Window{
			StartHour: cfg.Window.StartHour,
			EndHour:   cfg.Window.EndHour,
			SlotCount: cfg.Window.Slots,
		},
		JobTimeout: jobTimeout,
		Replan:     strings.TrimSpace(cfg.Scheduler.Replan),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ac := cfg.Alerts
	base, err := config.ParseDurationField("alerts.retry_base", ac.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("alerts.retry_max_delay", ac.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("alerts.dedup_window", ac.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := ac.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		QueueSize:     ac.QueueSize,
		RatePerSec:    ac.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

// buildSinks returns one sink per configured alert destination.
func buildSinks(cfg *config.Config, hc *http.Client) ([]notifier.Sink, error) {
	var sinks []notifier.Sink
	if t := cfg.Alerts.Telegram; t != nil {
		s, err := telegram.New(telegram.Config{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID}, hc)
		if err != nil {
			return nil, errors.Wrap(err, "alerts.telegram")
		}
		sinks = append(sinks, s)
	}
	if e := cfg.Alerts.Email; e != nil {
		s, err := email.New(email.Config{APIKey: e.APIKey, From: e.From, FromName: e.FromName, To: e.To})
		if err != nil {
			return nil, errors.Wrap(err, "alerts.email")
		}
		sinks = append(sinks, s)
	}
	if w := cfg.Alerts.Webhook; w != nil {
		s, err := webhook.New(w.URL, hc)
		if err != nil {
			return nil, errors.Wrap(err, "alerts.webhook")
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func mapRetryPolicy(cfg *config.Config) (content.RetryPolicy, error) {
	base, err := config.ParseDurationField("content.retry_delay", cfg.Content.RetryDelay)
	if err != nil {
		return content.RetryPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField("content.retry_max_delay", cfg.Content.RetryMaxDelay)
	if err != nil {
		return content.RetryPolicy{}, err
	}
	call, err := config.ParseDurationField("content.call_timeout", cfg.Content.CallTimeout)
	if err != nil {
		return content.RetryPolicy{}, err
	}
	return content.RetryPolicy{Attempts: cfg.Content.Attempts, Base: base, MaxDelay: maxDelay, CallTimeout: call}, nil
}

func mapMediaConfig(cfg *config.Config) (media.Config, error) {
	timeout, err := config.ParseDurationField("media.timeout", cfg.Media.Timeout)
	if err != nil {
		return media.Config{}, err
	}
	return media.Config{
		SeedDir:  cfg.Media.SeedDir,
		WorkDir:  cfg.Media.WorkDir,
		MaxBytes: cfg.Media.MaxBytes,
		Timeout:  timeout,
	}, nil
}

func topicSource(cfg *config.Config) content.TopicSource {
	if f := strings.TrimSpace(cfg.Content.TopicsFile); f != "" {
		return content.FileTopics{Path: f}
	}
	return content.StaticTopics(cfg.Content.Topics)
}

// buildChannels constructs a publisher and binding for every enabled channel.
func buildChannels(cfg *config.Config, renderer channel.VideoRenderer, hc *http.Client, log logx.Logger) (map[string]poster.Binding, error) {
	out := map[string]poster.Binding{}
	bind := func(id string, common config.ChannelCommon, p channel.Publisher) error {
		mode, err := media.ParseMode(common.ImageMode)
		if err != nil {
			return errors.Wrapf(err, "channels.%s", id)
		}
		out[id] = poster.Binding{Publisher: p, ImageMode: mode, Slots: common.Slots}
		return nil
	}

	chs := cfg.Channels
	if c := chs.ShortForm; c != nil && c.Enabled {
		p, err := channel.NewShortForm(channel.ShortFormConfig{ID: "shortform", Host: c.Host, Handle: c.Handle, AppPassword: c.AppPassword}, hc, log)
		if err != nil {
			return nil, err
		}
		if err := bind("shortform", c.ChannelCommon, p); err != nil {
			return nil, err
		}
	}
	if c := chs.Page; c != nil && c.Enabled {
		p, err := channel.NewPage(channel.PageConfig{ID: "page", PageID: c.PageID, AccessToken: c.AccessToken, BaseURL: c.BaseURL}, hc)
		if err != nil {
			return nil, err
		}
		if err := bind("page", c.ChannelCommon, p); err != nil {
			return nil, err
		}
	}
	if c := chs.Photo; c != nil && c.Enabled {
		p, err := channel.NewPhoto(channel.PhotoConfig{
			ID: "photo", UserID: c.UserID, AccessToken: c.AccessToken, BaseURL: c.BaseURL, FallbackImageURL: c.FallbackImageURL,
		}, hc)
		if err != nil {
			return nil, err
		}
		if err := bind("photo", c.ChannelCommon, p); err != nil {
			return nil, err
		}
	}
	if c := chs.Video; c != nil && c.Enabled {
		p, err := channel.NewVideo(channel.VideoConfig{ID: "video", AccessToken: c.AccessToken, BaseURL: c.BaseURL, Privacy: c.Privacy}, renderer, hc, log)
		if err != nil {
			return nil, err
		}
		if err := bind("video", c.ChannelCommon, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const defaultEngageSchedule = "0 12 * * *"

// mapEngageConfig returns the pass settings and its cron spec.
func mapEngageConfig(cfg *config.Config) (engage.Config, string, error) {
	e := cfg.Engagement
	after, err := config.ParseDurationOrDefault("engagement.unfollow_after", e.UnfollowAfter, 7*24*time.Hour)
	if err != nil {
		return engage.Config{}, "", err
	}
	spec := strings.TrimSpace(e.Schedule)
	if spec == "" {
		spec = defaultEngageSchedule
	}
	return engage.Config{
		Engagers:      e.Engagers,
		LikeFollowers: e.LikeFollowers,
		MaxFollowers:  e.MaxFollowers,
		UnfollowAfter: after,
	}, spec, nil
}

// buildEngager returns nil when engagement is off or the shortform channel
// is not bound.
func buildEngager(cfg *config.Config, bindings map[string]poster.Binding, store storage.Store, log logx.Logger) (*engage.Service, string, error) {
	if !cfg.Engagement.Enabled {
		return nil, "", nil
	}
	sf, ok := bindings["shortform"].Publisher.(*channel.ShortForm)
	if !ok {
		return nil, "", errors.New("engagement: channels.shortform is not enabled")
	}
	ecfg, spec, err := mapEngageConfig(cfg)
	if err != nil {
		return nil, "", err
	}
	open := func(ctx context.Context) (engage.Network, error) {
		soc, err := sf.Social(ctx)
		if err != nil {
			return nil, err
		}
		return soc, nil
	}
	return engage.New(ecfg, "shortform", open, store, log), spec, nil
}
