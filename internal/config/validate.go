package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ChannelIDs lists the channel sections in planning order.
var ChannelIDs = []string{"shortform", "page", "photo", "video"}

// Enabled returns the common block of every enabled channel keyed by id.
func (c ChannelsConfig) Enabled() map[string]ChannelCommon {
	out := map[string]ChannelCommon{}
	if c.ShortForm != nil && c.ShortForm.Enabled {
		out["shortform"] = c.ShortForm.ChannelCommon
	}
	if c.Page != nil && c.Page.Enabled {
		out["page"] = c.Page.ChannelCommon
	}
	if c.Photo != nil && c.Photo.Enabled {
		out["photo"] = c.Photo.ChannelCommon
	}
	if c.Video != nil && c.Video.Enabled {
		out["video"] = c.Video.ChannelCommon
	}
	return out
}

// Validate reports the first problem that would stop the scheduler from
// planning or running jobs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	w := cfg.Window
	if w.StartHour < 0 || w.StartHour > 23 {
		return errors.Newf("window.start_hour: %d not in [0,24)", w.StartHour)
	}
	if w.EndHour < 0 || w.EndHour > 23 {
		return errors.Newf("window.end_hour: %d not in [0,24)", w.EndHour)
	}
	if w.Slots < 1 {
		return errors.Newf("window.slots: must be >= 1, got %d", w.Slots)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Content.StylePolicy)) {
	case "", "random", "alternate":
	default:
		return errors.Newf("content.style_policy: unknown policy %q", cfg.Content.StylePolicy)
	}
	if cfg.Content.Attempts < 0 {
		return errors.New("content.attempts: must be >= 0")
	}

	enabled := cfg.Channels.Enabled()
	if len(enabled) == 0 {
		return errors.New("channels: at least one channel must be enabled")
	}
	for _, id := range ChannelIDs {
		cc, ok := enabled[id]
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(cc.ImageMode)) {
		case "", "none", "variant", "generate":
		default:
			return errors.Newf("channels.%s.image_mode: unknown mode %q", id, cc.ImageMode)
		}
		if cc.Slots < 0 {
			return errors.Newf("channels.%s.slots: must be >= 0", id)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "file", "sqlite", "sqlite3":
	default:
		return errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if spec := strings.TrimSpace(cfg.Scheduler.Replan); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return errors.Wrapf(err, "scheduler.replan: invalid cron spec %q", spec)
		}
	}

	if e := cfg.Engagement; e.Enabled {
		if _, ok := enabled["shortform"]; !ok {
			return errors.New("engagement: requires channels.shortform to be enabled")
		}
		if spec := strings.TrimSpace(e.Schedule); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return errors.Wrapf(err, "engagement.schedule: invalid cron spec %q", spec)
			}
		}
		if e.Engagers < 0 || e.LikeFollowers < 0 || e.MaxFollowers < 0 {
			return errors.New("engagement: counts must be >= 0")
		}
	}

	durations := []struct{ path, raw string }{
		{"scheduler.job_timeout", cfg.Scheduler.JobTimeout},
		{"scheduler.max_queue_delay", cfg.Scheduler.MaxQueueDelay},
		{"scheduler.probe_timeout", cfg.Scheduler.ProbeTimeout},
		{"content.retry_delay", cfg.Content.RetryDelay},
		{"content.retry_max_delay", cfg.Content.RetryMaxDelay},
		{"content.call_timeout", cfg.Content.CallTimeout},
		{"media.timeout", cfg.Media.Timeout},
		{"alerts.retry_base", cfg.Alerts.RetryBase},
		{"alerts.retry_max_delay", cfg.Alerts.RetryMaxDelay},
		{"alerts.dedup_window", cfg.Alerts.DedupWindow},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"engagement.unfollow_after", cfg.Engagement.UnfollowAfter},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
