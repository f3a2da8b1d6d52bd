package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autoposter/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe structured
// fields for logging (never secrets), and the ids of channels whose section
// changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if oldCfg.Window != newCfg.Window {
		changed = append(changed, "window")
		attrs = append(attrs,
			logx.Int("window.start_hour", newCfg.Window.StartHour),
			logx.Int("window.end_hour", newCfg.Window.EndHour),
			logx.Int("window.slots", newCfg.Window.Slots),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.job_timeout", newCfg.Scheduler.JobTimeout),
			logx.String("scheduler.replan", newCfg.Scheduler.Replan),
		)
	}

	if !reflect.DeepEqual(oldCfg.Content, newCfg.Content) {
		changed = append(changed, "content")
		attrs = append(attrs,
			logx.String("content.style_policy", newCfg.Content.StylePolicy),
			logx.Int("content.styles", len(newCfg.Content.Styles)),
			logx.Bool("content.api_key_set", newCfg.Content.APIKey != ""),
		)
	}

	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
		attrs = append(attrs, logx.Bool("media.seed_dir_set", newCfg.Media.SeedDir != ""))
	}

	channels := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(channels) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.String("channels.changed", strings.Join(channels, ",")),
			logx.Int("channels.enabled_count", len(newCfg.Channels.Enabled())),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram", newCfg.Alerts.Telegram != nil),
			logx.Bool("alerts.email", newCfg.Alerts.Email != nil),
			logx.Bool("alerts.webhook", newCfg.Alerts.Webhook != nil),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Engagement != newCfg.Engagement {
		changed = append(changed, "engagement")
		attrs = append(attrs,
			logx.Bool("engagement.enabled", newCfg.Engagement.Enabled),
			logx.String("engagement.schedule", newCfg.Engagement.Schedule),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.String("diagnostics.addr", newCfg.Diagnostics.Addr),
			logx.Bool("diagnostics.pprof", newCfg.Diagnostics.Pprof),
			logx.Bool("diagnostics.token_set", newCfg.Diagnostics.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, channels
}

func diffChannels(o, n ChannelsConfig) []string {
	var out []string
	if !reflect.DeepEqual(o.ShortForm, n.ShortForm) {
		out = append(out, "shortform")
	}
	if !reflect.DeepEqual(o.Page, n.Page) {
		out = append(out, "page")
	}
	if !reflect.DeepEqual(o.Photo, n.Photo) {
		out = append(out, "photo")
	}
	if !reflect.DeepEqual(o.Video, n.Video) {
		out = append(out, "video")
	}
	return out
}
