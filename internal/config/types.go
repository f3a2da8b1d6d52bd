package config

// Config is the whole autoposter configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Any ${NAME} reference is replaced with the environment variable NAME before
// parsing, so secrets can stay out of the file.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone for planning and trigger evaluation (IANA name, default Local).
	Timezone string `json:"timezone,omitempty"`

	// Window is the daily operating window shared by every channel.
	Window    WindowConfig    `json:"window"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Content   ContentConfig   `json:"content"`
	Media     MediaConfig     `json:"media"`
	Channels  ChannelsConfig  `json:"channels"`
	Alerts    AlertsConfig    `json:"alerts"`
	Storage   StorageConfig   `json:"storage"`

	Engagement  EngagementConfig  `json:"engagement"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WindowConfig: hours in [0,24). end_hour <= start_hour spans midnight.
type WindowConfig struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
	Slots     int `json:"slots"`
}

// SchedulerConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1 (strictly sequential)
//   - queue_size: 64 per channel
//   - job_timeout: "10m"
//   - probe_timeout: "20s"
//   - history_size: 200
//   - replan: "" (plan once, exit when every job finished)
type SchedulerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	// Replan is a cron spec; when set, a fresh day is planned on every tick
	// and the process runs until stopped.
	Replan string `json:"replan,omitempty"`
}

// ContentConfig configures text generation, styles and topics.
type ContentConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	Attempts      int    `json:"attempts,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`

	// StylePolicy is "random" or "alternate".
	StylePolicy string   `json:"style_policy,omitempty"`
	Styles      []string `json:"styles,omitempty"`

	TopicsFile   string   `json:"topics_file,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	DefaultTopic string   `json:"default_topic,omitempty"`
}

type MediaConfig struct {
	ImageModel string `json:"image_model,omitempty"`
	SeedDir    string `json:"seed_dir,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`
	MaxBytes   int64  `json:"max_bytes,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// ChannelCommon is embedded in every channel section.
type ChannelCommon struct {
	Enabled bool `json:"enabled"`
	// ImageMode is none, variant or generate.
	ImageMode string `json:"image_mode,omitempty"`
	// Slots overrides window.slots for this channel when > 0.
	Slots int `json:"slots,omitempty"`
}

type ShortFormConfig struct {
	ChannelCommon
	Host        string `json:"host,omitempty"`
	Handle      string `json:"handle"`
	AppPassword string `json:"app_password"`
}

type PageConfig struct {
	ChannelCommon
	PageID      string `json:"page_id"`
	AccessToken string `json:"access_token"`
	BaseURL     string `json:"base_url,omitempty"`
}

type PhotoConfig struct {
	ChannelCommon
	UserID           string `json:"user_id"`
	AccessToken      string `json:"access_token"`
	BaseURL          string `json:"base_url,omitempty"`
	FallbackImageURL string `json:"fallback_image_url,omitempty"`
}

type VideoConfig struct {
	ChannelCommon
	AccessToken string `json:"access_token"`
	BaseURL     string `json:"base_url,omitempty"`
	Privacy     string `json:"privacy,omitempty"`
}

type ChannelsConfig struct {
	ShortForm *ShortFormConfig `json:"shortform,omitempty"`
	Page      *PageConfig      `json:"page,omitempty"`
	Photo     *PhotoConfig     `json:"photo,omitempty"`
	Video     *VideoConfig     `json:"video,omitempty"`
}

// AlertsConfig controls the async alert pipeline and its sinks. With no sink
// configured alerts are dropped silently.
type AlertsConfig struct {
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	DedupWindow   string  `json:"dedup_window,omitempty"`

	Telegram *TelegramAlert `json:"telegram,omitempty"`
	Email    *EmailAlert    `json:"email,omitempty"`
	Webhook  *WebhookAlert  `json:"webhook,omitempty"`
}

type TelegramAlert struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type EmailAlert struct {
	APIKey   string `json:"api_key"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	To       string `json:"to"`
}

type WebhookAlert struct {
	URL string `json:"url"`
}

// StorageConfig controls persistence of the activity log and markers.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./autoposter" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// EngagementConfig schedules the follow/like/unfollow pass on the shortform
// channel, which must be enabled.
//
// Defaults: schedule "0 12 * * *", engagers 20, like_followers 20,
// max_followers 1000, unfollow_after "168h".
type EngagementConfig struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"`
	Engagers      int    `json:"engagers,omitempty"`
	LikeFollowers int    `json:"like_followers,omitempty"`
	MaxFollowers  int    `json:"max_followers,omitempty"`
	UnfollowAfter string `json:"unfollow_after,omitempty"`
}

// DiagnosticsConfig enables a local HTTP endpoint with /healthz, /status and
// optionally /debug/pprof/. Empty addr disables it.
type DiagnosticsConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
