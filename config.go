package ytloop

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface, loaded from config.yaml with
// YTLOOP_-prefixed environment overrides.
type Config struct {
	YouTube  YouTubeConfig  `mapstructure:"youtube"`
	OBS      OBSConfig      `mapstructure:"obs"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

type YouTubeConfig struct {
	ClientID         string   `mapstructure:"client_id"`
	ClientSecret     string   `mapstructure:"client_secret"`
	RefreshToken     string   `mapstructure:"refresh_token"`
	AdditionalScopes []string `mapstructure:"additional_scopes"`
	OAuthListenAddr  string   `mapstructure:"oauth_listen_addr"`
	RTMPURL          string   `mapstructure:"rtmp_url"`
	// CleanupStale deletes all upcoming broadcasts and owned live streams
	// before each new window is created.
	CleanupStale bool            `mapstructure:"cleanup_stale"`
	Broadcast    BroadcastConfig `mapstructure:"broadcast"`
	Stream       StreamConfig    `mapstructure:"stream"`
	Playlist     PlaylistConfig  `mapstructure:"playlist"`
}

type BroadcastConfig struct {
	// TitleTemplate may contain {date}, {time} and {count} placeholders.
	TitleTemplate     string        `mapstructure:"title_template"`
	Description       string        `mapstructure:"description"`
	PrivacyStatus     string        `mapstructure:"privacy_status"`
	MadeForKids       bool          `mapstructure:"made_for_kids"`
	EnableAutoStart   bool          `mapstructure:"enable_auto_start"`
	EnableAutoStop    bool          `mapstructure:"enable_auto_stop"`
	EnableDVR         bool          `mapstructure:"enable_dvr"`
	RecordFromStart   bool          `mapstructure:"record_from_start"`
	LatencyPreference string        `mapstructure:"latency_preference"`
	StartBuffer       time.Duration `mapstructure:"start_buffer"`
}

type StreamConfig struct {
	FrameRate     string `mapstructure:"frame_rate"`
	Resolution    string `mapstructure:"resolution"`
	IngestionType string `mapstructure:"ingestion_type"`
	// TitleLayout is a Go time layout used for the liveStream title.
	TitleLayout string `mapstructure:"title_layout"`
}

type PlaylistConfig struct {
	// TitleLayout is a Go time layout applied to a session's end time to
	// derive the monthly playlist title, e.g. "Live Archive 2006-01".
	TitleLayout   string `mapstructure:"title_layout"`
	Description   string `mapstructure:"description"`
	PrivacyStatus string `mapstructure:"privacy_status"`
	Language      string `mapstructure:"language"`
}

type OBSConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	// AppPath, when set, is launched if the control socket refuses the
	// initial connection.
	AppPath           string        `mapstructure:"app_path"`
	LaunchWait        time.Duration `mapstructure:"launch_wait"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	// LoopSource is the scene item carrying the looped content; it is forced
	// visible at the start of every cycle when set.
	LoopSource string `mapstructure:"loop_source"`
}

type ScheduleConfig struct {
	SessionDuration      time.Duration `mapstructure:"session_duration"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	EnableSourceReload   bool          `mapstructure:"enable_source_reload"`
	SourceReloadInterval time.Duration `mapstructure:"source_reload_interval"`
	SourceNames          []string      `mapstructure:"source_names"`
	OutputStartTimeout   time.Duration `mapstructure:"output_start_timeout"`
	// CycleCooldown is slept after a cycle fails before a fresh one begins.
	CycleCooldown time.Duration `mapstructure:"cycle_cooldown"`
	// CyclePause is slept between a completed cycle and the next one.
	CyclePause          time.Duration `mapstructure:"cycle_pause"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`
}

// LoopConfig bounds the run as a whole. Zero values mean unbounded.
type LoopConfig struct {
	MaxCycles  int           `mapstructure:"max_cycles"`
	MaxRunTime time.Duration `mapstructure:"max_run_time"`
	// Expiration is an absolute stop time in the form 20060102T150405
	// (local time).
	Expiration string `mapstructure:"expiration"`
}

const expirationLayout = "20060102T150405"

type MetricsConfig struct {
	// ListenAddr serves Prometheus metrics when non-empty, e.g. ":9091".
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Directory, when set, receives a timestamped log file in addition to
	// stderr output.
	Directory string `mapstructure:"directory"`
}

// LoadConfig reads path and resolves the environment overrides. A missing or
// invalid required field is fatal: the process must refuse to start rather
// than fail mid-cycle.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("YTLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("youtube.oauth_listen_addr", "127.0.0.1:0")
	v.SetDefault("youtube.rtmp_url", "rtmp://a.rtmp.youtube.com/live2")
	v.SetDefault("youtube.broadcast.privacy_status", "unlisted")
	v.SetDefault("youtube.broadcast.enable_auto_start", true)
	v.SetDefault("youtube.broadcast.enable_auto_stop", true)
	v.SetDefault("youtube.broadcast.enable_dvr", true)
	v.SetDefault("youtube.broadcast.record_from_start", true)
	v.SetDefault("youtube.broadcast.latency_preference", "normal")
	v.SetDefault("youtube.broadcast.start_buffer", "30s")
	v.SetDefault("youtube.stream.frame_rate", "variable")
	v.SetDefault("youtube.stream.resolution", "variable")
	v.SetDefault("youtube.stream.ingestion_type", "rtmp")
	v.SetDefault("youtube.stream.title_layout", "ytloop stream 2006-01-02 15:04:05")
	v.SetDefault("youtube.playlist.title_layout", "Live Archive 2006-01")
	v.SetDefault("youtube.playlist.privacy_status", "private")
	v.SetDefault("obs.host", "127.0.0.1")
	v.SetDefault("obs.port", 4455)
	v.SetDefault("obs.launch_wait", "20s")
	v.SetDefault("obs.reconnect_attempts", 3)
	v.SetDefault("schedule.session_duration", "8h")
	v.SetDefault("schedule.poll_interval", "5m")
	v.SetDefault("schedule.source_reload_interval", "5m")
	v.SetDefault("schedule.output_start_timeout", "60s")
	v.SetDefault("schedule.cycle_cooldown", "60s")
	v.SetDefault("schedule.cycle_pause", "10s")
	v.SetDefault("schedule.retry_attempts", 4)
	v.SetDefault("schedule.retry_initial_backoff", "2s")
	v.SetDefault("schedule.retry_max_backoff", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs error
	if c.YouTube.ClientID == "" {
		errs = errors.Join(errs, errors.New("youtube.client_id is required"))
	}
	if c.YouTube.ClientSecret == "" {
		errs = errors.Join(errs, errors.New("youtube.client_secret is required"))
	}
	if c.YouTube.RTMPURL == "" {
		errs = errors.Join(errs, errors.New("youtube.rtmp_url is required"))
	}
	if c.YouTube.Broadcast.TitleTemplate == "" {
		errs = errors.Join(errs, errors.New("youtube.broadcast.title_template is required"))
	}
	if c.Schedule.SessionDuration <= 0 {
		errs = errors.Join(errs, errors.New("schedule.session_duration must be positive"))
	}
	if c.Schedule.PollInterval <= 0 {
		errs = errors.Join(errs, errors.New("schedule.poll_interval must be positive"))
	}
	if c.Loop.Expiration != "" {
		if _, err := time.ParseInLocation(expirationLayout, c.Loop.Expiration, time.Local); err != nil {
			errs = errors.Join(errs, fmt.Errorf("loop.expiration must match %s: %w", expirationLayout, err))
		}
	}
	return errs
}

// ExpirationTime returns the parsed loop expiration, or the zero time when
// unset. validate has already rejected malformed values.
func (c *Config) ExpirationTime() time.Time {
	if c.Loop.Expiration == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(expirationLayout, c.Loop.Expiration, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewLogger builds the process logger from the log section: stderr always,
// plus a timestamped file under log.directory when configured.
func NewLogger(cfg *Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if dir := cfg.Log.Directory; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("ytloop_%s.log", time.Now().Format("20060102_150405"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
