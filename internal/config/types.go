package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full file configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// YAML and JSON are both accepted; unknown keys are rejected so typos
// surface at load time instead of silently defaulting.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Feed          FeedConfig          `json:"feed"`
	Channel       ChannelConfig       `json:"channel"`
	Notifications NotificationsConfig `json:"notifications"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Metrics       MetricsConfig       `json:"metrics,omitempty"`
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

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FeedConfig points at the upstream AQI feed.
type FeedConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	Token       string `json:"token"`
	DefaultCity string `json:"default_city,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// ChannelConfig points at the messaging gateway.
type ChannelConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	Session string `json:"session,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type NotificationsConfig struct {
	DefaultRecipient string           `json:"default_recipient,omitempty"`
	MessageTemplate  string           `json:"message_template,omitempty"`
	RateLimitMinutes int              `json:"rate_limit_minutes,omitempty"`
	QuietHours       QuietHoursConfig `json:"quiet_hours,omitempty"`
	Retry            RetryConfig      `json:"retry,omitempty"`
}

type QuietHoursConfig struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RetryConfig mirrors delivery.Policy; zero fields take the defaults
// documented there.
type RetryConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	BaseDelay     string `json:"base_delay,omitempty"`
	Exponential   *bool  `json:"exponential,omitempty"`
	RecoveryDelay string `json:"recovery_delay,omitempty"`
	RestartPause  string `json:"restart_pause,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression (5-field, or 6-field with seconds),
	// or a descriptor like "@every 15m".
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// Normalize fills defaults in place. It never overrides explicit values.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/aqinotify.db"
	}
	if strings.TrimSpace(c.Storage.BusyTimeout) == "" {
		c.Storage.BusyTimeout = "5s"
	}
	if strings.TrimSpace(c.Feed.DefaultCity) == "" {
		c.Feed.DefaultCity = "kuala-lumpur"
	}
	if strings.TrimSpace(c.Feed.Timeout) == "" {
		c.Feed.Timeout = "30s"
	}
	if strings.TrimSpace(c.Channel.Session) == "" {
		c.Channel.Session = "default"
	}
	if strings.TrimSpace(c.Channel.Timeout) == "" {
		c.Channel.Timeout = "60s"
	}
	if c.Notifications.RateLimitMinutes < 1 {
		c.Notifications.RateLimitMinutes = 60
	}
	if strings.TrimSpace(c.Notifications.QuietHours.Start) == "" {
		c.Notifications.QuietHours.Start = "22:00"
	}
	if strings.TrimSpace(c.Notifications.QuietHours.End) == "" {
		c.Notifications.QuietHours.End = "07:00"
	}
	if strings.TrimSpace(c.Scheduler.Spec) == "" {
		c.Scheduler.Spec = "@every 30m"
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = "127.0.0.1:9190"
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Channel.BaseURL) == "" {
		return fmt.Errorf("channel.base_url is required")
	}
	for _, d := range []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"feed.timeout", c.Feed.Timeout},
		{"channel.timeout", c.Channel.Timeout},
		{"notifications.retry.base_delay", c.Notifications.Retry.BaseDelay},
		{"notifications.retry.recovery_delay", c.Notifications.Retry.RecoveryDelay},
		{"notifications.retry.restart_pause", c.Notifications.Retry.RestartPause},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.Notifications.QuietHours.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("notifications.quiet_hours.timezone: %w", err)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
