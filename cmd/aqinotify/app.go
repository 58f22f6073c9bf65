package main

import (
	"fmt"
	"time"

	"aqinotify/internal/aqi"
	"aqinotify/internal/config"
	"aqinotify/internal/delivery"
	"aqinotify/internal/gate"
	"aqinotify/internal/notifier"
	"aqinotify/internal/store"
	"aqinotify/internal/waha"
	"aqinotify/pkg/logx"
)

// app holds the wired components for one invocation.
type app struct {
	cfg      *config.Config
	manager  *config.Manager
	logSvc   *logx.Service
	log      logx.Logger
	store    *store.Store
	levels   *aqi.Table
	feed     *aqi.Client
	channel  *waha.Client
	engine   *delivery.Engine
	gate     *gate.Gate
	notifier *notifier.Notifier
}

// newApp loads the config and wires every component. Durations were
// validated at load time, so parse failures here fall back to defaults.
func newApp(cfgPath string) (*app, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	manager.SetLogger(log.With(logx.String("component", "config")))

	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("component", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	levels := aqi.MustDefaultTable()

	feedTimeout, _ := config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, 30*time.Second)
	feed := aqi.NewClient(aqi.ClientConfig{
		BaseURL:     cfg.Feed.BaseURL,
		Token:       cfg.Feed.Token,
		DefaultCity: cfg.Feed.DefaultCity,
		Timeout:     feedTimeout,
	}, levels, time.Local, log.With(logx.String("component", "feed")))

	chanTimeout, _ := config.ParseDurationOrDefault("channel.timeout", cfg.Channel.Timeout, 60*time.Second)
	channel := waha.NewClient(waha.Config{
		BaseURL: cfg.Channel.BaseURL,
		APIKey:  cfg.Channel.APIKey,
		Session: cfg.Channel.Session,
		Timeout: chanTimeout,
	}, log.With(logx.String("component", "channel")))

	engine := delivery.NewEngine(channel, retryPolicy(cfg.Notifications.Retry),
		log.With(logx.String("component", "delivery")))

	g := gate.New(levels, st, st, gate.Defaults{
		QuietHours: store.QuietHours{
			Enabled:  cfg.Notifications.QuietHours.Enabled,
			Start:    cfg.Notifications.QuietHours.Start,
			End:      cfg.Notifications.QuietHours.End,
			Timezone: cfg.Notifications.QuietHours.Timezone,
		},
		RateLimitMinutes: cfg.Notifications.RateLimitMinutes,
	}, log.With(logx.String("component", "gate")))

	n := notifier.New(feed, levels, g, engine, st, notifier.Config{
		DefaultRecipient: cfg.Notifications.DefaultRecipient,
		MessageTemplate:  cfg.Notifications.MessageTemplate,
	}, log.With(logx.String("component", "notifier")))

	return &app{
		cfg:      cfg,
		manager:  manager,
		logSvc:   logSvc,
		log:      log,
		store:    st,
		levels:   levels,
		feed:     feed,
		channel:  channel,
		engine:   engine,
		gate:     g,
		notifier: n,
	}, nil
}

func retryPolicy(rc config.RetryConfig) delivery.Policy {
	p := delivery.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if d, err := config.ParseDurationField("notifications.retry.base_delay", rc.BaseDelay); err == nil && d > 0 {
		p.BaseDelay = d
	}
	if rc.Exponential != nil {
		p.Exponential = *rc.Exponential
	}
	if d, err := config.ParseDurationField("notifications.retry.recovery_delay", rc.RecoveryDelay); err == nil && d > 0 {
		p.RecoveryDelay = d
	}
	if d, err := config.ParseDurationField("notifications.retry.restart_pause", rc.RestartPause); err == nil && d > 0 {
		p.RestartPause = d
	}
	if rc.RatePerSec != 0 {
		p.RatePerSec = rc.RatePerSec
	}
	return p
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}
