package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"aqinotify/internal/config"
	"aqinotify/internal/metrics"
	"aqinotify/internal/scheduler"
	"aqinotify/internal/store"
	"aqinotify/internal/waha"
	"aqinotify/pkg/logx"
)

const usageText = `Usage: aqinotify [-config path] <command> [flags]

Commands:
  check         run one AQI check-and-notify cycle
  serve         run the scheduler daemon
  session       manage the channel session (status|start|stop|restart|qr)
  settings      read or write a stored setting (get|set)
  stats         show reading statistics
  recent        show recent notification deliveries
  test-message  send a connectivity test message
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer a.close()

	var code int
	switch args[0] {
	case "check":
		code = cmdCheck(ctx, a, args[1:])
	case "serve":
		code = cmdServe(ctx, a)
	case "session":
		code = cmdSession(ctx, a, args[1:])
	case "settings":
		code = cmdSettings(ctx, a, args[1:])
	case "stats":
		code = cmdStats(ctx, a, args[1:])
	case "recent":
		code = cmdRecent(ctx, a, args[1:])
	case "test-message":
		code = cmdTestMessage(ctx, a, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}

func cmdCheck(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	city := fs.String("city", "", "city feed key (default from config)")
	recipient := fs.String("recipient", "", "override recipient for this run")
	force := fs.Bool("force", false, "bypass quiet hours, level flags, and rate limit")
	_ = fs.Parse(args)

	var recipients []string
	if strings.TrimSpace(*recipient) != "" {
		recipients = []string{*recipient}
	}

	report := a.notifier.RunCycle(ctx, *city, recipients, *force)

	fmt.Println(report.Message)
	if report.Reading != nil {
		fmt.Printf("  city=%s aqi=%d level=%s\n",
			report.Reading.City, report.Reading.AQI, report.Reading.Level)
	}
	if report.Reason != "" {
		fmt.Printf("  reason=%s\n", report.Reason)
	}
	for _, d := range report.Deliveries {
		status := "sent"
		if !d.Success {
			status = "failed: " + d.Error
		}
		fmt.Printf("  %s -> %s (attempts=%d)\n", waha.MaskRecipient(d.ChatID), status, d.Attempts)
	}
	if !report.Success {
		return 1
	}
	return 0
}

func cmdServe(ctx context.Context, a *app) int {
	sched := scheduler.New(scheduler.Config{
		Enabled:  a.cfg.Scheduler.Enabled,
		Spec:     a.cfg.Scheduler.Spec,
		Timezone: a.cfg.Scheduler.Timezone,
		City:     a.cfg.Feed.DefaultCity,
	}, a.notifier, a.log.With(logx.String("component", "scheduler")))

	a.manager.SetValidator(func(cfg *config.Config) error {
		if cfg.Scheduler.Enabled {
			return sched.ValidateSpec(cfg.Scheduler.Spec)
		}
		return nil
	})

	if err := sched.Start(ctx); err != nil {
		a.log.Error("scheduler start failed", logx.Err(err))
		return 1
	}

	var msrv *metrics.Server
	if a.cfg.Metrics.Enabled {
		msrv = metrics.NewServer(a.cfg.Metrics.Addr, a.log.With(logx.String("component", "metrics")))
		msrv.Start()
	}

	// Hot reload: logging and scheduling follow the file; clients and
	// storage keep their boot-time settings until restart.
	sub := a.manager.Subscribe(1)
	defer a.manager.Unsubscribe(sub)
	go func() {
		for cfg := range sub {
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			sched.Apply(scheduler.Config{
				Enabled:  cfg.Scheduler.Enabled,
				Spec:     cfg.Scheduler.Spec,
				Timezone: cfg.Scheduler.Timezone,
				City:     cfg.Feed.DefaultCity,
			})
		}
	}()
	go func() { _ = a.manager.Watch(ctx) }()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("notified systemd: ready")
	}

	a.log.Info("daemon started", logx.String("spec", a.cfg.Scheduler.Spec))
	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	if msrv != nil {
		_ = msrv.Stop(stopCtx)
	}
	a.log.Info("daemon stopped")
	return 0
}

func cmdSession(ctx context.Context, a *app, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: aqinotify session status|start|stop|restart|qr")
		return 2
	}

	switch args[0] {
	case "status":
		info := a.channel.SessionStatus(ctx)
		fmt.Printf("session=%s status=%s ready=%v\n", info.Name, info.Status, info.Ready)
		if info.Error != "" {
			fmt.Printf("  error: %s\n", info.Error)
		}
		if !info.Ready {
			return 1
		}
	case "start":
		if err := a.channel.StartSession(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Println("session start requested")
	case "stop":
		if err := a.channel.StopSession(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Println("session stop requested")
	case "restart":
		if err := a.channel.StopSession(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "stop failed:", err)
		}
		time.Sleep(2 * time.Second)
		if err := a.channel.StartSession(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "start failed:", err)
			return 1
		}
		fmt.Println("session restarted")
	case "qr":
		fs := flag.NewFlagSet("session qr", flag.ExitOnError)
		out := fs.String("out", "", "write the QR image to this file instead of stdout")
		_ = fs.Parse(args[1:])

		qr, err := a.channel.QR(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		if *out != "" {
			img, err := base64.StdEncoding.DecodeString(qr.Data)
			if err != nil {
				fmt.Fprintln(os.Stderr, "decode qr image:", err)
				return 1
			}
			if err := os.WriteFile(*out, img, 0o644); err != nil {
				fmt.Fprintln(os.Stderr, "write qr image:", err)
				return 1
			}
			fmt.Printf("QR image written to %s (%s)\n", *out, qr.Mimetype)
		} else {
			fmt.Printf("mimetype: %s\n%s\n", qr.Mimetype, qr.Data)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown session action %q\n", args[0])
		return 2
	}
	return 0
}

// settingDescriptions feed the settings table's description column on writes.
var settingDescriptions = map[string]string{
	store.KeyThresholds:       "per-level notify flags and message overrides",
	store.KeyRecipients:       "notification recipient list",
	store.KeyQuietHours:       "quiet hours window",
	store.KeyRateLimitMinutes: "per level+city notification rate limit (minutes)",
}

func cmdSettings(ctx context.Context, a *app, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: aqinotify settings get <key> | settings set <key> <json>")
		return 2
	}
	key := args[1]

	switch args[0] {
	case "get":
		val, ok, err := a.store.GetSetting(ctx, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		if !ok {
			fmt.Printf("%s: (not set)\n", key)
			return 0
		}
		fmt.Println(string(val))
	case "set":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: aqinotify settings set <key> <json>")
			return 2
		}
		raw := json.RawMessage(args[2])
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "error: value is not valid JSON")
			return 2
		}
		if err := a.notifier.UpdateSetting(ctx, key, raw, settingDescriptions[key]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Printf("%s updated\n", key)
	default:
		fmt.Fprintf(os.Stderr, "unknown settings action %q\n", args[0])
		return 2
	}
	return 0
}

func cmdStats(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	days := fs.Int("days", 7, "aggregate readings from the last N days")
	_ = fs.Parse(args)

	stats, err := a.notifier.ReadingStatistics(ctx, *days)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	fmt.Printf("Readings over the last %d day(s): %d\n", stats.Days, stats.Stats.Count)
	if stats.Stats.Count > 0 {
		fmt.Printf("  avg=%.1f max=%d min=%d\n",
			stats.Stats.AverageAQI, stats.Stats.MaxAQI, stats.Stats.MinAQI)
	}
	for _, r := range stats.Readings {
		fmt.Printf("  %s  %-20s aqi=%d (%s)\n",
			r.ReadingTime.Format("2006-01-02 15:04"), r.City, r.AQIValue,
			a.levels.LevelFor(r.AQIValue))
	}
	return 0
}

func cmdRecent(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("limit", 10, "number of records to show")
	_ = fs.Parse(args)

	recs, err := a.notifier.RecentNotifications(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("no notifications recorded")
		return 0
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-8s %s  %s aqi=%d (%s)\n",
			rec.SentAt.Format("2006-01-02 15:04"), rec.Status,
			waha.MaskRecipient(rec.Recipient), rec.City, rec.AQIValue, rec.Level)
	}
	return 0
}

func cmdTestMessage(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("test-message", flag.ExitOnError)
	to := fs.String("to", "", "recipient (default from config)")
	_ = fs.Parse(args)

	recipient := strings.TrimSpace(*to)
	if recipient == "" {
		recipient = a.cfg.Notifications.DefaultRecipient
	}
	if recipient == "" {
		fmt.Fprintln(os.Stderr, "error: no recipient; pass -to or set notifications.default_recipient")
		return 2
	}

	res := a.notifier.SendTest(ctx, recipient)
	if !res.Success {
		fmt.Printf("test message failed after %d attempt(s): %s\n", res.Attempts, res.Error)
		return 1
	}
	fmt.Printf("test message sent to %s (message id %s)\n",
		waha.MaskRecipient(res.ChatID), res.MessageID)
	return 0
}
