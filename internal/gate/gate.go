// Package gate decides whether a reading should produce a notification.
//
// The gate is pure with respect to stored state: it reads settings and
// history but never writes. Checks run cheapest-first and short-circuit.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"aqinotify/internal/aqi"
	"aqinotify/internal/store"
	"aqinotify/pkg/logx"
)

// Settings is the slice of the settings store the gate reads.
type Settings interface {
	QuietHoursSetting(ctx context.Context, def store.QuietHours) (store.QuietHours, error)
	RateLimitMinutes(ctx context.Context, def int) (int, error)
	ThresholdOverrides(ctx context.Context) (map[string]store.ThresholdOverride, error)
}

// History is the slice of the history store the gate reads.
type History interface {
	HasRecentNotification(ctx context.Context, level, city string, since time.Time) (bool, error)
}

// Defaults are used when the corresponding setting key is absent.
type Defaults struct {
	QuietHours       store.QuietHours
	RateLimitMinutes int
}

func (d *Defaults) normalize() {
	if d.RateLimitMinutes < 1 {
		d.RateLimitMinutes = 60
	}
}

// Decision reports the gate outcome and which check settled it.
type Decision struct {
	Notify bool
	Reason string
}

const (
	ReasonForced        = "forced"
	ReasonQuietHours    = "quiet_hours"
	ReasonLevelDisabled = "level_disabled"
	ReasonRateLimited   = "rate_limited"
	ReasonEligible      = "eligible"
)

type Gate struct {
	levels   *aqi.Table
	settings Settings
	history  History
	defaults Defaults

	now func() time.Time
	log logx.Logger
}

func New(levels *aqi.Table, settings Settings, history History, defaults Defaults, log logx.Logger) *Gate {
	defaults.normalize()
	return &Gate{
		levels:   levels,
		settings: settings,
		history:  history,
		defaults: defaults,
		now:      time.Now,
		log:      log,
	}
}

// SetClock overrides the time source (tests).
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// ShouldNotify evaluates quiet hours, the per-level notify flag, and the
// (level, city) rate limit, in that order. force bypasses all three.
func (g *Gate) ShouldNotify(ctx context.Context, r *aqi.Reading, force bool) (Decision, error) {
	if force {
		return Decision{Notify: true, Reason: ReasonForced}, nil
	}

	quiet, err := g.inQuietHours(ctx)
	if err != nil {
		return Decision{}, err
	}
	if quiet {
		g.log.Info("in quiet hours, skipping notification")
		return Decision{Reason: ReasonQuietHours}, nil
	}

	enabled, err := g.levelEnabled(ctx, r.Level)
	if err != nil {
		return Decision{}, err
	}
	if !enabled {
		g.log.Debug("notifications disabled for level", logx.String("level", r.Level))
		return Decision{Reason: ReasonLevelDisabled}, nil
	}

	limited, err := g.rateLimited(ctx, r.Level, r.City)
	if err != nil {
		return Decision{}, err
	}
	if limited {
		g.log.Info("rate limited, skipping notification",
			logx.String("level", r.Level), logx.String("city", r.City))
		return Decision{Reason: ReasonRateLimited}, nil
	}

	return Decision{Notify: true, Reason: ReasonEligible}, nil
}

func (g *Gate) inQuietHours(ctx context.Context) (bool, error) {
	qh, err := g.settings.QuietHoursSetting(ctx, g.defaults.QuietHours)
	if err != nil {
		return false, fmt.Errorf("gate: quiet hours setting: %w", err)
	}
	if !qh.Enabled {
		return false, nil
	}

	startMin, err := parseHHMM(qh.Start)
	if err != nil {
		return false, fmt.Errorf("gate: quiet hours start: %w", err)
	}
	endMin, err := parseHHMM(qh.End)
	if err != nil {
		return false, fmt.Errorf("gate: quiet hours end: %w", err)
	}

	loc := time.UTC
	if strings.TrimSpace(qh.Timezone) != "" {
		l, err := time.LoadLocation(qh.Timezone)
		if err != nil {
			g.log.Warn("unknown quiet hours timezone, using UTC",
				logx.String("timezone", qh.Timezone))
		} else {
			loc = l
		}
	}

	now := g.now().In(loc)
	nowMin := now.Hour()*60 + now.Minute()

	// A window whose start is after its end wraps past midnight
	// (e.g. 22:00-07:00). Bounds are inclusive on both ends.
	if startMin > endMin {
		return nowMin >= startMin || nowMin <= endMin, nil
	}
	return nowMin >= startMin && nowMin <= endMin, nil
}

func (g *Gate) levelEnabled(ctx context.Context, level string) (bool, error) {
	overrides, err := g.settings.ThresholdOverrides(ctx)
	if err != nil {
		return false, fmt.Errorf("gate: threshold overrides: %w", err)
	}
	if ov, ok := overrides[level]; ok && ov.Notify != nil {
		return *ov.Notify, nil
	}
	cfg, ok := g.levels.ConfigFor(level)
	if !ok {
		return false, nil
	}
	return cfg.Notify, nil
}

func (g *Gate) rateLimited(ctx context.Context, level, city string) (bool, error) {
	minutes, err := g.settings.RateLimitMinutes(ctx, g.defaults.RateLimitMinutes)
	if err != nil {
		return false, fmt.Errorf("gate: rate limit setting: %w", err)
	}
	since := g.now().Add(-time.Duration(minutes) * time.Minute)
	limited, err := g.history.HasRecentNotification(ctx, level, city, since)
	if err != nil {
		return false, fmt.Errorf("gate: rate limit query: %w", err)
	}
	return limited, nil
}

// parseHHMM parses a "HH:MM" clock string into minutes of day.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
