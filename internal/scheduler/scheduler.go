// Package scheduler runs the check cycle on a cron schedule.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"aqinotify/internal/notifier"
	"aqinotify/pkg/logx"
)

// Runner is the slice of the notifier the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context, city string, recipients []string, force bool) notifier.CycleReport
}

type Config struct {
	Enabled bool
	// Spec is a cron expression (5-field, or 6-field with seconds),
	// or a descriptor like "@every 30m".
	Spec     string
	Timezone string
	City     string
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	parser cron.Parser
	runner Runner
	log    logx.Logger

	// running guards against overlapping cycles: the rate-limit check
	// and its record write are not transactional, so a slow cycle must
	// make the next tick skip rather than double-send.
	running atomic.Bool

	ctx context.Context
}

func New(cfg Config, runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		runner: runner,
		log:    log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateSpec reports whether spec parses under the service's grammar.
func (s *Service) ValidateSpec(spec string) error {
	_, err := s.parser.Parse(strings.TrimSpace(spec))
	return err
}

// Apply swaps the runtime config. A changed spec or timezone restarts
// the underlying cron; Enabled=false stops it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.cfg.Spec != cfg.Spec ||
		strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		s.cfg.Enabled != cfg.Enabled
	s.cfg = cfg

	if s.c == nil || !changed {
		return
	}
	s.stopLocked(context.Background())
	if cfg.Enabled {
		if err := s.startLocked(); err != nil {
			s.log.Error("scheduler restart failed", logx.Err(err), logx.String("spec", cfg.Spec))
		}
	}
}

// Start begins scheduling. It is a no-op when already started or when
// the config disables the scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Spec, s.tick); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()))
	return nil
}

// Stop halts scheduling and waits for an in-flight cycle, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	start := time.Now()
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid scheduler timezone, using local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous check cycle still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	s.mu.Lock()
	city := s.cfg.City
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	report := s.runner.RunCycle(ctx, city, nil, false)
	s.log.Info("scheduled check finished",
		logx.Bool("success", report.Success),
		logx.String("message", report.Message),
		logx.Int("deliveries", len(report.Deliveries)))
}
