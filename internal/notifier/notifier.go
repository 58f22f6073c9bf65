// Package notifier ties fetch, classification, gating, delivery, and
// persistence into one check-and-notify cycle.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"aqinotify/internal/aqi"
	"aqinotify/internal/delivery"
	"aqinotify/internal/gate"
	"aqinotify/internal/metrics"
	"aqinotify/internal/store"
	"aqinotify/pkg/logx"
)

// Fetcher produces the current reading for a city.
type Fetcher interface {
	Fetch(ctx context.Context, city string) (*aqi.Reading, error)
}

// Gater decides whether a reading should notify.
type Gater interface {
	ShouldNotify(ctx context.Context, r *aqi.Reading, force bool) (gate.Decision, error)
}

// Sender delivers a message to recipients.
type Sender interface {
	Send(ctx context.Context, recipient, message string) delivery.Result
	SendAll(ctx context.Context, recipients []string, message string) []delivery.Result
}

// Storage is the slice of the store the orchestrator uses.
type Storage interface {
	InsertReading(ctx context.Context, r *aqi.Reading) error
	InsertNotification(ctx context.Context, rec store.NotificationRecord) error
	Recipients(ctx context.Context, def []string) ([]string, error)
	ThresholdOverrides(ctx context.Context) (map[string]store.ThresholdOverride, error)
	SetSettingRaw(ctx context.Context, key string, value json.RawMessage, description string) error
	RecentNotifications(ctx context.Context, limit int) ([]store.NotificationRecord, error)
	ReadingsSince(ctx context.Context, since time.Time) ([]store.StoredReading, error)
	ReadingStatsSince(ctx context.Context, since time.Time) (store.ReadingStats, error)
}

// Config holds orchestration knobs that are not per-component.
type Config struct {
	// DefaultRecipient is the last-resort recipient when neither an
	// override nor the settings store provides any.
	DefaultRecipient string
	MessageTemplate  string
}

// CycleReport is the structured outcome of one cycle. Success=true with
// zero deliveries means "checked, nothing needed to happen".
type CycleReport struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Reading    *aqi.Reading      `json:"-"`
	Reason     string            `json:"reason,omitempty"`
	Deliveries []delivery.Result `json:"deliveries"`
}

type Notifier struct {
	fetcher Fetcher
	levels  *aqi.Table
	gate    Gater
	sender  Sender
	storage Storage
	cfg     Config
	log     logx.Logger
}

func New(fetcher Fetcher, levels *aqi.Table, g Gater, sender Sender, storage Storage, cfg Config, log logx.Logger) *Notifier {
	return &Notifier{
		fetcher: fetcher,
		levels:  levels,
		gate:    g,
		sender:  sender,
		storage: storage,
		cfg:     cfg,
		log:     log,
	}
}

// RunCycle executes one fetch → classify → persist → gate → deliver →
// record sequence. It never panics across this boundary; unexpected
// defects are logged and reported as a generic failure.
//
// Callers must not overlap invocations for the same deployment: the
// rate-limit check and record write are not transactional, so concurrent
// cycles could double-send within a window. Scheduling enforces this
// with a skip-if-running policy; manual runs share that expectation.
func (n *Notifier) RunCycle(ctx context.Context, city string, recipients []string, force bool) (report CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("panic in check cycle",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			metrics.CyclesTotal.WithLabelValues("panic").Inc()
			report = CycleReport{Success: false, Message: fmt.Sprintf("unexpected error: %v", r)}
		}
	}()

	n.log.Info("starting AQI check and notification cycle")

	reading, err := n.fetcher.Fetch(ctx, city)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("fetch_failed").Inc()
		return CycleReport{Success: false, Message: "failed to fetch AQI data"}
	}

	// Persistence failures are logged and swallowed; a cycle is not
	// worth aborting over a history write.
	if err := n.storage.InsertReading(ctx, reading); err != nil {
		n.log.Error("failed to store reading", logx.Err(err),
			logx.String("city", reading.City), logx.Int("aqi", reading.AQI))
	}

	decision, err := n.gate.ShouldNotify(ctx, reading, force)
	if err != nil {
		n.log.Error("gate evaluation failed", logx.Err(err))
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleReport{Success: false, Message: "gate evaluation failed", Reading: reading}
	}

	if !decision.Notify {
		n.log.Info("no notification needed",
			logx.Int("aqi", reading.AQI),
			logx.String("level", reading.Level),
			logx.String("reason", decision.Reason))
		metrics.CyclesTotal.WithLabelValues("no_notification").Inc()
		return CycleReport{
			Success: true,
			Message: "AQI checked, no notification needed",
			Reading: reading,
			Reason:  decision.Reason,
		}
	}

	targets, err := n.resolveRecipients(ctx, recipients)
	if err != nil {
		n.log.Error("failed to resolve recipients", logx.Err(err))
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return CycleReport{Success: false, Message: "failed to resolve recipients", Reading: reading}
	}
	if len(targets) == 0 {
		metrics.CyclesTotal.WithLabelValues("no_recipients").Inc()
		return CycleReport{Success: false, Message: "no recipients configured", Reading: reading, Reason: decision.Reason}
	}

	message := aqi.RenderMessage(n.cfg.MessageTemplate, reading, n.adviceFor(ctx, reading.Level))

	results := n.sender.SendAll(ctx, targets, message)
	for _, res := range results {
		n.recordDelivery(ctx, reading, message, res)
	}

	metrics.CyclesTotal.WithLabelValues("notified").Inc()
	return CycleReport{
		Success:    true,
		Message:    "AQI checked and notifications processed",
		Reading:    reading,
		Reason:     decision.Reason,
		Deliveries: results,
	}
}

// resolveRecipients picks the explicit override, else the stored list,
// else the configured fallback.
func (n *Notifier) resolveRecipients(ctx context.Context, override []string) ([]string, error) {
	if len(override) > 0 {
		return override, nil
	}
	stored, err := n.storage.Recipients(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}
	if strings.TrimSpace(n.cfg.DefaultRecipient) != "" {
		return []string{n.cfg.DefaultRecipient}, nil
	}
	return nil, nil
}

// adviceFor returns the advice text for a level, preferring a stored
// message override over the built-in table.
func (n *Notifier) adviceFor(ctx context.Context, level string) string {
	overrides, err := n.storage.ThresholdOverrides(ctx)
	if err != nil {
		n.log.Warn("failed to read threshold overrides", logx.Err(err))
	} else if ov, ok := overrides[level]; ok && ov.Message != nil {
		return *ov.Message
	}
	if cfg, ok := n.levels.ConfigFor(level); ok {
		return cfg.Message
	}
	return ""
}

// recordDelivery appends exactly one notification record per recipient
// per cycle, whatever the outcome.
func (n *Notifier) recordDelivery(ctx context.Context, reading *aqi.Reading, message string, res delivery.Result) {
	status := store.StatusSent
	if !res.Success {
		status = store.StatusFailed
	}
	metrics.NotificationsTotal.WithLabelValues(status).Inc()

	response, err := json.Marshal(res)
	if err != nil {
		response = nil
	}
	rec := store.NotificationRecord{
		Recipient: res.Recipient,
		City:      reading.City,
		AQIValue:  reading.AQI,
		Level:     reading.Level,
		Message:   message,
		Status:    status,
		Response:  response,
		SentAt:    time.Now(),
	}
	if err := n.storage.InsertNotification(ctx, rec); err != nil {
		n.log.Error("failed to log notification", logx.Err(err),
			logx.String("recipient", res.Recipient))
	}
}
