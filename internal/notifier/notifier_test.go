package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"aqinotify/internal/aqi"
	"aqinotify/internal/delivery"
	"aqinotify/internal/gate"
	"aqinotify/internal/store"
	"aqinotify/pkg/logx"
)

type fakeFetcher struct {
	reading *aqi.Reading
	err     error
}

func (f *fakeFetcher) Fetch(context.Context, string) (*aqi.Reading, error) {
	return f.reading, f.err
}

type fakeGate struct {
	decision gate.Decision
	err      error
}

func (f *fakeGate) ShouldNotify(context.Context, *aqi.Reading, bool) (gate.Decision, error) {
	return f.decision, f.err
}

type fakeSender struct {
	sent    []string
	message string
	fail    bool
}

func (f *fakeSender) Send(_ context.Context, recipient, message string) delivery.Result {
	f.sent = append(f.sent, recipient)
	f.message = message
	return delivery.Result{
		Recipient: recipient,
		ChatID:    recipient,
		Success:   !f.fail,
		Attempts:  1,
		MessageID: "mid",
	}
}

func (f *fakeSender) SendAll(ctx context.Context, recipients []string, message string) []delivery.Result {
	out := make([]delivery.Result, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, f.Send(ctx, r, message))
	}
	return out
}

type fakeStorage struct {
	readings      []*aqi.Reading
	notifications []store.NotificationRecord
	recipients    []string
	overrides     map[string]store.ThresholdOverride
	insertErr     error
}

func (f *fakeStorage) InsertReading(_ context.Context, r *aqi.Reading) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeStorage) InsertNotification(_ context.Context, rec store.NotificationRecord) error {
	f.notifications = append(f.notifications, rec)
	return nil
}

func (f *fakeStorage) Recipients(_ context.Context, def []string) ([]string, error) {
	if f.recipients != nil {
		return f.recipients, nil
	}
	return def, nil
}

func (f *fakeStorage) ThresholdOverrides(context.Context) (map[string]store.ThresholdOverride, error) {
	if f.overrides == nil {
		return map[string]store.ThresholdOverride{}, nil
	}
	return f.overrides, nil
}

func (f *fakeStorage) SetSettingRaw(context.Context, string, json.RawMessage, string) error {
	return nil
}

func (f *fakeStorage) RecentNotifications(context.Context, int) ([]store.NotificationRecord, error) {
	return f.notifications, nil
}

func (f *fakeStorage) ReadingsSince(context.Context, time.Time) ([]store.StoredReading, error) {
	return nil, nil
}

func (f *fakeStorage) ReadingStatsSince(context.Context, time.Time) (store.ReadingStats, error) {
	return store.ReadingStats{}, nil
}

func unhealthyReading() *aqi.Reading {
	return &aqi.Reading{
		City:  "kuala-lumpur",
		AQI:   160,
		Level: "unhealthy",
		Weather: map[string]float64{
			aqi.WeatherTemperature: 31,
			aqi.WeatherHumidity:    80,
		},
	}
}

func newTestNotifier(fetcher Fetcher, g Gater, sender Sender, storage Storage) *Notifier {
	return New(fetcher, aqi.MustDefaultTable(), g, sender, storage,
		Config{DefaultRecipient: "60123456789"}, logx.Nop())
}

func TestRunCycleDeliversAndRecords(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	storage := &fakeStorage{}
	n := newTestNotifier(
		&fakeFetcher{reading: unhealthyReading()},
		&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
		sender, storage)

	report := n.RunCycle(context.Background(), "", nil, false)

	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Deliveries) != 1 || !report.Deliveries[0].Success {
		t.Fatalf("deliveries = %+v", report.Deliveries)
	}
	if len(storage.readings) != 1 {
		t.Fatalf("readings stored = %d, want 1", len(storage.readings))
	}
	if len(storage.notifications) != 1 {
		t.Fatalf("notifications stored = %d, want 1", len(storage.notifications))
	}
	rec := storage.notifications[0]
	if rec.Status != store.StatusSent || rec.Level != "unhealthy" || rec.City != "kuala-lumpur" {
		t.Fatalf("record = %+v", rec)
	}
	if sender.message == "" {
		t.Fatal("rendered message missing")
	}
}

func TestRunCycleFetchFailure(t *testing.T) {
	t.Parallel()
	storage := &fakeStorage{}
	n := newTestNotifier(
		&fakeFetcher{err: errors.New("feed down")},
		&fakeGate{}, &fakeSender{}, storage)

	report := n.RunCycle(context.Background(), "", nil, false)

	if report.Success {
		t.Fatalf("report = %+v", report)
	}
	if report.Message != "failed to fetch AQI data" {
		t.Fatalf("message = %q", report.Message)
	}
	if len(storage.readings) != 0 {
		t.Fatal("no reading should be stored on fetch failure")
	}
}

func TestRunCycleSuppressedByGate(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	storage := &fakeStorage{}
	n := newTestNotifier(
		&fakeFetcher{reading: unhealthyReading()},
		&fakeGate{decision: gate.Decision{Notify: false, Reason: gate.ReasonQuietHours}},
		sender, storage)

	report := n.RunCycle(context.Background(), "", nil, false)

	if !report.Success || report.Reason != gate.ReasonQuietHours {
		t.Fatalf("report = %+v", report)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v, want none", sender.sent)
	}
	// The reading is still persisted even when suppressed.
	if len(storage.readings) != 1 {
		t.Fatalf("readings stored = %d, want 1", len(storage.readings))
	}
}

func TestRunCycleStorageFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	storage := &fakeStorage{insertErr: errors.New("disk full")}
	n := newTestNotifier(
		&fakeFetcher{reading: unhealthyReading()},
		&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
		sender, storage)

	report := n.RunCycle(context.Background(), "", nil, false)

	if !report.Success || len(report.Deliveries) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunCycleRecipientPrecedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		override []string
		stored   []string
		want     []string
	}{
		{name: "explicit override wins", override: []string{"999"}, stored: []string{"222"}, want: []string{"999"}},
		{name: "stored list next", stored: []string{"222", "333"}, want: []string{"222", "333"}},
		{name: "config fallback last", want: []string{"60123456789"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sender := &fakeSender{}
			storage := &fakeStorage{recipients: tt.stored}
			n := newTestNotifier(
				&fakeFetcher{reading: unhealthyReading()},
				&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
				sender, storage)

			report := n.RunCycle(context.Background(), "", tt.override, false)
			if !report.Success {
				t.Fatalf("report = %+v", report)
			}
			if len(sender.sent) != len(tt.want) {
				t.Fatalf("sent = %v, want %v", sender.sent, tt.want)
			}
			for i := range tt.want {
				if sender.sent[i] != tt.want[i] {
					t.Fatalf("sent = %v, want %v", sender.sent, tt.want)
				}
			}
		})
	}
}

func TestRunCycleNoRecipients(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	storage := &fakeStorage{}
	n := New(&fakeFetcher{reading: unhealthyReading()}, aqi.MustDefaultTable(),
		&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
		sender, storage, Config{}, logx.Nop())

	report := n.RunCycle(context.Background(), "", nil, false)

	if report.Success {
		t.Fatalf("report = %+v", report)
	}
	if report.Message != "no recipients configured" {
		t.Fatalf("message = %q", report.Message)
	}
}

func TestRunCycleFailedDeliveryRecorded(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fail: true}
	storage := &fakeStorage{}
	n := newTestNotifier(
		&fakeFetcher{reading: unhealthyReading()},
		&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
		sender, storage)

	report := n.RunCycle(context.Background(), "", nil, false)

	// A cycle that ran to completion is successful even when a delivery failed.
	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if len(storage.notifications) != 1 || storage.notifications[0].Status != store.StatusFailed {
		t.Fatalf("notifications = %+v", storage.notifications)
	}
}

func TestAdviceOverrideUsedInMessage(t *testing.T) {
	t.Parallel()
	custom := "Custom advisory text."
	sender := &fakeSender{}
	storage := &fakeStorage{
		overrides: map[string]store.ThresholdOverride{
			"unhealthy": {Message: &custom},
		},
	}
	n := newTestNotifier(
		&fakeFetcher{reading: unhealthyReading()},
		&fakeGate{decision: gate.Decision{Notify: true, Reason: gate.ReasonEligible}},
		sender, storage)

	report := n.RunCycle(context.Background(), "", nil, false)
	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if !strings.Contains(sender.message, custom) {
		t.Fatalf("message %q does not contain override advice", sender.message)
	}
}
