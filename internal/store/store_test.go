package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"aqinotify/internal/aqi"
	"aqinotify/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetSetting missing = ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting(ctx, KeyRateLimitMinutes, 30, "window"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.RateLimitMinutes(ctx, 60)
	if err != nil || got != 30 {
		t.Fatalf("RateLimitMinutes = %d, %v", got, err)
	}

	// Upsert replaces the value.
	if err := s.SetSetting(ctx, KeyRateLimitMinutes, 90, ""); err != nil {
		t.Fatalf("SetSetting update: %v", err)
	}
	got, err = s.RateLimitMinutes(ctx, 60)
	if err != nil || got != 90 {
		t.Fatalf("RateLimitMinutes after update = %d, %v", got, err)
	}
}

func TestSetSettingRawRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.SetSettingRaw(context.Background(), "x", json.RawMessage(`{broken`), ""); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRateLimitMinutesIgnoresNonPositive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, KeyRateLimitMinutes, 0, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.RateLimitMinutes(ctx, 60)
	if err != nil || got != 60 {
		t.Fatalf("RateLimitMinutes = %d, %v; want default 60", got, err)
	}
}

func TestRecipientsDefault(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	def := []string{"111"}
	got, err := s.Recipients(ctx, def)
	if err != nil || len(got) != 1 || got[0] != "111" {
		t.Fatalf("Recipients default = %v, %v", got, err)
	}

	if err := s.SetSetting(ctx, KeyRecipients, []string{"222", "333"}, ""); err != nil {
		t.Fatal(err)
	}
	got, err = s.Recipients(ctx, def)
	if err != nil || len(got) != 2 || got[0] != "222" {
		t.Fatalf("Recipients stored = %v, %v", got, err)
	}
}

func TestQuietHoursSetting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	def := QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	got, err := s.QuietHoursSetting(ctx, def)
	if err != nil || got != def {
		t.Fatalf("QuietHoursSetting default = %+v, %v", got, err)
	}

	want := QuietHours{Enabled: false, Start: "23:00", End: "06:00", Timezone: "Asia/Kuala_Lumpur"}
	if err := s.SetSetting(ctx, KeyQuietHours, want, ""); err != nil {
		t.Fatal(err)
	}
	got, err = s.QuietHoursSetting(ctx, def)
	if err != nil || got != want {
		t.Fatalf("QuietHoursSetting stored = %+v, %v", got, err)
	}
}

func TestThresholdOverrides(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.ThresholdOverrides(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("ThresholdOverrides empty = %v, %v", got, err)
	}

	no := false
	msg := "custom advice"
	if err := s.SetSetting(ctx, KeyThresholds, map[string]ThresholdOverride{
		"unhealthy": {Notify: &no, Message: &msg},
	}, ""); err != nil {
		t.Fatal(err)
	}

	got, err = s.ThresholdOverrides(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ov, ok := got["unhealthy"]
	if !ok || ov.Notify == nil || *ov.Notify || ov.Message == nil || *ov.Message != msg {
		t.Fatalf("override = %+v", ov)
	}
}

func TestInsertReadingAndStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, aqiVal := range []int{40, 160, 310} {
		ts := base.Add(time.Duration(i) * time.Minute)
		r := &aqi.Reading{
			City:              "kuala-lumpur",
			AQI:               aqiVal,
			Level:             "x",
			DominantPollutant: "pm25",
			Pollutants:        map[string]float64{"pm25": 12.5},
			Weather:           map[string]float64{aqi.WeatherTemperature: 30},
			ObservedAt:        &ts,
			Raw:               json.RawMessage(`{"aqi":0}`),
		}
		if err := s.InsertReading(ctx, r); err != nil {
			t.Fatalf("InsertReading: %v", err)
		}
	}

	stats, err := s.ReadingStatsSince(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReadingStatsSince: %v", err)
	}
	if stats.Count != 3 || stats.MinAQI != 40 || stats.MaxAQI != 310 {
		t.Fatalf("stats = %+v", stats)
	}

	readings, err := s.ReadingsSince(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("readings = %d, want 3", len(readings))
	}
	// Oldest first.
	if readings[0].AQIValue != 40 || readings[2].AQIValue != 310 {
		t.Fatalf("order wrong: %+v", readings)
	}

	empty, err := s.ReadingStatsSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if empty.Count != 0 || empty.MaxAQI != 0 {
		t.Fatalf("empty stats = %+v", empty)
	}
}

func TestNotificationHistoryAndRateLimitQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := NotificationRecord{
		Recipient: "60123456789@c.us",
		City:      "kuala-lumpur",
		AQIValue:  160,
		Level:     "unhealthy",
		Message:   "alert",
		Status:    StatusSent,
		Response:  json.RawMessage(`{"ok":true}`),
		SentAt:    now.Add(-10 * time.Minute),
	}
	if err := s.InsertNotification(ctx, rec); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	tests := []struct {
		name  string
		level string
		city  string
		since time.Time
		want  bool
	}{
		{name: "within window", level: "unhealthy", city: "kuala-lumpur", since: now.Add(-time.Hour), want: true},
		{name: "outside window", level: "unhealthy", city: "kuala-lumpur", since: now.Add(-5 * time.Minute), want: false},
		{name: "other level", level: "hazardous", city: "kuala-lumpur", since: now.Add(-time.Hour), want: false},
		{name: "other city", level: "unhealthy", city: "bangkok", since: now.Add(-time.Hour), want: false},
	}
	for _, tt := range tests {
		got, err := s.HasRecentNotification(ctx, tt.level, tt.city, tt.since)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: HasRecentNotification = %v, want %v", tt.name, got, tt.want)
		}
	}

	recs, err := s.RecentNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("RecentNotifications: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	got := recs[0]
	if got.Recipient != rec.Recipient || got.Status != StatusSent || got.AQIValue != 160 {
		t.Fatalf("record = %+v", got)
	}
	if string(got.Response) != `{"ok":true}` {
		t.Fatalf("response = %s", got.Response)
	}
}

func TestTimestampComparisonsAcrossOffsets(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	kl := time.FixedZone("UTC+8", 8*3600)

	// 09:00+08:00 is 01:00Z. A since of 02:00Z is temporally later, so the
	// record must fall outside the window regardless of how it was written.
	rec := NotificationRecord{
		Recipient: "x@c.us",
		City:      "kuala-lumpur",
		AQIValue:  160,
		Level:     "unhealthy",
		Message:   "m",
		Status:    StatusSent,
		SentAt:    time.Date(2026, 9, 1, 9, 0, 0, 0, kl),
	}
	if err := s.InsertNotification(ctx, rec); err != nil {
		t.Fatal(err)
	}

	since := time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC)
	got, err := s.HasRecentNotification(ctx, "unhealthy", "kuala-lumpur", since)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("record at 01:00Z reported inside a window starting 02:00Z")
	}

	// And the converse: a temporally newer record is found even when the
	// query time carries a different offset.
	got, err = s.HasRecentNotification(ctx, "unhealthy", "kuala-lumpur",
		time.Date(2026, 9, 1, 8, 0, 0, 0, kl)) // 00:00Z
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("record at 01:00Z missed by a window starting 00:00Z")
	}

	// Readings follow the same rule.
	observed := time.Date(2026, 9, 1, 9, 0, 0, 0, kl)
	if err := s.InsertReading(ctx, &aqi.Reading{
		City: "kuala-lumpur", AQI: 160, Level: "unhealthy", ObservedAt: &observed,
	}); err != nil {
		t.Fatal(err)
	}
	readings, err := s.ReadingsSince(ctx, time.Date(2026, 9, 1, 2, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 0 {
		t.Fatalf("reading at 01:00Z returned for a window starting 02:00Z: %+v", readings)
	}
	stats, err := s.ReadingStatsSince(ctx, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Count != 1 {
		t.Fatalf("stats.Count = %d, want 1", stats.Count)
	}
}

func TestRecentNotificationsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		rec := NotificationRecord{
			Recipient: "x@c.us",
			City:      "kuala-lumpur",
			AQIValue:  100 + i,
			Level:     "moderate",
			Message:   "m",
			Status:    StatusSent,
			SentAt:    now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertNotification(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.RecentNotifications(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].AQIValue != 102 || recs[1].AQIValue != 101 {
		t.Fatalf("order wrong: %d, %d", recs[0].AQIValue, recs[1].AQIValue)
	}
}
