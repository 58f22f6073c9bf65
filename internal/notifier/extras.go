package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aqinotify/internal/delivery"
	"aqinotify/internal/store"
)

// Statistics summarizes stored readings over the last N days.
type Statistics struct {
	Days     int
	Stats    store.ReadingStats
	Readings []store.StoredReading
}

// UpdateSetting stores a raw JSON value under a settings key.
func (n *Notifier) UpdateSetting(ctx context.Context, key string, value json.RawMessage, description string) error {
	return n.storage.SetSettingRaw(ctx, key, value, description)
}

// RecentNotifications returns the latest delivery records, newest first.
func (n *Notifier) RecentNotifications(ctx context.Context, limit int) ([]store.NotificationRecord, error) {
	return n.storage.RecentNotifications(ctx, limit)
}

// ReadingStatistics aggregates readings from the last days days.
func (n *Notifier) ReadingStatistics(ctx context.Context, days int) (Statistics, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)

	stats, err := n.storage.ReadingStatsSince(ctx, since)
	if err != nil {
		return Statistics{}, err
	}
	readings, err := n.storage.ReadingsSince(ctx, since)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{Days: days, Stats: stats, Readings: readings}, nil
}

// SendTest delivers a fixed connectivity-check message to one recipient,
// bypassing the gate and history entirely.
func (n *Notifier) SendTest(ctx context.Context, recipient string) delivery.Result {
	body := fmt.Sprintf("🤖 *AQI Notifier Test*\n\n"+
		"This is a test message from your AQI notification system.\n\n"+
		"If you received this message, your channel integration is working correctly!\n\n"+
		"⏰ Sent at: %s", time.Now().Format("2006-01-02 15:04:05"))
	return n.sender.Send(ctx, recipient, body)
}
