package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aqinotify/pkg/logx"
)

// Well-known setting keys. Each key holds a JSON value and falls back to
// a built-in default independently when absent.
const (
	KeyThresholds       = "thresholds"
	KeyRecipients       = "recipients"
	KeyQuietHours       = "quiet_hours"
	KeyRateLimitMinutes = "rate_limit_minutes"
)

// QuietHours is a daily suppression window. Start/End are "HH:MM" in the
// configured timezone; a Start after End wraps past midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// ThresholdOverride adjusts a built-in severity level. Nil fields keep
// the built-in value.
type ThresholdOverride struct {
	Notify  *bool   `json:"notify,omitempty"`
	Message *string `json:"message,omitempty"`
}

// GetSetting returns the raw JSON value for key, reporting presence.
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// SetSetting stores value (marshaled to JSON) under key, upserting.
func (s *Store) SetSetting(ctx context.Context, key string, value any, description string) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: marshal %q: %w", key, err)
	}
	return s.SetSettingRaw(ctx, key, b, description)
}

// SetSettingRaw stores a pre-encoded JSON value under key.
func (s *Store) SetSettingRaw(ctx context.Context, key string, value json.RawMessage, description string) error {
	if !json.Valid(value) {
		return fmt.Errorf("settings: value for %q is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, description, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value,
		   description=COALESCE(excluded.description, settings.description),
		   updated_at=excluded.updated_at`,
		key, string(value), nullStr(description), utcStamp(time.Now()),
	)
	if err != nil {
		return err
	}
	s.log.Info("setting updated", logx.String("key", key))
	return nil
}

// getJSON decodes the stored value for key into out.
// Returns false when the key is absent; decoding errors are returned so
// a corrupt row is visible rather than silently defaulted.
func (s *Store) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.GetSetting(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("settings: decode %q: %w", key, err)
	}
	return true, nil
}

// Recipients returns the stored recipient list, order preserved,
// duplicates permitted. Absent key yields def.
func (s *Store) Recipients(ctx context.Context, def []string) ([]string, error) {
	var got []string
	ok, err := s.getJSON(ctx, KeyRecipients, &got)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return got, nil
}

// QuietHoursSetting returns the stored quiet hours, or def when absent.
func (s *Store) QuietHoursSetting(ctx context.Context, def QuietHours) (QuietHours, error) {
	var got QuietHours
	ok, err := s.getJSON(ctx, KeyQuietHours, &got)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return got, nil
}

// RateLimitMinutes returns the stored rate-limit window, or def when
// absent or non-positive.
func (s *Store) RateLimitMinutes(ctx context.Context, def int) (int, error) {
	var got int
	ok, err := s.getJSON(ctx, KeyRateLimitMinutes, &got)
	if err != nil {
		return def, err
	}
	if !ok || got < 1 {
		return def, nil
	}
	return got, nil
}

// ThresholdOverrides returns per-level overrides of notify flags and
// advice messages. Absent key yields an empty map.
func (s *Store) ThresholdOverrides(ctx context.Context) (map[string]ThresholdOverride, error) {
	got := map[string]ThresholdOverride{}
	if _, err := s.getJSON(ctx, KeyThresholds, &got); err != nil {
		return nil, err
	}
	return got, nil
}
