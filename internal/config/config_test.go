package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
channel:
  base_url: http://localhost:3000
feed:
  token: demo
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Feed.DefaultCity != "kuala-lumpur" {
		t.Fatalf("Feed.DefaultCity = %q", cfg.Feed.DefaultCity)
	}
	if cfg.Feed.Timeout != "30s" || cfg.Channel.Timeout != "60s" {
		t.Fatalf("timeouts = %q/%q", cfg.Feed.Timeout, cfg.Channel.Timeout)
	}
	if cfg.Channel.Session != "default" {
		t.Fatalf("Channel.Session = %q", cfg.Channel.Session)
	}
	if cfg.Notifications.RateLimitMinutes != 60 {
		t.Fatalf("RateLimitMinutes = %d", cfg.Notifications.RateLimitMinutes)
	}
	if cfg.Notifications.QuietHours.Start != "22:00" || cfg.Notifications.QuietHours.End != "07:00" {
		t.Fatalf("quiet hours = %q-%q",
			cfg.Notifications.QuietHours.Start, cfg.Notifications.QuietHours.End)
	}
	if cfg.Scheduler.Spec != "@every 30m" {
		t.Fatalf("Scheduler.Spec = %q", cfg.Scheduler.Spec)
	}
}

func TestLoadJSONFormat(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"channel":{"base_url":"http://localhost:3000"},"feed":{"token":"demo"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.BaseURL != "http://localhost:3000" {
		t.Fatalf("BaseURL = %q", cfg.Channel.BaseURL)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML+"\nchanel_typo:\n  x: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadRejectsMissingChannelURL(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "feed:\n  token: demo\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for missing channel.base_url")
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML+`
notifications:
  retry:
    base_delay: "five seconds"
`))
	_, err := m.Load()
	if err == nil {
		t.Fatal("expected duration validation error")
	}
	if !strings.Contains(err.Error(), "base_delay") {
		t.Fatalf("error %v does not name the offending field", err)
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML+`
scheduler:
  enabled: true
  timezone: Mars/Olympus
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected timezone validation error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "1m30s")
	if err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("non-duration should fail")
	}

	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
}

func TestManagerSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte(minimalYAML+"\nlogging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("Logging.Level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	if got := m.Get(); got == nil || got.Logging.Level != "debug" {
		t.Fatalf("Get() = %+v", got)
	}
}

func TestManagerReloadSkipsUnchanged(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	m.reload()

	select {
	case <-sub:
		t.Fatal("unchanged config should not be published")
	default:
	}
}

func TestManagerReloadKeepsLastGoodOnError(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", minimalYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("feed:\n  token: demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if got := m.Get(); got == nil || got.Channel.BaseURL != "http://localhost:3000" {
		t.Fatalf("last good config lost: %+v", got)
	}
}
