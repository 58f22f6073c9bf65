package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued config fields are Go duration strings ("5s", "1m30s").
// An empty field means "not set": ParseDurationField reports it as zero so
// Validate can pass it through, and ParseDurationOrDefault resolves it to
// the component default at wiring time.

func ParseDurationField(field, value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", field, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, value)
	}
	return d, nil
}

func ParseDurationOrDefault(field, value string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
