package aqi

import (
	"fmt"
	"strings"
)

// Level is one named severity tier of the AQI scale.
// Min/Max are inclusive bounds over the metric value.
type Level struct {
	Key     string `json:"key"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Color   string `json:"color"`
	Message string `json:"message"`
	Notify  bool   `json:"notify"`
}

// Table is an ordered list of severity levels, least to most severe.
//
// Lookup walks the list in order and returns the first level whose
// [Min,Max] range contains the value. Values beyond every Max map to
// the last (most severe) level.
type Table struct {
	levels []Level
}

// DefaultLevels returns the built-in US EPA style AQI scale.
// Boundaries are deployment constants; notify flags and advice messages
// may be overridden per level through the settings store.
func DefaultLevels() []Level {
	return []Level{
		{Key: "good", Min: 0, Max: 50, Color: "green",
			Message: "Air quality is good. Enjoy outdoor activities!"},
		{Key: "moderate", Min: 51, Max: 100, Color: "yellow",
			Message: "Air quality is moderate. Sensitive people should consider limiting outdoor activities."},
		{Key: "unhealthy_sensitive", Min: 101, Max: 150, Color: "orange",
			Message: "Air quality is unhealthy for sensitive groups. Children, elderly, and people with respiratory conditions should limit outdoor activities.", Notify: true},
		{Key: "unhealthy", Min: 151, Max: 200, Color: "red",
			Message: "Air quality is unhealthy. Everyone should limit outdoor activities and consider wearing masks.", Notify: true},
		{Key: "very_unhealthy", Min: 201, Max: 300, Color: "purple",
			Message: "Air quality is very unhealthy. Avoid outdoor activities. Stay indoors and use air purifiers if available.", Notify: true},
		{Key: "hazardous", Min: 301, Max: 500, Color: "maroon",
			Message: "Air quality is hazardous. Emergency conditions. Avoid all outdoor activities.", Notify: true},
	}
}

// NewTable validates the level list and returns a lookup table.
//
// Validation is eager: ranges must be non-empty, strictly ordered, and
// contiguous (each Min = previous Max + 1), starting at 0. A misconfigured
// table is a deployment error, not something to paper over at lookup time.
func NewTable(levels []Level) (*Table, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("levels: empty table")
	}
	prevMax := -1
	seen := make(map[string]struct{}, len(levels))
	for i, lv := range levels {
		key := strings.TrimSpace(lv.Key)
		if key == "" {
			return nil, fmt.Errorf("levels[%d]: empty key", i)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("levels[%d]: duplicate key %q", i, key)
		}
		seen[key] = struct{}{}
		if lv.Max < lv.Min {
			return nil, fmt.Errorf("levels[%d] %q: max %d < min %d", i, key, lv.Max, lv.Min)
		}
		if lv.Min != prevMax+1 {
			return nil, fmt.Errorf("levels[%d] %q: min %d leaves gap or overlap after %d", i, key, lv.Min, prevMax)
		}
		prevMax = lv.Max
	}
	cp := make([]Level, len(levels))
	copy(cp, levels)
	return &Table{levels: cp}, nil
}

// MustDefaultTable returns the built-in table. The defaults are validated
// by tests; a panic here means the defaults themselves are broken.
func MustDefaultTable() *Table {
	t, err := NewTable(DefaultLevels())
	if err != nil {
		panic(err)
	}
	return t
}

// LevelFor maps a metric value to a severity key. Total: values above the
// highest Max return the most severe key, negative values the least severe.
func (t *Table) LevelFor(value int) string {
	for _, lv := range t.levels {
		if value >= lv.Min && value <= lv.Max {
			return lv.Key
		}
	}
	if value < t.levels[0].Min {
		return t.levels[0].Key
	}
	return t.levels[len(t.levels)-1].Key
}

// ConfigFor returns the level definition for a key.
func (t *Table) ConfigFor(key string) (Level, bool) {
	for _, lv := range t.levels {
		if lv.Key == key {
			return lv, true
		}
	}
	return Level{}, false
}

// Levels returns a copy of the ordered level list.
func (t *Table) Levels() []Level {
	cp := make([]Level, len(t.levels))
	copy(cp, t.levels)
	return cp
}

// DisplayName renders a level key for humans: "unhealthy_sensitive"
// becomes "Unhealthy sensitive".
func DisplayName(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
