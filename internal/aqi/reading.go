package aqi

import (
	"encoding/json"
	"time"
)

// Pollutant and weather keys found in readings. Values are only present
// when the upstream feed reported them; absence is meaningful (a zero
// concentration is a real measurement, a missing one is not).
const (
	WeatherTemperature = "temperature"
	WeatherHumidity    = "humidity"
	WeatherPressure    = "pressure"
	WeatherWindSpeed   = "wind_speed"
)

var pollutantKeys = []string{"pm25", "pm10", "o3", "no2", "so2", "co"}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Reading is one normalized snapshot of the monitored feed.
// Immutable once constructed; persisted verbatim to history.
type Reading struct {
	City              string
	AQI               int
	Level             string
	DominantPollutant string

	Pollutants map[string]float64
	Weather    map[string]float64

	Coordinates *Coordinates
	ObservedAt  *time.Time

	// Raw is the upstream "data" object exactly as received.
	Raw json.RawMessage
}

// Pollutant returns the named pollutant value if present.
func (r *Reading) Pollutant(key string) (float64, bool) {
	v, ok := r.Pollutants[key]
	return v, ok
}

// WeatherValue returns the named ambient value if present.
func (r *Reading) WeatherValue(key string) (float64, bool) {
	v, ok := r.Weather[key]
	return v, ok
}
