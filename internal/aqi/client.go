package aqi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aqinotify/internal/metrics"
	"aqinotify/pkg/logx"
)

// FailureKind classifies why a fetch produced no reading.
type FailureKind string

const (
	FailureConnectivity FailureKind = "connectivity"
	FailureUpstream     FailureKind = "upstream"
	FailureParse        FailureKind = "parse"
)

// FetchError is the only error type returned by Client.Fetch.
// Callers treat any fetch error as "no reading this cycle", never as fatal.
type FetchError struct {
	Kind FailureKind
	City string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("aqi fetch (%s) for %q: %v", e.Kind, e.City, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientConfig configures the upstream AQI feed client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	DefaultCity string
	Timeout     time.Duration
}

func (c *ClientConfig) normalize() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://api.waqi.info"
	}
	if strings.TrimSpace(c.DefaultCity) == "" {
		c.DefaultCity = "kuala-lumpur"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client fetches and normalizes current readings from a WAQI-style feed.
//
// The feed endpoint is GET {base}/feed/{city}/?token=... returning
// {"status":"ok","data":{...}}. Individual fields in the payload are
// optional; a missing pollutant or ambient value is omitted from the
// reading, never defaulted.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	levels *Table
	loc    *time.Location
	log    logx.Logger
}

func NewClient(cfg ClientConfig, levels *Table, loc *time.Location, log logx.Logger) *Client {
	cfg.normalize()
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		levels: levels,
		loc:    loc,
		log:    log,
	}
}

// DefaultCity returns the city used when Fetch is called with an empty key.
func (c *Client) DefaultCity() string { return c.cfg.DefaultCity }

// Fetch retrieves the current reading for city (default city when empty).
// All failures come back as *FetchError; no reading is ever partially valid.
func (c *Client) Fetch(ctx context.Context, city string) (*Reading, error) {
	if strings.TrimSpace(city) == "" {
		city = c.cfg.DefaultCity
	}

	u := fmt.Sprintf("%s/feed/%s/?token=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(city), url.QueryEscape(c.cfg.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, c.fail(FailureConnectivity, city, err)
	}

	c.log.Debug("fetching AQI data", logx.String("city", city))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(FailureConnectivity, city, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(FailureConnectivity, city, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(FailureUpstream, city,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// A body that is not even JSON is an upstream problem, not ours.
		return nil, c.fail(FailureUpstream, city, fmt.Errorf("unmarshal: %w", err))
	}
	if env.Status != "ok" {
		return nil, c.fail(FailureUpstream, city, fmt.Errorf("feed status %q", env.Status))
	}
	if len(env.Data) == 0 {
		return nil, c.fail(FailureUpstream, city, fmt.Errorf("empty data payload"))
	}

	reading, err := c.parse(env.Data)
	if err != nil {
		return nil, c.fail(FailureParse, city, err)
	}

	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	c.log.Info("fetched AQI data",
		logx.String("city", reading.City),
		logx.Int("aqi", reading.AQI),
		logx.String("level", reading.Level))
	return reading, nil
}

func (c *Client) fail(kind FailureKind, city string, err error) *FetchError {
	metrics.FetchesTotal.WithLabelValues(string(kind)).Inc()
	fe := &FetchError{Kind: kind, City: city, Err: err}
	c.log.Error("AQI fetch failed",
		logx.String("city", city),
		logx.String("kind", string(kind)),
		logx.Err(err))
	return fe
}

// ---- payload parsing ----

type feedEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type feedData struct {
	AQI  json.RawMessage `json:"aqi"`
	City struct {
		Name string    `json:"name"`
		Geo  []float64 `json:"geo"`
	} `json:"city"`
	Dominentpol string `json:"dominentpol"`
	IAQI        map[string]struct {
		V *float64 `json:"v"`
	} `json:"iaqi"`
	Time *struct {
		S string `json:"s"`
	} `json:"time"`
}

const feedTimeLayout = "2006-01-02 15:04:05"

func (c *Client) parse(raw json.RawMessage) (*Reading, error) {
	var d feedData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}

	value, err := parseAQIValue(d.AQI)
	if err != nil {
		return nil, err
	}

	city := d.City.Name
	if strings.TrimSpace(city) == "" {
		city = "Unknown"
	}

	r := &Reading{
		City:              city,
		AQI:               value,
		Level:             c.levels.LevelFor(value),
		DominantPollutant: d.Dominentpol,
		Pollutants:        map[string]float64{},
		Weather:           map[string]float64{},
		Raw:               append(json.RawMessage(nil), raw...),
	}

	for _, key := range pollutantKeys {
		if e, ok := d.IAQI[key]; ok && e.V != nil {
			r.Pollutants[key] = *e.V
		}
	}
	// Short codes: t=temperature, h=humidity, p=pressure, w=wind speed.
	for code, name := range map[string]string{
		"t": WeatherTemperature,
		"h": WeatherHumidity,
		"p": WeatherPressure,
		"w": WeatherWindSpeed,
	} {
		if e, ok := d.IAQI[code]; ok && e.V != nil {
			r.Weather[name] = *e.V
		}
	}

	if len(d.City.Geo) >= 2 {
		r.Coordinates = &Coordinates{Lat: d.City.Geo[0], Lng: d.City.Geo[1]}
	}

	if d.Time != nil && strings.TrimSpace(d.Time.S) != "" {
		ts, err := time.ParseInLocation(feedTimeLayout, d.Time.S, c.loc)
		if err != nil {
			// Field-level parse errors are tolerated; the timestamp is
			// simply absent from the reading.
			c.log.Warn("failed to parse feed timestamp",
				logx.String("raw", d.Time.S), logx.Err(err))
		} else {
			r.ObservedAt = &ts
		}
	}

	return r, nil
}

// parseAQIValue accepts the value as a JSON number or numeric string.
// The feed reports "-" for stations with no current index; that is an
// upstream data problem, not a zero reading.
func parseAQIValue(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing aqi value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("non-numeric aqi value %s", truncate(string(raw), 40))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
