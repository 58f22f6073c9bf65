package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"aqinotify/internal/aqi"
)

// NotificationRecord is one delivery outcome, appended once per recipient
// per cycle and never mutated afterwards.
type NotificationRecord struct {
	ID        int64
	Recipient string
	City      string
	AQIValue  int
	Level     string
	Message   string
	Status    string // "sent" or "failed"
	Response  json.RawMessage
	SentAt    time.Time
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ReadingStats aggregates stored readings over a window.
type ReadingStats struct {
	Count      int
	AverageAQI float64
	MaxAQI     int
	MinAQI     int
}

// StoredReading is a persisted reading row.
type StoredReading struct {
	ID                int64
	City              string
	AQIValue          int
	DominantPollutant string
	ReadingTime       time.Time
	CreatedAt         time.Time
}

// InsertReading appends a reading. reading_time falls back to insertion
// time when the feed supplied no timestamp.
func (s *Store) InsertReading(ctx context.Context, r *aqi.Reading) error {
	now := time.Now()
	readingTime := now
	if r.ObservedAt != nil {
		readingTime = *r.ObservedAt
	}

	var lat, lng any
	if r.Coordinates != nil {
		lat, lng = r.Coordinates.Lat, r.Coordinates.Lng
	}

	pv := func(key string) any { v, ok := r.Pollutant(key); return nullFloat(v, ok) }
	wv := func(key string) any { v, ok := r.WeatherValue(key); return nullFloat(v, ok) }

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aqi_readings(
			city, aqi_value, dominant_pollutant,
			pm25, pm10, o3, no2, so2, co,
			temperature, humidity, pressure, wind_speed,
			latitude, longitude, reading_time, raw_response, created_at
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.City, r.AQI, nullStr(r.DominantPollutant),
		pv("pm25"), pv("pm10"), pv("o3"), pv("no2"), pv("so2"), pv("co"),
		wv(aqi.WeatherTemperature), wv(aqi.WeatherHumidity),
		wv(aqi.WeatherPressure), wv(aqi.WeatherWindSpeed),
		lat, lng,
		utcStamp(readingTime),
		nullStr(string(r.Raw)),
		utcStamp(now),
	)
	return err
}

// InsertNotification appends one delivery outcome record.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_logs(
			recipient, city, aqi_value, aqi_level, message_content,
			status, response_data, sent_at
		) VALUES(?,?,?,?,?,?,?,?)`,
		rec.Recipient, rec.City, rec.AQIValue, rec.Level, rec.Message,
		rec.Status, nullStr(string(rec.Response)),
		utcStamp(rec.SentAt),
	)
	return err
}

// HasRecentNotification reports whether any record with the given level
// and city was sent strictly after since. This is the rate-limit query:
// its scope is the (level, city) pair.
func (s *Store) HasRecentNotification(ctx context.Context, level, city string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notification_logs
		 WHERE aqi_level = ? AND city = ? AND sent_at > ? LIMIT 1`,
		level, city, utcStamp(since),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentNotifications returns up to limit records, newest first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, city, aqi_value, aqi_level, message_content,
		        status, COALESCE(response_data, ''), sent_at
		 FROM notification_logs ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		var response, sentAt string
		if err := rows.Scan(&rec.ID, &rec.Recipient, &rec.City, &rec.AQIValue,
			&rec.Level, &rec.Message, &rec.Status, &response, &sentAt); err != nil {
			return nil, err
		}
		if response != "" {
			rec.Response = json.RawMessage(response)
		}
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			rec.SentAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadingsSince returns stored readings with reading_time >= since,
// oldest first.
func (s *Store) ReadingsSince(ctx context.Context, since time.Time) ([]StoredReading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, city, aqi_value, COALESCE(dominant_pollutant, ''), reading_time, created_at
		 FROM aqi_readings WHERE reading_time >= ? ORDER BY reading_time ASC`,
		utcStamp(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var r StoredReading
		var readingTime, createdAt string
		if err := rows.Scan(&r.ID, &r.City, &r.AQIValue, &r.DominantPollutant,
			&readingTime, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, readingTime); err == nil {
			r.ReadingTime = t
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadingStatsSince aggregates count/avg/max/min over readings with
// reading_time >= since. Count 0 leaves the other fields zero.
func (s *Store) ReadingStatsSince(ctx context.Context, since time.Time) (ReadingStats, error) {
	var st ReadingStats
	var avg, maxV, minV sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(aqi_value), MAX(aqi_value), MIN(aqi_value)
		 FROM aqi_readings WHERE reading_time >= ?`,
		utcStamp(since),
	).Scan(&st.Count, &avg, &maxV, &minV)
	if err != nil {
		return ReadingStats{}, err
	}
	if avg.Valid {
		st.AverageAQI = avg.Float64
	}
	if maxV.Valid {
		st.MaxAQI = int(maxV.Float64)
	}
	if minV.Valid {
		st.MinAQI = int(minV.Float64)
	}
	return st, nil
}
