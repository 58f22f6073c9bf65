package aqi

import (
	"strconv"
	"strings"
)

// DefaultMessageTemplate is the alert body sent over the messaging channel.
// Placeholders are substituted by RenderMessage.
const DefaultMessageTemplate = "🌬️ *AQI Alert for {city}*\n\n" +
	"📊 Current AQI: *{aqi}*\n" +
	"🎯 Level: *{level}*\n" +
	"🕐 Time: {timestamp}\n\n" +
	"{message}\n\n" +
	"🌡️ Temperature: {temperature}°C\n" +
	"💧 Humidity: {humidity}%"

const absentValue = "N/A"

// RenderMessage fills template placeholders from a reading and the advice
// text for its level. Absent optional values render as "N/A".
func RenderMessage(template string, r *Reading, advice string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultMessageTemplate
	}
	if strings.TrimSpace(advice) == "" {
		advice = "No specific advice available."
	}

	timestamp := absentValue
	if r.ObservedAt != nil {
		timestamp = r.ObservedAt.Format("2006-01-02 15:04:05")
	}

	return strings.NewReplacer(
		"{city}", r.City,
		"{aqi}", strconv.Itoa(r.AQI),
		"{level}", DisplayName(r.Level),
		"{timestamp}", timestamp,
		"{message}", advice,
		"{temperature}", formatWeather(r, WeatherTemperature),
		"{humidity}", formatWeather(r, WeatherHumidity),
	).Replace(template)
}

func formatWeather(r *Reading, key string) string {
	v, ok := r.WeatherValue(key)
	if !ok {
		return absentValue
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
