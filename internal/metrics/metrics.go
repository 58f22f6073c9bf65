package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqinotify_fetches_total",
			Help: "Total AQI feed fetch attempts by outcome (ok/connectivity/upstream/parse)",
		},
		[]string{"outcome"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqinotify_cycles_total",
			Help: "Total check-and-notify cycles by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqinotify_notifications_total",
			Help: "Total notification deliveries by final status (sent/failed)",
		},
		[]string{"status"},
	)

	SendAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aqinotify_send_attempts_total",
			Help: "Total individual channel send attempts, including retries",
		},
	)

	SessionRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aqinotify_session_recoveries_total",
			Help: "Total channel session recovery sequences triggered by send failures",
		},
	)
)
