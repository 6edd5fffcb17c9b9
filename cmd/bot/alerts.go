package main

import (
	"context"
	"strings"
	"time"

	"candlebot/internal/marketdata/stream"
	"candlebot/internal/metrics"
	"candlebot/internal/notification"
)

// maxRawInAlert caps how much of a malformed frame is quoted in an alert.
const maxRawInAlert = 256

// wireStream connects the stream hooks to metrics, health and the operator
// channel. Malformed frames, dropped connections and silent streams each
// raise an alert.
func wireStream(ctx context.Context, m *stream.Manager, n notification.Notifier, prom *metrics.Metrics, health *metrics.HealthStatus) {
	m.OnStateChange = func(from, to stream.State) {
		prom.StreamState.Set(float64(to))
		health.SetStream(to.String(), to == stream.Connected)
		if to != stream.Reconnecting {
			return
		}
		prom.StreamReconnects.WithLabelValues(strings.ToLower(from.String())).Inc()
		// the watchdog already sent STREAM DEGRADED for this one
		if from != stream.Degraded {
			n.Send(ctx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "STREAM RECONNECTING",
				Message: "connection lost while " + strings.ToLower(from.String()) + ", reconnecting",
			})
		}
	}
	m.OnParseError = func(err error, raw []byte) {
		prom.ParseErrors.Inc()
		if len(raw) > maxRawInAlert {
			raw = raw[:maxRawInAlert]
		}
		n.Send(ctx, notification.Alert{
			Level:        notification.AlertWarning,
			Title:        "STREAM PARSE ERROR",
			Message:      err.Error() + "\n" + string(raw),
			Preformatted: true,
		})
	}
	m.OnUnknownEvent = func(event string) {
		if event == "" {
			event = "none"
		}
		prom.UnknownEvents.WithLabelValues(event).Inc()
	}
	m.OnWatchdog = func(silence time.Duration) {
		prom.WatchdogTrips.Inc()
		n.Send(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "STREAM DEGRADED",
			Message: "no data for " + silence.Round(time.Second).String() + ", reconnecting",
		})
	}
}
