// Package telemetry provides Prometheus metrics, the OpenTelemetry tracing
// bootstrap, and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsAccepted   *prometheus.CounterVec
	EventsSuppressed prometheus.Counter
	EventsPublished  prometheus.Counter
	PublishFailures  prometheus.Counter
	ReadTimeouts     prometheus.Counter
	Reconnects       prometheus.Counter
	LinesDropped     prometheus.Counter
	BitsBelowMinimum prometheus.Counter

	// Histograms (seconds)
	PublishDuration prometheus.Observer

	// Gauges
	LastEventIDGauge   prometheus.Gauge
	ListenerStateGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_events_accepted_total", Help: "Accepted events appended to the log, by event type"}, []string{"event_type"})
		EventsSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_events_suppressed_total", Help: "Gift events suppressed as duplicates of a paired notification"})
		EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_events_published_total", Help: "Events delivered to the downstream queue"})
		PublishFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_publish_failures_total", Help: "Downstream queue publish failures"})
		ReadTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_read_timeouts_total", Help: "IRC read deadline expirations"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_reconnects_total", Help: "IRC reconnect procedures started"})
		LinesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_lines_dropped_total", Help: "Protocol lines dropped as malformed"})
		BitsBelowMinimum = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_bits_below_minimum_total", Help: "Bit cheers parsed but under the forwarding threshold"})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tracker_publish_duration_seconds", Help: "Queue publish duration seconds", Buckets: prometheus.DefBuckets})
		LastEventIDGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_event_log_last_id", Help: "Id of the most recently appended event log record"})
		ListenerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tracker_listener_state", Help: "Listener unit state (0 disconnected, 1 connecting, 2 authenticating, 3 listening, 4 reloading, 5 failed)"}, []string{"channel"})
	})
}

// SetLastEventID records the id of the newest log record.
func SetLastEventID(id int64) {
	if LastEventIDGauge != nil {
		LastEventIDGauge.Set(float64(id))
	}
}

// SetListenerState records the numeric state of a channel's listener unit.
func SetListenerState(channel string, state int) {
	if ListenerStateGauge != nil {
		ListenerStateGauge.WithLabelValues(channel).Set(float64(state))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
