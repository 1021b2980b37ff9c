// Package metrics exposes prometheus instruments for the frame pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDemuxed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Encoded frames extracted from the stream.",
		},
	)
	demuxOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "stream",
			Name:      "buffer_overflows_total",
			Help:      "Demuxer buffer overflows followed by resynchronisation.",
		},
	)
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "stream",
			Name:      "decode_failures_total",
			Help:      "Frames dropped because they could not be decoded.",
		},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "watchpost",
			Subsystem: "cascade",
			Name:      "inference_duration_seconds",
			Help:      "Cascade stage inference duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	stageSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "cascade",
			Name:      "skipped_total",
			Help:      "Stage invocations skipped by short-circuit gating.",
		},
		[]string{"stage"},
	)
	incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "incidents",
			Name:      "total",
			Help:      "Incidents by outcome (declared, suppressed, persisted, fallback, failed, dropped).",
		},
		[]string{"outcome"},
	)
	persistAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchpost",
			Subsystem: "incidents",
			Name:      "persist_attempts_total",
			Help:      "Store append attempts by result.",
		},
		[]string{"store", "success"},
	)
)

// Register adds all instruments to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesDemuxed,
			demuxOverflows,
			decodeFailures,
			stageDuration,
			stageSkipped,
			incidents,
			persistAttempts,
		)
	})
}

func RecordFrames(n int) {
	Register()
	framesDemuxed.Add(float64(n))
}

func RecordOverflow() {
	Register()
	demuxOverflows.Inc()
}

func RecordDecodeFailure() {
	Register()
	decodeFailures.Inc()
}

func RecordStage(stage string, d time.Duration) {
	Register()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordStageSkipped(stage string) {
	Register()
	stageSkipped.WithLabelValues(stage).Inc()
}

// Incident outcomes.
const (
	OutcomeDeclared   = "declared"
	OutcomeSuppressed = "suppressed"
	OutcomePersisted  = "persisted"
	OutcomeFallback   = "fallback"
	OutcomeFailed     = "failed"
	OutcomeDropped    = "dropped"
)

func RecordIncident(outcome string) {
	Register()
	incidents.WithLabelValues(outcome).Inc()
}

func RecordPersistAttempt(store string, success bool) {
	Register()
	label := "false"
	if success {
		label = "true"
	}
	persistAttempts.WithLabelValues(store, label).Inc()
}
