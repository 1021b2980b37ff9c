// Package app wires the frame source, the detection cascade and the incident
// logger into one sequential processing loop.
package app

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/display"
	"github.com/ayusman/watchpost/internal/incident"
)

var (
	// ErrStreamEnded is returned by Run when the source reaches end of stream.
	ErrStreamEnded = errors.New("stream ended")
	// ErrRunning is returned when Run is called on an app that is already running.
	ErrRunning = errors.New("app already running")
)

// Config holds the components the app orchestrates. Source, Classifier,
// Detector, Thresholds and Incidents are required.
type Config struct {
	Source     capture.Source
	Decoder    capture.Decoder
	MaxBuffer  int
	Classifier *cascade.Classifier
	Detector   *cascade.Detector
	Thresholds *incident.ThresholdStore
	Gating     incident.GatingMode
	Incidents  *incident.Logger
	Sink       display.Sink
	// InferenceRetries is how many extra attempts a failing stage gets before
	// the loop stops.
	InferenceRetries int
	RetryBackoff     backoff.Config
	// Listeners are subscribed to the incident logger.
	Listeners []incident.Listener
	// Observer, if set, receives the outcome of every inspected frame.
	Observer func(FrameResult)
	Logger   zerolog.Logger
}

// FrameResult is the cascade outcome for one frame.
type FrameResult struct {
	Seq        uint64                   `json:"seq"`
	Timestamp  time.Time                `json:"timestamp"`
	Classifier cascade.ClassifierResult `json:"classifier"`
	Detections []cascade.Detection      `json:"detections,omitempty"`
	Incident   *incident.Incident       `json:"incident,omitempty"`
}

// Stats counts per-frame outcomes.
type Stats struct {
	Frames         uint64 `json:"frames"`
	DecodeFailures uint64 `json:"decode_failures"`
	Classified     uint64 `json:"classified"`
	DetectorRuns   uint64 `json:"detector_runs"`
	Incidents      uint64 `json:"incidents"`
	Suppressed     uint64 `json:"suppressed"`
	Overflows      uint64 `json:"overflows"`
}

// App is the frame orchestrator.
type App struct {
	config     Config
	source     capture.Source
	demux      *capture.Demuxer
	decoder    capture.Decoder
	classifier *cascade.Classifier
	detector   *cascade.Detector
	thresholds *incident.ThresholdStore
	incidents  *incident.Logger
	sink       display.Sink
	logger     zerolog.Logger

	enabled atomic.Bool
	running atomic.Bool
	stopped atomic.Bool

	mu    sync.RWMutex
	stats Stats
}

// New validates config and creates an App. Inference starts enabled.
func New(config Config) (*App, error) {
	switch {
	case config.Source == nil:
		return nil, errors.New("app: source is required")
	case config.Classifier == nil || config.Detector == nil:
		return nil, errors.New("app: both cascade stages are required")
	case config.Thresholds == nil:
		return nil, errors.New("app: threshold store is required")
	case config.Incidents == nil:
		return nil, errors.New("app: incident logger is required")
	case config.InferenceRetries < 0:
		return nil, fmt.Errorf("app: inference retries must not be negative, got %d", config.InferenceRetries)
	}

	if config.Decoder == nil {
		config.Decoder = capture.NewDecoder()
	}
	if config.Sink == nil {
		config.Sink = display.Nop{}
	}
	if config.MaxBuffer <= 0 {
		config.MaxBuffer = capture.DefaultMaxBuffer
	}

	a := &App{
		config:     config,
		source:     config.Source,
		demux:      capture.NewDemuxer(config.MaxBuffer),
		decoder:    config.Decoder,
		classifier: config.Classifier,
		detector:   config.Detector,
		thresholds: config.Thresholds,
		incidents:  config.Incidents,
		sink:       config.Sink,
		logger:     config.Logger.With().Str("component", "app").Logger(),
	}
	a.enabled.Store(true)

	for _, fn := range config.Listeners {
		a.incidents.Subscribe(fn)
	}
	return a, nil
}

// SetEnabled pauses or resumes inference. Frames keep flowing to the sink
// while paused.
func (a *App) SetEnabled(enabled bool) {
	if a.enabled.Swap(enabled) != enabled {
		a.logger.Info().Bool("enabled", enabled).Msg("inference toggled")
	}
}

// IsEnabled returns whether inference is running.
func (a *App) IsEnabled() bool {
	return a.enabled.Load()
}

// IsRunning reports whether Run is active.
func (a *App) IsRunning() bool {
	return a.running.Load()
}

// Stop asks Run to return after the frame in progress.
func (a *App) Stop() {
	a.stopped.Store(true)
}

// Stats returns a copy of the counters.
func (a *App) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

func (a *App) count(fn func(*Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

// Thresholds returns the live threshold store.
func (a *App) Thresholds() *incident.ThresholdStore {
	return a.thresholds
}

// Incidents returns the incident logger.
func (a *App) Incidents() *incident.Logger {
	return a.incidents
}

// Labels returns the detector's label table.
func (a *App) Labels() cascade.Names {
	return a.detector.Labels()
}
