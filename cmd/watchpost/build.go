package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/config"
	"github.com/ayusman/watchpost/internal/display"
	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/metrics"
	"github.com/ayusman/watchpost/internal/plugin"
	"github.com/ayusman/watchpost/internal/server"
	"github.com/ayusman/watchpost/internal/store"
)

const (
	remoteTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// components holds everything run owns and must release.
type components struct {
	store      *store.Store
	classifier *cascade.Classifier
	detector   *cascade.Detector
	incidents  *incident.Logger
	hooks      *plugin.Dispatcher
	sink       display.Sink
	app        *app.App
	control    *persistentControl
	server     *server.Server

	stopSync context.CancelFunc
	syncDone chan struct{}
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*components, error) {
	metrics.Register()
	c := &components{}
	built := false
	defer func() {
		if !built {
			c.close(logger)
		}
	}()

	var err error
	c.store, err = store.New(cfg.Incidents.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	settings := c.store.Settings()

	thresholds, err := loadThresholds(ctx, cfg, settings, logger)
	if err != nil {
		return nil, err
	}

	gating, err := incident.ParseGatingMode(cfg.Cascade.Gating)
	if err != nil {
		return nil, err
	}

	c.classifier, c.detector, err = buildCascade(cfg.Cascade, logger)
	if err != nil {
		return nil, err
	}

	retry := backoff.Config{
		InitialDelay: cfg.Incidents.InitialBackoff,
		MaxDelay:     cfg.Incidents.MaxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
	}
	primary, fallback, outboxSync, err := incidentStores(cfg.Incidents, c.store, retry, logger)
	if err != nil {
		return nil, err
	}
	if outboxSync != nil {
		syncCtx, cancel := context.WithCancel(ctx)
		c.stopSync, c.syncDone = cancel, make(chan struct{})
		go func() {
			defer close(c.syncDone)
			outboxSync.Run(syncCtx)
		}()
	}
	c.incidents = incident.NewLogger(primary, incident.LoggerConfig{
		Cooldown:    cfg.Incidents.Cooldown,
		QueueSize:   cfg.Incidents.QueueSize,
		MaxAttempts: cfg.Incidents.MaxAttempts,
		Backoff:     retry,
		Fallback:    fallback,
		Logger:      logger,
	})

	hookManager := plugin.NewManager(cfg.Hooks.Dir)
	if err := hookManager.Discover(); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Hooks.Dir).Msg("hook discovery failed")
	}
	logger.Info().Int("hooks", len(hookManager.List())).Msg("hooks discovered")
	c.hooks = plugin.NewDispatcher(hookManager, plugin.NewExecutor(cfg.Hooks.TimeoutMs), plugin.DefaultQueueSize, logger)

	hub := server.NewHub(logger)
	thresholds.OnChange(hub.ThresholdListener())

	var sinks []display.Sink
	var stream *display.StreamSink
	if cfg.Display.Window {
		sinks = append(sinks, display.NewWindowSink(cfg.Display.WindowTitle))
	}
	if cfg.Display.Stream {
		stream = display.NewStreamSink()
		sinks = append(sinks, stream)
	}
	c.sink = display.NewMulti(sinks...)

	c.app, err = app.New(app.Config{
		Source:           capture.NewHTTPSource(cfg.Source.URL, cfg.Source.ChunkSize, cfg.Source.ConnectTimeout),
		MaxBuffer:        cfg.Source.MaxBuffer,
		Classifier:       c.classifier,
		Detector:         c.detector,
		Thresholds:       thresholds,
		Gating:           gating,
		Incidents:        c.incidents,
		Sink:             c.sink,
		InferenceRetries: cfg.Cascade.InferenceRetries,
		RetryBackoff:     backoff.Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0},
		Listeners:        []incident.Listener{c.hooks.Notify, hub.IncidentListener()},
		Observer:         hub.FrameObserver(),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	c.control = &persistentControl{App: c.app, settings: settings, logger: logger}
	c.control.restore(ctx)

	if cfg.Server.Addr != "" {
		feedback := make(chan incident.Feedback)
		loop := incident.NewFeedbackLoop(thresholds, cfg.Thresholds.FeedbackStep, logger)
		go loop.Run(ctx, feedback)

		c.server = server.New(server.Config{
			StaticDir:  cfg.Server.StaticDir,
			Control:    c.control,
			Incidents:  c.store.Incidents(),
			Thresholds: thresholds,
			Labels:     c.detector.Labels(),
			Feedback:   incident.NewFeedbackQueue(feedback),
			Hooks:      hookManager,
			Stream:     stream,
			Hub:        hub,
			Metrics:    true,
			Logger:     logger,
		})
	}
	built = true
	return c, nil
}

// close releases components in reverse dependency order. The incident
// logger drains before hooks so queued records still reach them.
func (c *components) close(logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if c.incidents != nil {
		if err := c.incidents.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("incident logger did not drain")
		}
		stats := c.incidents.Stats()
		logger.Info().
			Uint64("persisted", stats.Persisted).
			Uint64("suppressed", stats.Suppressed).
			Uint64("failed", stats.Failed).
			Msg("incident logger closed")
	}
	if c.stopSync != nil {
		c.stopSync()
		<-c.syncDone
	}
	if c.hooks != nil {
		if err := c.hooks.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("hooks did not drain")
		}
	}
	if c.sink != nil {
		c.sink.Close()
	}
	if c.classifier != nil {
		c.classifier.Close()
	}
	if c.detector != nil {
		c.detector.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

// loadThresholds seeds the threshold store from the settings table when
// persistence is on, falling back to the configured values.
func loadThresholds(ctx context.Context, cfg config.Config, settings *store.SettingsRepository, logger zerolog.Logger) (*incident.ThresholdStore, error) {
	initial := incident.Thresholds{
		Classifier: cfg.Thresholds.Classifier,
		Detector:   cfg.Thresholds.Detector,
		PerClass:   cfg.Thresholds.PerClass,
	}

	if cfg.Thresholds.Persist {
		stored, err := settings.LoadThresholds(ctx)
		switch {
		case err == nil:
			initial = stored
			logger.Info().
				Float64("classifier", stored.Classifier).
				Float64("detector", stored.Detector).
				Msg("restored thresholds")
		case errors.Is(err, store.ErrNotFound):
		default:
			logger.Warn().Err(err).Msg("ignoring stored thresholds")
		}
	}

	thresholds, err := incident.NewThresholdStore(initial)
	if err != nil {
		return nil, err
	}
	if cfg.Thresholds.Persist {
		thresholds.OnChange(func(th incident.Thresholds) {
			if err := settings.SaveThresholds(context.Background(), th); err != nil {
				logger.Warn().Err(err).Msg("failed to persist thresholds")
			}
		})
	}
	return thresholds, nil
}

func buildCascade(cfg config.CascadeConfig, logger zerolog.Logger) (*cascade.Classifier, *cascade.Detector, error) {
	classifierNames := cascade.DefaultClassifierNames
	if cfg.ClassifierNames != "" {
		names, err := cascade.LoadNames(cfg.ClassifierNames)
		if err != nil {
			return nil, nil, err
		}
		classifierNames = names
	}

	detectorNames := cascade.DefaultDetectorNames
	if cfg.DetectorNames != "" {
		names, err := cascade.LoadNames(cfg.DetectorNames)
		switch {
		case err == nil:
			detectorNames = names
		case errors.Is(err, os.ErrNotExist):
			logger.Warn().Str("path", cfg.DetectorNames).Msg("detector names file missing, using built-in labels")
		default:
			return nil, nil, err
		}
	}

	var (
		clsBackend cascade.ClassifierBackend
		detBackend cascade.DetectorBackend
	)
	switch cfg.Runtime {
	case config.RuntimeONNX:
		cls, err := cascade.NewONNXClassifierBackend(cfg.ClassifierModel, cfg.InputSize)
		if err != nil {
			return nil, nil, err
		}
		det, err := cascade.NewONNXDetectorBackend(cfg.DetectorModel, cfg.InputSize, cfg.NMSThreshold)
		if err != nil {
			cls.Close()
			return nil, nil, err
		}
		clsBackend, detBackend = cls, det
	case config.RuntimeService:
		cls, err := cascade.NewServiceBackend(cascade.ServiceConfig{
			Python: cfg.Python,
			Script: cfg.ServiceScript,
			Model:  cfg.ClassifierModel,
			Task:   cascade.TaskClassify,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		det, err := cascade.NewServiceBackend(cascade.ServiceConfig{
			Python: cfg.Python,
			Script: cfg.ServiceScript,
			Model:  cfg.DetectorModel,
			Task:   cascade.TaskDetect,
			Logger: logger,
		})
		if err != nil {
			cls.Close()
			return nil, nil, err
		}
		clsBackend, detBackend = cls, det
	default:
		return nil, nil, fmt.Errorf("unknown cascade runtime %q", cfg.Runtime)
	}

	classifier, err := cascade.NewClassifier(clsBackend, classifierNames)
	if err != nil {
		clsBackend.Close()
		detBackend.Close()
		return nil, nil, err
	}
	return classifier, cascade.NewDetector(detBackend, detectorNames), nil
}

// incidentStores returns the primary store and the fallback for records it
// rejects. With a remote primary, rejected records wait in the local outbox
// and the returned OutboxSync delivers them once it runs.
func incidentStores(cfg config.IncidentConfig, st *store.Store, retry backoff.Config, logger zerolog.Logger) (incident.Store, incident.Store, *store.OutboxSync, error) {
	if cfg.Store != config.StoreRemote {
		return st.Incidents(), nil, nil, nil
	}

	remote, err := store.NewRemoteStore(cfg.RemoteURL, cfg.Collection, remoteTimeout)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.RemoteToken != "" {
		remote.SetHeader("Authorization", "Bearer "+cfg.RemoteToken)
	}
	logger.Info().Str("endpoint", remote.Endpoint()).Msg("remote incident store")

	outbox := st.Outbox()
	outboxSync := store.NewOutboxSync(outbox, remote, cfg.ReplayInterval, retry, logger)
	return outboxSync, outbox, outboxSync, nil
}

// persistentControl remembers the paused state across restarts and reports
// every change to onChange, if set.
type persistentControl struct {
	*app.App
	settings *store.SettingsRepository
	logger   zerolog.Logger
	onChange func(enabled bool)
}

func (p *persistentControl) SetEnabled(enabled bool) {
	p.App.SetEnabled(enabled)
	if err := p.settings.Set(context.Background(), store.KeyPaused, strconv.FormatBool(!enabled)); err != nil {
		p.logger.Warn().Err(err).Msg("failed to persist paused state")
	}
	if p.onChange != nil {
		p.onChange(enabled)
	}
}

func (p *persistentControl) restore(ctx context.Context) {
	raw, err := p.settings.Get(ctx, store.KeyPaused)
	if err != nil {
		return
	}
	if paused, err := strconv.ParseBool(raw); err == nil && paused {
		p.App.SetEnabled(false)
	}
}
