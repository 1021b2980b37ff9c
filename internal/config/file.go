package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Source struct {
		URL            string `toml:"url"`
		ChunkSize      int    `toml:"chunk_size"`
		MaxBuffer      int    `toml:"max_buffer"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"source"`

	Cascade struct {
		Runtime          string  `toml:"runtime"`
		ClassifierModel  string  `toml:"classifier_model"`
		DetectorModel    string  `toml:"detector_model"`
		ClassifierNames  string  `toml:"classifier_names"`
		DetectorNames    string  `toml:"detector_names"`
		InputSize        int     `toml:"input_size"`
		NMSThreshold     float64 `toml:"nms_threshold"`
		ServiceScript    string  `toml:"service_script"`
		Python           string  `toml:"python"`
		Gating           string  `toml:"gating"`
		InferenceRetries int     `toml:"inference_retries"`
	} `toml:"cascade"`

	Thresholds struct {
		Classifier   float64            `toml:"classifier"`
		Detector     float64            `toml:"detector"`
		PerClass     map[string]float64 `toml:"per_class"`
		FeedbackStep float64            `toml:"feedback_step"`
		Persist      bool               `toml:"persist"`
	} `toml:"thresholds"`

	Incidents struct {
		Store          string `toml:"store"`
		DBPath         string `toml:"db_path"`
		RemoteURL      string `toml:"remote_url"`
		Collection     string `toml:"collection"`
		Cooldown       string `toml:"cooldown"`
		QueueSize      int    `toml:"queue_size"`
		MaxAttempts    int    `toml:"max_attempts"`
		InitialBackoff string `toml:"initial_backoff"`
		MaxBackoff     string `toml:"max_backoff"`
		ReplayInterval string `toml:"replay_interval"`
	} `toml:"incidents"`

	Display struct {
		Window      bool   `toml:"window"`
		WindowTitle string `toml:"window_title"`
		Stream      bool   `toml:"stream"`
		Tray        bool   `toml:"tray"`
	} `toml:"display"`

	Server struct {
		Addr      string `toml:"addr"`
		StaticDir string `toml:"static_dir"`
	} `toml:"server"`

	Hooks struct {
		Dir       string `toml:"dir"`
		TimeoutMs int    `toml:"timeout_ms"`
	} `toml:"hooks"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// decodeFile overlays the keys present in the TOML file onto cfg.
func decodeFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	src := raw.Source
	if meta.IsDefined("source", "url") {
		cfg.Source.URL = strings.TrimSpace(src.URL)
	}
	if meta.IsDefined("source", "chunk_size") {
		cfg.Source.ChunkSize = src.ChunkSize
	}
	if meta.IsDefined("source", "max_buffer") {
		cfg.Source.MaxBuffer = src.MaxBuffer
	}
	if meta.IsDefined("source", "connect_timeout") {
		d, err := parseDuration("source.connect_timeout", src.ConnectTimeout)
		if err != nil {
			return err
		}
		cfg.Source.ConnectTimeout = d
	}

	cas := raw.Cascade
	setString(meta, &cfg.Cascade.Runtime, cas.Runtime, "cascade", "runtime")
	setString(meta, &cfg.Cascade.ClassifierModel, cas.ClassifierModel, "cascade", "classifier_model")
	setString(meta, &cfg.Cascade.DetectorModel, cas.DetectorModel, "cascade", "detector_model")
	setString(meta, &cfg.Cascade.ClassifierNames, cas.ClassifierNames, "cascade", "classifier_names")
	setString(meta, &cfg.Cascade.DetectorNames, cas.DetectorNames, "cascade", "detector_names")
	setString(meta, &cfg.Cascade.ServiceScript, cas.ServiceScript, "cascade", "service_script")
	setString(meta, &cfg.Cascade.Python, cas.Python, "cascade", "python")
	setString(meta, &cfg.Cascade.Gating, cas.Gating, "cascade", "gating")
	if meta.IsDefined("cascade", "input_size") {
		cfg.Cascade.InputSize = cas.InputSize
	}
	if meta.IsDefined("cascade", "nms_threshold") {
		cfg.Cascade.NMSThreshold = cas.NMSThreshold
	}
	if meta.IsDefined("cascade", "inference_retries") {
		cfg.Cascade.InferenceRetries = cas.InferenceRetries
	}

	th := raw.Thresholds
	if meta.IsDefined("thresholds", "classifier") {
		cfg.Thresholds.Classifier = th.Classifier
	}
	if meta.IsDefined("thresholds", "detector") {
		cfg.Thresholds.Detector = th.Detector
	}
	if meta.IsDefined("thresholds", "per_class") {
		cfg.Thresholds.PerClass = make(map[string]float64, len(th.PerClass))
		for label, v := range th.PerClass {
			cfg.Thresholds.PerClass[strings.TrimSpace(label)] = v
		}
	}
	if meta.IsDefined("thresholds", "feedback_step") {
		cfg.Thresholds.FeedbackStep = th.FeedbackStep
	}
	if meta.IsDefined("thresholds", "persist") {
		cfg.Thresholds.Persist = th.Persist
	}

	inc := raw.Incidents
	setString(meta, &cfg.Incidents.Store, inc.Store, "incidents", "store")
	setString(meta, &cfg.Incidents.DBPath, inc.DBPath, "incidents", "db_path")
	setString(meta, &cfg.Incidents.RemoteURL, inc.RemoteURL, "incidents", "remote_url")
	setString(meta, &cfg.Incidents.Collection, inc.Collection, "incidents", "collection")
	if meta.IsDefined("incidents", "queue_size") {
		cfg.Incidents.QueueSize = inc.QueueSize
	}
	if meta.IsDefined("incidents", "max_attempts") {
		cfg.Incidents.MaxAttempts = inc.MaxAttempts
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"cooldown", inc.Cooldown, &cfg.Incidents.Cooldown},
		{"initial_backoff", inc.InitialBackoff, &cfg.Incidents.InitialBackoff},
		{"max_backoff", inc.MaxBackoff, &cfg.Incidents.MaxBackoff},
		{"replay_interval", inc.ReplayInterval, &cfg.Incidents.ReplayInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("incidents", d.key) {
			continue
		}
		v, err := parseDuration("incidents."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	disp := raw.Display
	if meta.IsDefined("display", "window") {
		cfg.Display.Window = disp.Window
	}
	setString(meta, &cfg.Display.WindowTitle, disp.WindowTitle, "display", "window_title")
	if meta.IsDefined("display", "stream") {
		cfg.Display.Stream = disp.Stream
	}
	if meta.IsDefined("display", "tray") {
		cfg.Display.Tray = disp.Tray
	}

	setString(meta, &cfg.Server.Addr, raw.Server.Addr, "server", "addr")
	setString(meta, &cfg.Server.StaticDir, raw.Server.StaticDir, "server", "static_dir")

	setString(meta, &cfg.Hooks.Dir, raw.Hooks.Dir, "hooks", "dir")
	if meta.IsDefined("hooks", "timeout_ms") {
		cfg.Hooks.TimeoutMs = raw.Hooks.TimeoutMs
	}

	setString(meta, &cfg.Log.Level, raw.Log.Level, "log", "level")
	setString(meta, &cfg.Log.Format, raw.Log.Format, "log", "format")

	return nil
}

func setString(meta toml.MetaData, dst *string, value string, key ...string) {
	if meta.IsDefined(key...) {
		*dst = strings.TrimSpace(value)
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
