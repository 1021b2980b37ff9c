// Package config loads Watchpost settings from a TOML file, an optional .env
// file and WATCHPOST_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Gating modes for the detector stage.
const (
	GatingAlways       = "always"
	GatingShortCircuit = "short_circuit"
)

// Cascade runtimes.
const (
	RuntimeONNX    = "onnx"
	RuntimeService = "service"
)

// Incident store kinds.
const (
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

// Environment variable names.
const (
	EnvStreamURL           = "WATCHPOST_STREAM_URL"
	EnvListenAddr          = "WATCHPOST_LISTEN_ADDR"
	EnvDBPath              = "WATCHPOST_DB_PATH"
	EnvRemoteURL           = "WATCHPOST_REMOTE_URL"
	EnvRemoteToken         = "WATCHPOST_REMOTE_TOKEN"
	EnvClassifierThreshold = "WATCHPOST_CLASSIFIER_THRESHOLD"
	EnvDetectorThreshold   = "WATCHPOST_DETECTOR_THRESHOLD"
	EnvCooldown            = "WATCHPOST_COOLDOWN"
	EnvGating              = "WATCHPOST_GATING"
	EnvLogLevel            = "WATCHPOST_LOG_LEVEL"
)

// Config is the complete application configuration.
type Config struct {
	Source     SourceConfig
	Cascade    CascadeConfig
	Thresholds ThresholdConfig
	Incidents  IncidentConfig
	Display    DisplayConfig
	Server     ServerConfig
	Hooks      HookConfig
	Log        LogConfig
}

// SourceConfig describes the MJPEG frame source.
type SourceConfig struct {
	URL            string
	ChunkSize      int
	MaxBuffer      int
	ConnectTimeout time.Duration
}

// CascadeConfig selects and parameterises the two inference stages.
type CascadeConfig struct {
	Runtime          string
	ClassifierModel  string
	DetectorModel    string
	ClassifierNames  string
	DetectorNames    string
	InputSize        int
	NMSThreshold     float64
	ServiceScript    string
	Python           string
	Gating           string
	InferenceRetries int
}

// ThresholdConfig holds the initial confidence thresholds.
type ThresholdConfig struct {
	Classifier   float64
	Detector     float64
	PerClass     map[string]float64
	FeedbackStep float64
	// Persist stores threshold updates in the settings table.
	Persist bool
}

// IncidentConfig controls incident persistence.
type IncidentConfig struct {
	Store     string
	DBPath    string
	RemoteURL string
	// RemoteToken is sent as a bearer token. It is only read from the
	// environment.
	RemoteToken    string
	Collection     string
	Cooldown       time.Duration
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReplayInterval is how often the outbox is replayed to the remote store
	// when no successful remote write triggers it sooner.
	ReplayInterval time.Duration
}

// DisplayConfig selects the display sinks.
type DisplayConfig struct {
	Window      bool
	WindowTitle string
	Stream      bool
	Tray        bool
}

// ServerConfig configures the HTTP API. An empty Addr disables it.
type ServerConfig struct {
	Addr      string
	StaticDir string
}

// HookConfig configures incident hook discovery.
type HookConfig struct {
	Dir       string
	TimeoutMs int
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		Source: SourceConfig{
			URL:            "http://127.0.0.1:5000/video",
			ChunkSize:      1024,
			MaxBuffer:      8 << 20,
			ConnectTimeout: 10 * time.Second,
		},
		Cascade: CascadeConfig{
			Runtime:         RuntimeONNX,
			ClassifierModel: filepath.Join(dataDir, "models", "classifier.onnx"),
			DetectorModel:   filepath.Join(dataDir, "models", "detector.onnx"),
			ClassifierNames: "",
			DetectorNames:   filepath.Join(dataDir, "models", "detector.names"),
			InputSize:       640,
			NMSThreshold:    0.45,
			Python:          "python3",
			Gating:          GatingShortCircuit,
		},
		Thresholds: ThresholdConfig{
			Classifier:   0.8,
			Detector:     0.2,
			PerClass:     map[string]float64{},
			FeedbackStep: 0.05,
			Persist:      true,
		},
		Incidents: IncidentConfig{
			Store:          StoreSQLite,
			DBPath:         filepath.Join(dataDir, "watchpost.db"),
			Collection:     "incidents",
			QueueSize:      64,
			MaxAttempts:    5,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			ReplayInterval: 30 * time.Second,
		},
		Display: DisplayConfig{
			Window:      true,
			WindowTitle: "Live Video Stream",
			Stream:      true,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Hooks: HookConfig{
			Dir:       filepath.Join(dataDir, "hooks"),
			TimeoutMs: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".watchpost"
	}
	return filepath.Join(home, ".watchpost")
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty), the .env file at envFile (skipped when missing) and the
// process environment. The result is validated.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.URL) == "" {
		return errors.New("source url is required")
	}
	if c.Source.ChunkSize <= 0 {
		return fmt.Errorf("source chunk_size must be positive, got %d", c.Source.ChunkSize)
	}
	if c.Source.MaxBuffer < c.Source.ChunkSize {
		return fmt.Errorf("source max_buffer (%d) must be at least chunk_size (%d)", c.Source.MaxBuffer, c.Source.ChunkSize)
	}

	switch c.Cascade.Runtime {
	case RuntimeONNX, RuntimeService:
	default:
		return fmt.Errorf("unknown cascade runtime %q", c.Cascade.Runtime)
	}
	switch c.Cascade.Gating {
	case GatingAlways, GatingShortCircuit:
	default:
		return fmt.Errorf("unknown gating mode %q", c.Cascade.Gating)
	}
	if c.Cascade.InferenceRetries < 0 {
		return fmt.Errorf("inference_retries must not be negative, got %d", c.Cascade.InferenceRetries)
	}

	if err := checkUnit("classifier threshold", c.Thresholds.Classifier); err != nil {
		return err
	}
	if err := checkUnit("detector threshold", c.Thresholds.Detector); err != nil {
		return err
	}
	for label, v := range c.Thresholds.PerClass {
		if err := checkUnit("threshold for "+label, v); err != nil {
			return err
		}
	}
	if err := checkUnit("feedback step", c.Thresholds.FeedbackStep); err != nil {
		return err
	}

	switch c.Incidents.Store {
	case StoreSQLite:
	case StoreRemote:
		if strings.TrimSpace(c.Incidents.RemoteURL) == "" {
			return errors.New("incidents remote_url is required for the remote store")
		}
	default:
		return fmt.Errorf("unknown incident store %q", c.Incidents.Store)
	}
	if c.Incidents.Cooldown < 0 {
		return fmt.Errorf("incident cooldown must not be negative, got %v", c.Incidents.Cooldown)
	}
	if c.Incidents.ReplayInterval < 0 {
		return fmt.Errorf("incident replay_interval must not be negative, got %v", c.Incidents.ReplayInterval)
	}
	if c.Incidents.QueueSize < 0 {
		return fmt.Errorf("incident queue_size must not be negative, got %d", c.Incidents.QueueSize)
	}
	if c.Incidents.MaxAttempts < 1 {
		return fmt.Errorf("incident max_attempts must be at least 1, got %d", c.Incidents.MaxAttempts)
	}
	return nil
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %v", name, v)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := getEnv(EnvStreamURL); v != "" {
		cfg.Source.URL = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		cfg.Server.Addr = strings.TrimSpace(v)
	}
	if v := getEnv(EnvDBPath); v != "" {
		cfg.Incidents.DBPath = v
	}
	if v := getEnv(EnvRemoteURL); v != "" {
		cfg.Incidents.RemoteURL = v
		cfg.Incidents.Store = StoreRemote
	}
	if v := getEnv(EnvRemoteToken); v != "" {
		cfg.Incidents.RemoteToken = v
	}
	if v := getEnv(EnvGating); v != "" {
		cfg.Cascade.Gating = v
	}
	if v := getEnv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}

	if v := getEnv(EnvClassifierThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvClassifierThreshold, err)
		}
		cfg.Thresholds.Classifier = f
	}
	if v := getEnv(EnvDetectorThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvDetectorThreshold, err)
		}
		cfg.Thresholds.Detector = f
	}
	if v := getEnv(EnvCooldown); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvCooldown, err)
		}
		cfg.Incidents.Cooldown = d
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
