package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/config"
	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/store"
)

func TestDashboardURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080/"},
		{"0.0.0.0:9000", "http://localhost:9000/"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080/"},
		{"[::]:8080", "http://localhost:8080/"},
	}
	for _, tt := range tests {
		if got := dashboardURL(tt.addr); got != tt.want {
			t.Errorf("dashboardURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "watchpost.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadThresholds_Persisted(t *testing.T) {
	st := openTestStore(t)
	cfg := config.Default()
	ctx := context.Background()

	ts, err := loadThresholds(ctx, cfg, st.Settings(), zerolog.Nop())
	if err != nil {
		t.Fatalf("loadThresholds() error = %v", err)
	}
	if got := ts.Snapshot(); got.Classifier != cfg.Thresholds.Classifier {
		t.Fatalf("classifier = %v, want configured %v", got.Classifier, cfg.Thresholds.Classifier)
	}

	if _, err := ts.Adjust("detector", "Knife", 0.1); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}

	restored, err := loadThresholds(ctx, cfg, st.Settings(), zerolog.Nop())
	if err != nil {
		t.Fatalf("loadThresholds() error = %v", err)
	}
	want := cfg.Thresholds.Detector + 0.1
	if got := restored.Snapshot().ForLabel("Knife"); got < want-1e-9 || got > want+1e-9 {
		t.Errorf("restored Knife threshold = %v, want %v", got, want)
	}
}

func TestLoadThresholds_NotPersisted(t *testing.T) {
	st := openTestStore(t)
	cfg := config.Default()
	cfg.Thresholds.Persist = false

	ts, err := loadThresholds(context.Background(), cfg, st.Settings(), zerolog.Nop())
	if err != nil {
		t.Fatalf("loadThresholds() error = %v", err)
	}
	if err := ts.Set(incident.Thresholds{Classifier: 0.5, Detector: 0.5}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := st.Settings().LoadThresholds(context.Background()); err != store.ErrNotFound {
		t.Errorf("LoadThresholds() error = %v, want ErrNotFound", err)
	}
}

func TestIncidentStores(t *testing.T) {
	st := openTestStore(t)

	primary, fallback, outboxSync, err := incidentStores(config.Default().Incidents, st, backoff.Default(), zerolog.Nop())
	if err != nil {
		t.Fatalf("incidentStores() error = %v", err)
	}
	if _, ok := primary.(*store.IncidentRepository); !ok {
		t.Errorf("sqlite primary = %T", primary)
	}
	if fallback != nil || outboxSync != nil {
		t.Errorf("sqlite fallback = %T, sync = %v, want nil", fallback, outboxSync)
	}

	cfg := config.Default().Incidents
	cfg.Store = config.StoreRemote
	cfg.RemoteURL = "http://127.0.0.1:9/v1"
	primary, fallback, outboxSync, err = incidentStores(cfg, st, backoff.Default(), zerolog.Nop())
	if err != nil {
		t.Fatalf("incidentStores(remote) error = %v", err)
	}
	if outboxSync == nil || primary != incident.Store(outboxSync) {
		t.Errorf("remote primary = %T, want the outbox sync", primary)
	}
	if _, ok := fallback.(*store.OutboxRepository); !ok {
		t.Errorf("remote fallback = %T, want outbox", fallback)
	}

	cfg.RemoteURL = "ftp://example.com"
	if _, _, _, err := incidentStores(cfg, st, backoff.Default(), zerolog.Nop()); err == nil {
		t.Error("expected error for a non-http remote url")
	}
}

func TestCheckDisplay(t *testing.T) {
	tests := []struct {
		name    string
		display config.DisplayConfig
		goos    string
		wantErr bool
	}{
		{"window only", config.DisplayConfig{Window: true}, "darwin", false},
		{"tray only", config.DisplayConfig{Tray: true}, "darwin", false},
		{"window and tray on macOS", config.DisplayConfig{Window: true, Tray: true}, "darwin", true},
		{"window and tray on linux", config.DisplayConfig{Window: true, Tray: true}, "linux", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDisplay(tt.display, tt.goos)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkDisplay() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	classifier, err := cascade.NewClassifier(cascade.NewMockClassifierBackend(0.9, 0.1), cascade.DefaultClassifierNames)
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	thresholds, err := incident.NewThresholdStore(incident.Thresholds{Classifier: 0.8, Detector: 0.2})
	if err != nil {
		t.Fatalf("NewThresholdStore() error = %v", err)
	}
	logger := incident.NewLogger(incident.NewMemoryStore(), incident.LoggerConfig{Logger: zerolog.Nop()})
	t.Cleanup(func() { logger.Close() })

	a, err := app.New(app.Config{
		Source:     capture.NewMockSource(nil, 64),
		Classifier: classifier,
		Detector:   cascade.NewDetector(cascade.NewMockDetectorBackend(), cascade.DefaultDetectorNames),
		Thresholds: thresholds,
		Incidents:  logger,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	return a
}

func TestPersistentControl(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Settings().Set(ctx, store.KeyPaused, "true"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	control := &persistentControl{App: newTestApp(t), settings: st.Settings(), logger: zerolog.Nop()}
	control.restore(ctx)
	if control.IsEnabled() {
		t.Fatal("restored control should be paused")
	}

	var changes []bool
	control.onChange = func(enabled bool) { changes = append(changes, enabled) }
	control.SetEnabled(true)

	if len(changes) != 1 || !changes[0] {
		t.Errorf("changes = %v, want [true]", changes)
	}
	if raw, _ := st.Settings().Get(ctx, store.KeyPaused); raw != "false" {
		t.Errorf("persisted paused = %q, want false", raw)
	}
}
