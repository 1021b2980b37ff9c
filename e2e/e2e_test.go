package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/display"
	"github.com/ayusman/watchpost/internal/fixtures"
	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/server"
	"github.com/ayusman/watchpost/internal/store"
)

func newCascade(t *testing.T, anomaly float64) (*cascade.Classifier, *cascade.Detector) {
	t.Helper()
	backend := cascade.NewMockClassifierBackend()
	backend.SetAnomaly(anomaly)
	classifier, err := cascade.NewClassifier(backend, cascade.DefaultClassifierNames)
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	detector := cascade.NewDetector(cascade.NewMockDetectorBackend(cascade.RawDetection{
		ClassID:    0,
		Confidence: 0.91,
		Box:        image.Rect(4, 4, 30, 30),
	}), cascade.DefaultDetectorNames)
	return classifier, detector
}

func TestE2E_StreamToAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	camera := fixtures.NewMJPEGServer(fixtures.Frames(3), 0)
	defer camera.Close()

	s, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	thresholds, err := incident.NewThresholdStore(incident.Thresholds{Classifier: 0.8, Detector: 0.2})
	if err != nil {
		t.Fatalf("NewThresholdStore() error = %v", err)
	}
	logCfg := incident.DefaultLoggerConfig()
	logCfg.QueueSize = 8
	logCfg.Logger = zerolog.Nop()
	incidents := incident.NewLogger(s.Incidents(), logCfg)

	classifier, detector := newCascade(t, 0.97)
	stream := display.NewStreamSink()

	var mu sync.Mutex
	var results []app.FrameResult
	application, err := app.New(app.Config{
		Source:     capture.NewHTTPSource(camera.URL, 4096, 5*time.Second),
		Classifier: classifier,
		Detector:   detector,
		Thresholds: thresholds,
		Incidents:  incidents,
		Sink:       stream,
		Observer: func(res app.FrameResult) {
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Run(ctx); !errors.Is(err, app.ErrStreamEnded) {
		t.Fatalf("Run() error = %v, want ErrStreamEnded", err)
	}
	if err := incidents.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	t.Run("FramesInspected", func(t *testing.T) {
		stats := application.Stats()
		if stats.Frames != 3 || stats.Incidents != 3 {
			t.Errorf("stats = %+v, want 3 frames and 3 incidents", stats)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(results) != 3 {
			t.Fatalf("observed %d results, want 3", len(results))
		}
		for _, res := range results {
			if res.Incident == nil || res.Incident.Labels[0] != "Knife" {
				t.Errorf("result %d incident = %+v", res.Seq, res.Incident)
			}
		}
		if stream.Frames() != 3 {
			t.Errorf("stream frames = %d, want 3", stream.Frames())
		}
	})

	srv := server.New(server.Config{
		Control:    application,
		Incidents:  s.Incidents(),
		Thresholds: thresholds,
		Labels:     detector.Labels(),
		Stream:     stream,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	client := ts.Client()

	t.Run("ListIncidents", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/incidents")
		if err != nil {
			t.Fatalf("GET /api/incidents error = %v", err)
		}
		defer resp.Body.Close()

		var listed struct {
			Incidents []incident.Record `json:"incidents"`
			Total     int               `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if listed.Total != 3 {
			t.Fatalf("total = %d, want 3", listed.Total)
		}
		for _, rec := range listed.Incidents {
			if rec.Description != "Detected: Knife" {
				t.Errorf("description = %q, want %q", rec.Description, "Detected: Knife")
			}
		}
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/status")
		if err != nil {
			t.Fatalf("GET /api/status error = %v", err)
		}
		defer resp.Body.Close()

		var status struct {
			Enabled bool      `json:"enabled"`
			Running bool      `json:"running"`
			Stats   app.Stats `json:"stats"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if !status.Enabled || status.Running || status.Stats.Frames != 3 {
			t.Errorf("status = %+v", status)
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/snapshot")
		if err != nil {
			t.Fatalf("GET /api/snapshot error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("snapshot status = %d, type = %s", resp.StatusCode, resp.Header.Get("Content-Type"))
		}
	})
}

func TestE2E_RemoteOutbox(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	var mu sync.Mutex
	healthy := false
	var received []string
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var doc struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&doc)
		received = append(received, doc.ID)
		w.WriteHeader(http.StatusCreated)
	}))
	defer remoteSrv.Close()

	remote, err := store.NewRemoteStore(remoteSrv.URL, "incidents", time.Second)
	if err != nil {
		t.Fatalf("NewRemoteStore() error = %v", err)
	}
	s, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	thresholds, err := incident.NewThresholdStore(incident.Thresholds{Classifier: 0.8, Detector: 0.2})
	if err != nil {
		t.Fatalf("NewThresholdStore() error = %v", err)
	}
	incidents := incident.NewLogger(remote, incident.LoggerConfig{
		MaxAttempts: 2,
		Fallback:    s.Outbox(),
		Logger:      zerolog.Nop(),
	})
	defer incidents.Close()

	classifier, detector := newCascade(t, 0.99)
	source := capture.NewMockSource(fixtures.Concat(fixtures.Frames(2)), 512)
	application, err := app.New(app.Config{
		Source:     source,
		Classifier: classifier,
		Detector:   detector,
		Thresholds: thresholds,
		Incidents:  incidents,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	ctx := context.Background()
	if err := application.Run(ctx); !errors.Is(err, app.ErrStreamEnded) {
		t.Fatalf("Run() error = %v, want ErrStreamEnded", err)
	}
	if stats := incidents.Stats(); stats.Fallback != 2 {
		t.Fatalf("logger stats = %+v, want 2 fallback records", stats)
	}

	pending, err := s.Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	mu.Lock()
	healthy = true
	mu.Unlock()

	sent, err := s.Outbox().Replay(ctx, remote)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != pending[0].ID {
		t.Errorf("remote received %v, want %s first", received, pending[0].ID)
	}
}
