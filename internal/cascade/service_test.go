package cascade

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/fixtures"
)

const fakeServiceEnv = "WATCHPOST_FAKE_MODEL_SERVICE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeServiceEnv) == "1" {
		runFakeService()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeService answers framed JPEG requests the way the Python service does.
func runFakeService() {
	detect := slices.Contains(os.Args, TaskDetect)
	in := bufio.NewReader(os.Stdin)
	enc := json.NewEncoder(os.Stdout)

	for {
		var n uint32
		if err := binary.Read(in, binary.BigEndian, &n); err != nil {
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(in, data); err != nil {
			return
		}
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			enc.Encode(map[string]string{"error": "not a jpeg"})
			continue
		}

		if detect {
			enc.Encode(map[string]any{
				"detections": []map[string]any{
					{"class": 2, "confidence": 0.6, "box": []float64{1, 2, 30, 40}},
					{"class": 0, "confidence": 0.9, "box": []float64{5, 5, 10, 10}},
				},
			})
			continue
		}
		enc.Encode(map[string]any{"scores": []float64{0.15, 0.85}})
	}
}

func fakeService(t *testing.T, task string) *ServiceBackend {
	t.Helper()
	t.Setenv(fakeServiceEnv, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	// The test binary stands in for both interpreter and script.
	backend, err := NewServiceBackend(ServiceConfig{
		Python: exe,
		Script: "fake-service",
		Model:  "weights.pt",
		Task:   task,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewServiceBackend() error = %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func decodedFixture(t *testing.T) *capture.Frame {
	t.Helper()
	frame, err := capture.NewDecoder().Decode(capture.EncodedFrame{Seq: 1, Data: fixtures.Frames(1)[0]})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	t.Cleanup(func() { frame.Close() })
	return frame
}

func TestServiceBackend_Classify(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}

	c, err := NewClassifier(fakeService(t, TaskClassify), DefaultClassifierNames)
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	frame := decodedFixture(t)

	for i := 0; i < 3; i++ {
		got, err := c.Classify(frame)
		if err != nil {
			t.Fatalf("Classify() call %d error = %v", i, err)
		}
		if got.Label != LabelAnomalous || got.Confidence != 0.85 {
			t.Errorf("got %+v, want anomalous 0.85", got)
		}
	}
}

func TestServiceBackend_Detect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}

	d := NewDetector(fakeService(t, TaskDetect), Names{"Knife", "Pistol", "Rifle"})
	got, err := d.Detect(decodedFixture(t))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(got.Detections) != 2 {
		t.Fatalf("got %d detections, want 2", len(got.Detections))
	}
	if got.Detections[0].Label != "Knife" || got.Detections[1].Label != "Rifle" {
		t.Errorf("labels = %q, %q", got.Detections[0].Label, got.Detections[1].Label)
	}
	if got.Detections[1].Box.Max.X != 30 || got.Detections[1].Box.Max.Y != 40 {
		t.Errorf("box = %v", got.Detections[1].Box)
	}
}

func TestServiceBackend_RestartsAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}

	backend := fakeService(t, TaskClassify)
	frame := decodedFixture(t)

	if _, err := backend.Scores(frame); err != nil {
		t.Fatalf("Scores() error = %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := backend.Scores(frame); err != nil {
		t.Fatalf("Scores() after Close error = %v", err)
	}
}

func TestNewServiceBackend_UnknownTask(t *testing.T) {
	if _, err := NewServiceBackend(ServiceConfig{Script: "x.py", Task: "segment"}); err == nil {
		t.Error("expected error for unknown task")
	}
}
