package cascade

import (
	"sync"

	"github.com/ayusman/watchpost/internal/capture"
)

// MockClassifierBackend returns preset scores.
type MockClassifierBackend struct {
	mu     sync.Mutex
	scores []float64
	err    error
	fails  int
	calls  int
}

// NewMockClassifierBackend creates a backend returning scores, ordered as
// DefaultClassifierNames.
func NewMockClassifierBackend(scores ...float64) *MockClassifierBackend {
	return &MockClassifierBackend{scores: scores}
}

// SetScores sets the scores returned by the next calls.
func (m *MockClassifierBackend) SetScores(scores ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = scores
}

// SetAnomaly sets binary scores with anomalous probability p.
func (m *MockClassifierBackend) SetAnomaly(p float64) {
	m.SetScores(1-p, p)
}

// SetError makes every call fail with err.
func (m *MockClassifierBackend) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = -1
}

// FailNext makes the next n calls fail with err.
func (m *MockClassifierBackend) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = n
}

// Calls returns the number of Scores calls.
func (m *MockClassifierBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClassifierBackend) Scores(frame *capture.Frame) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && m.fails != 0 {
		if m.fails > 0 {
			m.fails--
		}
		return nil, m.err
	}
	return append([]float64(nil), m.scores...), nil
}

func (m *MockClassifierBackend) Close() error { return nil }

// MockDetectorBackend returns preset detections.
type MockDetectorBackend struct {
	mu    sync.Mutex
	dets  []RawDetection
	err   error
	fails int
	calls int
}

// NewMockDetectorBackend creates a backend returning dets.
func NewMockDetectorBackend(dets ...RawDetection) *MockDetectorBackend {
	return &MockDetectorBackend{dets: dets}
}

// SetDetections sets the detections returned by the next calls.
func (m *MockDetectorBackend) SetDetections(dets ...RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dets = dets
}

// SetError makes every call fail with err.
func (m *MockDetectorBackend) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = -1
}

// FailNext makes the next n calls fail with err.
func (m *MockDetectorBackend) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.fails = n
}

// Calls returns the number of Detections calls.
func (m *MockDetectorBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockDetectorBackend) Detections(frame *capture.Frame) ([]RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && m.fails != 0 {
		if m.fails > 0 {
			m.fails--
		}
		return nil, m.err
	}
	return append([]RawDetection(nil), m.dets...), nil
}

func (m *MockDetectorBackend) Close() error { return nil }
