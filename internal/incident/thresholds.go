// Package incident decides when cascade results amount to an incident and
// persists the decision.
package incident

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ayusman/watchpost/internal/cascade"
)

// ErrInvalidThreshold is returned for thresholds outside [0,1].
var ErrInvalidThreshold = errors.New("threshold must be within [0,1]")

// Thresholds are the confidence cutoffs of both stages. PerClass overrides
// Detector for individual labels.
type Thresholds struct {
	Classifier float64            `json:"classifier"`
	Detector   float64            `json:"detector"`
	PerClass   map[string]float64 `json:"per_class,omitempty"`
}

// ForLabel returns the detector threshold that applies to label.
func (t Thresholds) ForLabel(label string) float64 {
	if v, ok := t.PerClass[label]; ok {
		return v
	}
	return t.Detector
}

// Validate checks that every threshold is within [0,1].
func (t Thresholds) Validate() error {
	if !inUnit(t.Classifier) {
		return fmt.Errorf("%w: classifier %v", ErrInvalidThreshold, t.Classifier)
	}
	if !inUnit(t.Detector) {
		return fmt.Errorf("%w: detector %v", ErrInvalidThreshold, t.Detector)
	}
	for label, v := range t.PerClass {
		if !inUnit(v) {
			return fmt.Errorf("%w: %s %v", ErrInvalidThreshold, label, v)
		}
	}
	return nil
}

func (t Thresholds) clone() Thresholds {
	out := t
	out.PerClass = maps.Clone(t.PerClass)
	return out
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func clampUnit(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// ThresholdStore holds the live thresholds. Readers take lock-free snapshots;
// writers are serialised and publish a fresh copy.
type ThresholdStore struct {
	cur atomic.Pointer[Thresholds]

	mu        sync.Mutex
	listeners []func(Thresholds)
}

// NewThresholdStore creates a store holding initial.
func NewThresholdStore(initial Thresholds) (*ThresholdStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &ThresholdStore{}
	t := initial.clone()
	s.cur.Store(&t)
	return s, nil
}

// Snapshot returns the current thresholds. The returned value must be treated
// as read-only.
func (s *ThresholdStore) Snapshot() Thresholds {
	return *s.cur.Load()
}

// OnChange registers fn to be called after every successful update.
func (s *ThresholdStore) OnChange(fn func(Thresholds)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Set replaces all thresholds.
func (s *ThresholdStore) Set(t Thresholds) error {
	_, err := s.Update(func(cur *Thresholds) {
		*cur = t.clone()
	})
	return err
}

// Update applies fn to a copy of the current thresholds and publishes the
// result if it is valid.
func (s *ThresholdStore) Update(fn func(*Thresholds)) (Thresholds, error) {
	s.mu.Lock()
	next := s.cur.Load().clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Thresholds{}, err
	}
	s.cur.Store(&next)
	listeners := append([]func(Thresholds){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next, nil
}

// Adjust moves one threshold by delta, clamped to [0,1]. stage selects the
// classifier or detector threshold; a non-empty label on the detector stage
// adjusts that label's override, seeding it from the detector default.
func (s *ThresholdStore) Adjust(stage, label string, delta float64) (Thresholds, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return Thresholds{}, fmt.Errorf("%w: delta %v", ErrInvalidThreshold, delta)
	}
	switch stage {
	case cascade.StageClassifier, cascade.StageDetector:
	default:
		return Thresholds{}, fmt.Errorf("unknown stage %q", stage)
	}

	return s.Update(func(t *Thresholds) {
		switch {
		case stage == cascade.StageClassifier:
			t.Classifier = clampUnit(t.Classifier + delta)
		case label == "":
			t.Detector = clampUnit(t.Detector + delta)
		default:
			if t.PerClass == nil {
				t.PerClass = make(map[string]float64)
			}
			t.PerClass[label] = clampUnit(t.ForLabel(label) + delta)
		}
	})
}
