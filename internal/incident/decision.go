package incident

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/watchpost/internal/cascade"
)

// GatingMode controls whether the detector runs on frames the classifier
// considers normal.
type GatingMode int

const (
	// GatingShortCircuit skips the detector when the classifier does not
	// exceed its threshold.
	GatingShortCircuit GatingMode = iota
	// GatingAlways runs both stages on every frame.
	GatingAlways
)

func (g GatingMode) String() string {
	switch g {
	case GatingShortCircuit:
		return "short_circuit"
	case GatingAlways:
		return "always"
	default:
		return fmt.Sprintf("GatingMode(%d)", int(g))
	}
}

// ParseGatingMode parses the configuration spelling of a gating mode.
func ParseGatingMode(s string) (GatingMode, error) {
	switch s {
	case "", "short_circuit":
		return GatingShortCircuit, nil
	case "always":
		return GatingAlways, nil
	default:
		return 0, fmt.Errorf("unknown gating mode %q", s)
	}
}

// RunDetector reports whether the detector should run after cls.
func (g GatingMode) RunDetector(cls cascade.ClassifierResult, th Thresholds) bool {
	return g == GatingAlways || ClassifierPasses(cls, th)
}

// ClassifierPasses reports whether the anomaly score strictly exceeds the
// classifier threshold.
func ClassifierPasses(cls cascade.ClassifierResult, th Thresholds) bool {
	return cls.AnomalyScore() > th.Classifier
}

// Incident is a declared security event. It is immutable once returned by
// Decide.
type Incident struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Labels    []string  `json:"labels"`
	// Anomaly is the classifier score that gated the decision.
	Anomaly float64 `json:"anomaly"`
}

// Decide returns an incident when the classifier score and at least one
// detection strictly exceed their thresholds, and nil otherwise. Labels are
// the distinct passing detector labels in the order they first appear.
func Decide(cls cascade.ClassifierResult, det cascade.DetectorResult, th Thresholds, at time.Time) *Incident {
	if !ClassifierPasses(cls, th) {
		return nil
	}

	var labels []string
	seen := make(map[string]bool)
	for _, d := range det.Detections {
		if d.Confidence <= th.ForLabel(d.Label) || seen[d.Label] {
			continue
		}
		seen[d.Label] = true
		labels = append(labels, d.Label)
	}
	if len(labels) == 0 {
		return nil
	}

	return &Incident{
		ID:        uuid.New(),
		Timestamp: at,
		Labels:    labels,
		Anomaly:   cls.AnomalyScore(),
	}
}
