// Package cascade runs the two inference stages: a binary classifier that
// gates a multi-class object detector.
package cascade

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/ayusman/watchpost/internal/capture"
)

// Stage names.
const (
	StageClassifier = "classifier"
	StageDetector   = "detector"
)

// Classifier labels.
const (
	LabelNormal    = "normal"
	LabelAnomalous = "anomalous"
)

// ErrMalformed is returned when a backend produces output that cannot be
// interpreted.
var ErrMalformed = errors.New("malformed model output")

// Result is the output of one stage. It is either a ClassifierResult or a
// DetectorResult.
type Result interface {
	Stage() string
}

// ClassifierResult is the top class of the binary classifier. Anomaly is the
// anomalous-class probability as the backend reported it.
type ClassifierResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Anomaly    float64 `json:"anomaly"`
}

func (ClassifierResult) Stage() string { return StageClassifier }

// AnomalyScore returns the probability of the anomalous class.
func (r ClassifierResult) AnomalyScore() float64 {
	return r.Anomaly
}

// Detection is one detected object.
type Detection struct {
	Label      string          `json:"label"`
	ClassID    int             `json:"class_id"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// DetectorResult lists detections by descending confidence. It is not
// filtered by any threshold.
type DetectorResult struct {
	Detections []Detection `json:"detections"`
}

func (DetectorResult) Stage() string { return StageDetector }

// RawDetection is a detector backend's output before label resolution.
type RawDetection struct {
	ClassID    int
	Confidence float64
	Box        image.Rectangle
}

// ClassifierBackend produces one score per class for a frame.
type ClassifierBackend interface {
	Scores(frame *capture.Frame) ([]float64, error)
	Close() error
}

// DetectorBackend produces raw detections for a frame.
type DetectorBackend interface {
	Detections(frame *capture.Frame) ([]RawDetection, error)
	Close() error
}

// Stage is one step of the cascade.
type Stage interface {
	Name() string
	Run(frame *capture.Frame) (Result, error)
	Close() error
}

// Classifier is the first cascade stage. It keeps no state between calls.
type Classifier struct {
	backend   ClassifierBackend
	names     Names
	anomalous int
}

// NewClassifier wraps backend. names gives the label of each score index and
// must contain LabelAnomalous.
func NewClassifier(backend ClassifierBackend, names Names) (*Classifier, error) {
	if len(names) < 2 {
		return nil, fmt.Errorf("classifier needs at least two labels, got %d", len(names))
	}
	idx := names.Index(LabelAnomalous)
	if idx < 0 {
		return nil, fmt.Errorf("classifier labels %v lack %q", []string(names), LabelAnomalous)
	}
	return &Classifier{backend: backend, names: names, anomalous: idx}, nil
}

func (c *Classifier) Name() string { return StageClassifier }

func (c *Classifier) Run(frame *capture.Frame) (Result, error) {
	return c.Classify(frame)
}

// Classify returns the most likely label. Raw scores are passed through a
// softmax unless they already form a distribution.
func (c *Classifier) Classify(frame *capture.Frame) (ClassifierResult, error) {
	scores, err := c.backend.Scores(frame)
	if err != nil {
		return ClassifierResult{}, fmt.Errorf("classify frame: %w", err)
	}
	if len(scores) != len(c.names) {
		return ClassifierResult{}, fmt.Errorf("classify frame: %w: %d scores for %d labels", ErrMalformed, len(scores), len(c.names))
	}
	for _, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return ClassifierResult{}, fmt.Errorf("classify frame: %w: non-finite score", ErrMalformed)
		}
	}

	probs := scores
	if !isDistribution(scores) {
		probs = softmax(scores)
	}

	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}

	// Every class other than the anomalous one counts as normal.
	anomaly := probs[c.anomalous]
	if best == c.anomalous {
		return ClassifierResult{Label: LabelAnomalous, Confidence: anomaly, Anomaly: anomaly}, nil
	}
	return ClassifierResult{Label: LabelNormal, Confidence: 1 - anomaly, Anomaly: anomaly}, nil
}

func (c *Classifier) Close() error {
	return c.backend.Close()
}

// Detector is the second cascade stage.
type Detector struct {
	backend DetectorBackend
	names   Names
}

// NewDetector wraps backend; class indices are resolved through names.
func NewDetector(backend DetectorBackend, names Names) *Detector {
	return &Detector{backend: backend, names: names}
}

func (d *Detector) Name() string { return StageDetector }

func (d *Detector) Run(frame *capture.Frame) (Result, error) {
	return d.Detect(frame)
}

// Detect returns every detection the backend reports, highest confidence
// first. Unknown class indices are labelled UnknownLabel.
func (d *Detector) Detect(frame *capture.Frame) (DetectorResult, error) {
	raw, err := d.backend.Detections(frame)
	if err != nil {
		return DetectorResult{}, fmt.Errorf("detect objects: %w", err)
	}

	dets := make([]Detection, 0, len(raw))
	for _, r := range raw {
		if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			return DetectorResult{}, fmt.Errorf("detect objects: %w: confidence %v", ErrMalformed, r.Confidence)
		}
		dets = append(dets, Detection{
			Label:      d.names.Label(r.ClassID),
			ClassID:    r.ClassID,
			Confidence: r.Confidence,
			Box:        r.Box,
		})
	}
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	return DetectorResult{Detections: dets}, nil
}

// Labels returns the names table.
func (d *Detector) Labels() Names {
	return d.names
}

func (d *Detector) Close() error {
	return d.backend.Close()
}

func isDistribution(scores []float64) bool {
	sum := 0.0
	for _, s := range scores {
		if s < 0 || s > 1 {
			return false
		}
		sum += s
	}
	return math.Abs(sum-1) < 1e-3
}

func softmax(scores []float64) []float64 {
	peak := scores[0]
	for _, s := range scores[1:] {
		peak = max(peak, s)
	}
	out := make([]float64, len(scores))
	sum := 0.0
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
