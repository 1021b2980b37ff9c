package incident

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/cascade"
)

// DefaultFeedbackStep is the threshold change applied per feedback message.
const DefaultFeedbackStep = 0.05

// Verdict is a reviewer's judgement on the detector's output.
type Verdict string

const (
	// VerdictFalsePositive raises the threshold so similar output no longer
	// qualifies.
	VerdictFalsePositive Verdict = "false_positive"
	// VerdictMissed lowers the threshold so similar output qualifies.
	VerdictMissed Verdict = "missed"
)

// Feedback asks for one threshold to move. Stage defaults to the detector;
// Label targets a per-class override. Step defaults to the loop's step.
type Feedback struct {
	Stage   string  `json:"stage"`
	Label   string  `json:"label,omitempty"`
	Verdict Verdict `json:"verdict"`
	Step    float64 `json:"step,omitempty"`
	// Reply, if set, receives the outcome once the message is applied. It
	// must have room for one value.
	Reply chan<- FeedbackResult `json:"-"`
}

// FeedbackResult is the outcome of one feedback message.
type FeedbackResult struct {
	Thresholds Thresholds
	Err        error
}

// FeedbackLoop applies feedback messages to a ThresholdStore. It is the only
// concurrent writer of thresholds while the frame loop runs.
type FeedbackLoop struct {
	store  *ThresholdStore
	step   float64
	logger zerolog.Logger
}

// NewFeedbackLoop creates a loop that moves thresholds by step per message.
func NewFeedbackLoop(store *ThresholdStore, step float64, logger zerolog.Logger) *FeedbackLoop {
	if step <= 0 {
		step = DefaultFeedbackStep
	}
	return &FeedbackLoop{store: store, step: step, logger: logger}
}

// Apply handles one feedback message and returns the resulting thresholds.
func (f *FeedbackLoop) Apply(fb Feedback) (Thresholds, error) {
	step := fb.Step
	if step == 0 {
		step = f.step
	}
	if step < 0 || step > 1 {
		return Thresholds{}, fmt.Errorf("%w: step %v", ErrInvalidThreshold, step)
	}

	var delta float64
	switch fb.Verdict {
	case VerdictFalsePositive:
		delta = step
	case VerdictMissed:
		delta = -step
	default:
		return Thresholds{}, fmt.Errorf("unknown verdict %q", fb.Verdict)
	}

	stage := fb.Stage
	if stage == "" {
		stage = cascade.StageDetector
	}
	th, err := f.store.Adjust(stage, fb.Label, delta)
	if err != nil {
		return Thresholds{}, err
	}

	f.logger.Info().
		Str("stage", stage).
		Str("label", fb.Label).
		Str("verdict", string(fb.Verdict)).
		Float64("classifier", th.Classifier).
		Float64("detector", th.Detector).
		Msg("thresholds adjusted")
	return th, nil
}

// Run applies messages from ch until it is closed or ctx is done. Invalid
// messages are logged and skipped. Each message's Reply, if any, gets the
// outcome.
func (f *FeedbackLoop) Run(ctx context.Context, ch <-chan Feedback) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fb, ok := <-ch:
			if !ok {
				return nil
			}
			th, err := f.Apply(fb)
			if err != nil {
				f.logger.Warn().Err(err).Msg("feedback rejected")
			}
			if fb.Reply != nil {
				select {
				case fb.Reply <- FeedbackResult{Thresholds: th, Err: err}:
				default:
				}
			}
		}
	}
}

// FeedbackQueue hands feedback to a running FeedbackLoop and waits for the
// outcome. It is safe for concurrent use.
type FeedbackQueue struct {
	ch chan<- Feedback
}

// NewFeedbackQueue creates a queue sending on ch, which a FeedbackLoop must
// be reading.
func NewFeedbackQueue(ch chan<- Feedback) *FeedbackQueue {
	return &FeedbackQueue{ch: ch}
}

// Submit sends fb and returns the thresholds it produced. It returns
// ctx.Err() if ctx ends before the loop has answered.
func (q *FeedbackQueue) Submit(ctx context.Context, fb Feedback) (Thresholds, error) {
	reply := make(chan FeedbackResult, 1)
	fb.Reply = reply

	select {
	case q.ch <- fb:
	case <-ctx.Done():
		return Thresholds{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Thresholds, res.Err
	case <-ctx.Done():
		return Thresholds{}, ctx.Err()
	}
}
