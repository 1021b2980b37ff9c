package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/display"
	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/metrics"
)

// Run opens the source and processes frames until the stream ends, ctx is
// cancelled, Stop is called or the sink asks to quit. Each frame is handled
// to completion before the next chunk is read:
//
//  1. read a chunk and feed it to the demuxer
//  2. decode each complete frame, dropping undecodable ones
//  3. classify, then run the detector when gating allows it
//  4. decide and hand any incident to the logger
//  5. show the frame with its annotations
//
// Run returns nil after Stop or a sink quit, ctx.Err() after cancellation,
// an error wrapping ErrStreamEnded at end of stream, and the underlying error
// for transport or inference failures.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer a.running.Store(false)

	if err := a.source.Open(ctx); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer a.source.Close()

	a.logger.Info().Msg("frame loop started")
	defer a.logger.Info().Msg("frame loop stopped")

	quit := a.sink.Quit()
	for {
		if done, err := a.shouldStop(ctx, quit); done {
			return err
		}

		chunk, err := a.source.ReadChunk()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %w", ErrStreamEnded, err)
			}
			return fmt.Errorf("read stream: %w", err)
		}

		overflows := a.demux.Stats().Overflows
		frames := a.demux.Feed(chunk)
		if n := a.demux.Stats().Overflows; n > overflows {
			a.count(func(s *Stats) { s.Overflows += n - overflows })
			metrics.RecordOverflow()
			a.logger.Warn().
				Int("max_buffer", a.config.MaxBuffer).
				Int("buffered", a.demux.Buffered()).
				Msg("stream buffer overflow, resynchronised")
		}
		if len(frames) > 0 {
			metrics.RecordFrames(len(frames))
		}

		for _, ef := range frames {
			if err := a.processFrame(ctx, ef); err != nil {
				return err
			}
			if done, err := a.shouldStop(ctx, quit); done {
				return err
			}
		}
	}
}

func (a *App) shouldStop(ctx context.Context, quit <-chan struct{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	if a.stopped.Load() {
		return true, nil
	}
	select {
	case <-quit:
		a.logger.Info().Msg("display closed")
		return true, nil
	default:
		return false, nil
	}
}

// processFrame runs one encoded frame through the cascade. Only inference
// failures are returned; everything else is logged and counted.
func (a *App) processFrame(ctx context.Context, ef capture.EncodedFrame) error {
	a.count(func(s *Stats) { s.Frames++ })

	frame, err := a.decoder.Decode(ef)
	if err != nil {
		a.count(func(s *Stats) { s.DecodeFailures++ })
		metrics.RecordDecodeFailure()
		a.logger.Warn().Err(err).Uint64("seq", ef.Seq).Int("bytes", len(ef.Data)).Msg("dropping undecodable frame")
		return nil
	}
	defer frame.Close()

	var ann display.Annotations
	if a.IsEnabled() {
		result, err := a.inspect(ctx, frame)
		if err != nil {
			return err
		}
		ann.Classifier = &result.Classifier
		ann.Detections = result.Detections
		ann.Incident = result.Incident != nil
		if a.config.Observer != nil {
			a.config.Observer(result)
		}
	} else {
		ann.Paused = true
	}

	if err := a.sink.Show(frame, ann); err != nil {
		a.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("display failed")
	}
	return nil
}

// inspect classifies frame, gates the detector and logs any incident.
func (a *App) inspect(ctx context.Context, frame *capture.Frame) (FrameResult, error) {
	th := a.thresholds.Snapshot()
	result := FrameResult{Seq: frame.Seq, Timestamp: frame.Timestamp}

	res, err := a.infer(ctx, a.classifier, frame)
	if err != nil {
		return result, fmt.Errorf("classify frame %d: %w", frame.Seq, err)
	}
	cls, ok := res.(cascade.ClassifierResult)
	if !ok {
		return result, fmt.Errorf("classify frame %d: %w: got %s result", frame.Seq, cascade.ErrMalformed, res.Stage())
	}
	result.Classifier = cls
	a.count(func(s *Stats) { s.Classified++ })

	var det cascade.DetectorResult
	if a.config.Gating.RunDetector(result.Classifier, th) {
		res, err := a.infer(ctx, a.detector, frame)
		if err != nil {
			return result, fmt.Errorf("detect frame %d: %w", frame.Seq, err)
		}
		if det, ok = res.(cascade.DetectorResult); !ok {
			return result, fmt.Errorf("detect frame %d: %w: got %s result", frame.Seq, cascade.ErrMalformed, res.Stage())
		}
		a.count(func(s *Stats) { s.DetectorRuns++ })
		result.Detections = det.Detections
	} else {
		metrics.RecordStageSkipped(cascade.StageDetector)
	}

	inc := incident.Decide(result.Classifier, det, th, frame.Timestamp)
	if inc == nil {
		return result, nil
	}
	result.Incident = inc
	a.count(func(s *Stats) { s.Incidents++ })
	a.logger.Info().
		Str("id", inc.ID.String()).
		Strs("labels", inc.Labels).
		Float64("anomaly", inc.Anomaly).
		Uint64("seq", frame.Seq).
		Msg("incident detected")

	switch err := a.incidents.Log(ctx, inc); {
	case err == nil:
	case errors.Is(err, incident.ErrSuppressed):
		a.count(func(s *Stats) { s.Suppressed++ })
		a.logger.Debug().Strs("labels", inc.Labels).Msg("incident inside cooldown")
	case errors.Is(err, incident.ErrQueueFull):
		// Already logged and counted by the incident logger.
	default:
		a.logger.Error().Err(err).Str("id", inc.ID.String()).Msg("incident not recorded")
	}
	return result, nil
}

// infer runs stage on frame with the configured number of retries.
func (a *App) infer(ctx context.Context, stage cascade.Stage, frame *capture.Frame) (cascade.Result, error) {
	var res cascade.Result
	err := backoff.Retry(ctx, a.config.RetryBackoff, a.config.InferenceRetries+1, func(attempt int) error {
		start := time.Now()
		var err error
		res, err = stage.Run(frame)
		metrics.RecordStage(stage.Name(), time.Since(start))
		if err != nil && attempt <= a.config.InferenceRetries {
			a.logger.Warn().Err(err).Str("stage", stage.Name()).Int("attempt", attempt).Msg("inference failed, retrying")
		}
		return err
	})
	return res, err
}
