// Package display shows decoded frames with the cascade's findings drawn on
// top. Drawing always happens on a copy so inference input is never touched.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/watchpost/internal/capture"
	"github.com/ayusman/watchpost/internal/cascade"
)

var (
	boxColor      = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	incidentColor = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	statusColor   = color.RGBA{R: 0, G: 255, B: 0, A: 0}
)

// Annotations is what gets drawn over a frame.
type Annotations struct {
	Classifier *cascade.ClassifierResult
	Detections []cascade.Detection
	Incident   bool
	// Paused is set while inference is disabled.
	Paused bool
}

// Sink is a display destination.
type Sink interface {
	Show(frame *capture.Frame, ann Annotations) error
	// Quit is closed when the user asks to stop. A nil channel never fires.
	Quit() <-chan struct{}
	Close() error
}

// Label formats a detection the way it is drawn, e.g. "Knife (0.93)".
func Label(d cascade.Detection) string {
	return fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
}

// Annotate returns a BGR copy of frame with ann drawn on it. The caller
// closes the returned Mat.
func Annotate(frame *capture.Frame, ann Annotations) (gocv.Mat, error) {
	if frame == nil || frame.Mat == nil {
		return gocv.Mat{}, errors.New("annotate: no frame")
	}
	mat, err := frame.BGR()
	if err != nil {
		return gocv.Mat{}, err
	}

	for _, d := range ann.Detections {
		if err := gocv.Rectangle(&mat, d.Box, boxColor, 2); err != nil {
			mat.Close()
			return gocv.Mat{}, fmt.Errorf("draw box: %w", err)
		}
		pt := image.Pt(d.Box.Min.X, max(d.Box.Min.Y-5, 12))
		if err := gocv.PutText(&mat, Label(d), pt, gocv.FontHersheySimplex, 0.5, boxColor, 1); err != nil {
			mat.Close()
			return gocv.Mat{}, fmt.Errorf("draw label: %w", err)
		}
	}

	if status := statusLine(ann); status != "" {
		c := statusColor
		if ann.Incident {
			c = incidentColor
		}
		if err := gocv.PutText(&mat, status, image.Pt(8, mat.Rows()-10), gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			mat.Close()
			return gocv.Mat{}, fmt.Errorf("draw status: %w", err)
		}
	}
	return mat, nil
}

func statusLine(ann Annotations) string {
	switch {
	case ann.Paused:
		return "paused"
	case ann.Incident:
		return "INCIDENT"
	case ann.Classifier != nil:
		return fmt.Sprintf("%s (%.2f)", ann.Classifier.Label, ann.Classifier.Confidence)
	}
	return ""
}

// Nop discards every frame.
type Nop struct{}

func (Nop) Show(*capture.Frame, Annotations) error { return nil }
func (Nop) Quit() <-chan struct{}                  { return nil }
func (Nop) Close() error                           { return nil }

// Multi fans frames out to several sinks. Its Quit channel closes when any
// member's does.
type Multi struct {
	sinks []Sink
	quit  chan struct{}
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewMulti combines sinks.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{
		sinks: sinks,
		quit:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	var quitOnce sync.Once
	for _, s := range sinks {
		ch := s.Quit()
		if ch == nil {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-ch:
				quitOnce.Do(func() { close(m.quit) })
			case <-m.stop:
			}
		}()
	}
	return m
}

// Show passes the frame to every sink and joins their errors.
func (m *Multi) Show(frame *capture.Frame, ann Annotations) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Show(frame, ann); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Quit() <-chan struct{} {
	return m.quit
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
		for _, s := range m.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
