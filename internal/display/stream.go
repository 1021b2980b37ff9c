package display

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/ayusman/watchpost/internal/capture"
)

// StreamSink rebroadcasts annotated frames as an MJPEG stream over HTTP.
type StreamSink struct {
	stream *mjpeg.Stream

	mu     sync.RWMutex
	latest []byte
	frames uint64
}

// NewStreamSink creates an idle stream. Mount Handler to serve it.
func NewStreamSink() *StreamSink {
	return &StreamSink{stream: mjpeg.NewStream()}
}

// Show encodes the annotated frame and pushes it to connected clients.
func (s *StreamSink) Show(frame *capture.Frame, ann Annotations) error {
	mat, err := Annotate(frame, ann)
	if err != nil {
		return err
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return err
	}
	jpeg := bytes.Clone(buf.GetBytes())
	buf.Close()

	s.mu.Lock()
	s.latest = jpeg
	s.frames++
	s.mu.Unlock()

	s.stream.UpdateJPEG(jpeg)
	return nil
}

// Handler serves the multipart stream.
func (s *StreamSink) Handler() http.Handler {
	return s.stream
}

// Latest returns the most recent encoded frame, or nil before the first one.
func (s *StreamSink) Latest() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Frames returns how many frames have been published.
func (s *StreamSink) Frames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

func (s *StreamSink) Quit() <-chan struct{} { return nil }
func (s *StreamSink) Close() error          { return nil }
