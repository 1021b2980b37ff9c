package server

import (
	"net/http"
	"strconv"

	"github.com/ayusman/watchpost/internal/display"
)

// StreamHandler serves the annotated frames published to a StreamSink.
type StreamHandler struct {
	sink *display.StreamSink
}

// NewStreamHandler creates a new StreamHandler for sink.
func NewStreamHandler(sink *display.StreamSink) *StreamHandler {
	return &StreamHandler{sink: sink}
}

// ServeHTTP streams annotated frames as multipart MJPEG until the client
// disconnects.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.sink.Handler().ServeHTTP(w, r)
}

// Snapshot serves the most recent annotated frame as a single JPEG.
func (h *StreamHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jpeg := h.sink.Latest()
	if jpeg == nil {
		http.Error(w, "No frame yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpeg)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(jpeg)
}
