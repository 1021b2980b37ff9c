package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultChunkSize is the read size used against the stream body.
const DefaultChunkSize = 1024

// ErrSourceNotOpen is returned when reading from a source that is not open.
var ErrSourceNotOpen = errors.New("source is not open")

// Source delivers raw stream bytes in chunks.
type Source interface {
	Open(ctx context.Context) error
	// ReadChunk blocks until bytes are available. It returns io.EOF once the
	// stream has ended.
	ReadChunk() ([]byte, error)
	Close() error
	IsOpen() bool
}

// HTTPSource reads an MJPEG stream from a long-lived HTTP response body.
// Frame boundaries are left to the Demuxer; multipart headers are not parsed.
type HTTPSource struct {
	url       string
	chunkSize int
	client    *http.Client

	mu      sync.Mutex
	body    io.ReadCloser
	buf     []byte
	running bool
}

// NewHTTPSource creates a source for url. connectTimeout bounds dialing and
// waiting for response headers, never the body itself.
func NewHTTPSource(url string, chunkSize int, connectTimeout time.Duration) *HTTPSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
		transport.ResponseHeaderTimeout = connectTimeout
	}
	return &HTTPSource{
		url:       url,
		chunkSize: chunkSize,
		client:    &http.Client{Transport: transport},
	}
}

// URL returns the stream address.
func (s *HTTPSource) URL() string {
	return s.url
}

// Open issues the GET request. The body stays open until Close or until ctx
// is cancelled.
func (s *HTTPSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("connect to stream: unexpected status %s", resp.Status)
	}

	s.body = resp.Body
	s.buf = make([]byte, s.chunkSize)
	s.running = true
	return nil
}

// ReadChunk reads up to the configured chunk size. The returned slice is only
// valid until the next call.
func (s *HTTPSource) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.body == nil {
		return nil, ErrSourceNotOpen
	}

	n, err := s.body.Read(s.buf)
	if n > 0 {
		// Bytes first; the body reports err again on the next read.
		return s.buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return s.buf[:0], nil
}

// Close releases the response body.
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.body == nil {
		s.running = false
		return nil
	}

	err := s.body.Close()
	s.body = nil
	s.running = false
	return err
}

// IsOpen returns true while the stream body is open.
func (s *HTTPSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
