package capture

import (
	"context"
	"io"
	"sync"
)

// MockSource plays back a fixed byte stream for testing.
type MockSource struct {
	data      []byte
	chunkSize int
	offset    int
	err       error
	loop      bool
	mu        sync.Mutex
	running   bool
	opened    int
}

// NewMockSource returns a source that yields data in chunks of chunkSize
// bytes and then io.EOF.
func NewMockSource(data []byte, chunkSize int) *MockSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MockSource{
		data:      data,
		chunkSize: chunkSize,
	}
}

func (s *MockSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.offset = 0
	s.opened++
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *MockSource) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}

	if s.offset >= len(s.data) {
		if s.loop && len(s.data) > 0 {
			s.offset = 0
		} else if s.err != nil {
			return nil, s.err
		} else {
			return nil, io.EOF
		}
	}

	end := min(s.offset+s.chunkSize, len(s.data))
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetLoop makes playback restart from the beginning instead of ending.
func (s *MockSource) SetLoop(loop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = loop
}

// SetError replaces io.EOF with err once the data is exhausted
func (s *MockSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Opened returns how many times Open was called
func (s *MockSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}
