package cascade

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/ayusman/watchpost/internal/capture"
)

// Service tasks.
const (
	TaskClassify = "classify"
	TaskDetect   = "detect"
)

const serviceIdleTimeout = 30 * time.Second

// ServiceConfig describes a model service subprocess.
type ServiceConfig struct {
	// Python is the interpreter. Empty selects a venv interpreter when one is
	// found, then python3.
	Python string
	// Script is the service script. Empty searches the usual locations.
	Script string
	Model  string
	Task   string
	Logger zerolog.Logger
}

// ServiceBackend runs a model inside a Python subprocess. Each request is a
// 4-byte big-endian length followed by a JPEG; each response is one JSON line.
// The process starts on first use and stops after sitting idle.
type ServiceBackend struct {
	config    ServiceConfig
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewServiceBackend validates cfg. The process is started lazily.
func NewServiceBackend(cfg ServiceConfig) (*ServiceBackend, error) {
	if cfg.Task != TaskClassify && cfg.Task != TaskDetect {
		return nil, fmt.Errorf("unknown service task %q", cfg.Task)
	}
	if cfg.Script == "" {
		cfg.Script = findServiceScript()
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("cascade_service.py not found")
	}
	if cfg.Python == "" {
		cfg.Python = findVenvPython()
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &ServiceBackend{config: cfg}, nil
}

type serviceResponse struct {
	Scores     []float64          `json:"scores"`
	Detections []serviceDetection `json:"detections"`
	Error      string             `json:"error"`
}

type serviceDetection struct {
	Class      int        `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// Scores implements ClassifierBackend.
func (s *ServiceBackend) Scores(frame *capture.Frame) ([]float64, error) {
	resp, err := s.roundTrip(frame)
	if err != nil {
		return nil, err
	}
	if len(resp.Scores) == 0 {
		return nil, fmt.Errorf("%w: service returned no scores", ErrMalformed)
	}
	return resp.Scores, nil
}

// Detections implements DetectorBackend.
func (s *ServiceBackend) Detections(frame *capture.Frame) ([]RawDetection, error) {
	resp, err := s.roundTrip(frame)
	if err != nil {
		return nil, err
	}
	dets := make([]RawDetection, len(resp.Detections))
	for i, d := range resp.Detections {
		dets[i] = RawDetection{
			ClassID:    d.Class,
			Confidence: d.Confidence,
			Box:        image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3])),
		}
	}
	return dets, nil
}

func (s *ServiceBackend) roundTrip(frame *capture.Frame) (serviceResponse, error) {
	if frame == nil || frame.Mat == nil {
		return serviceResponse{}, fmt.Errorf("empty frame")
	}

	bgr, err := frame.BGR()
	if err != nil {
		return serviceResponse{}, err
	}
	defer bgr.Close()

	buf, err := gocv.IMEncode(".jpg", bgr)
	if err != nil {
		return serviceResponse{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return serviceResponse{}, err
	}

	resp, err := s.exchange(buf.GetBytes())
	if err != nil {
		// A broken pipe leaves the process unusable; restart on the next call.
		s.shutdown()
		return serviceResponse{}, err
	}

	s.lastUsed = time.Now()
	s.resetIdleTimer()

	if resp.Error != "" {
		return serviceResponse{}, fmt.Errorf("model service: %s", resp.Error)
	}
	return resp, nil
}

func (s *ServiceBackend) exchange(data []byte) (serviceResponse, error) {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := s.stdin.Write(length); err != nil {
		return serviceResponse{}, fmt.Errorf("write length: %w", err)
	}
	if _, err := s.stdin.Write(data); err != nil {
		return serviceResponse{}, fmt.Errorf("write data: %w", err)
	}

	line, err := s.stdout.ReadString('\n')
	if err != nil {
		return serviceResponse{}, fmt.Errorf("read response: %w", err)
	}

	var resp serviceResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return serviceResponse{}, fmt.Errorf("%w: parse response: %v", ErrMalformed, err)
	}
	return resp, nil
}

// Close shuts down the Python process.
func (s *ServiceBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown()
}

func (s *ServiceBackend) ensureStarted() error {
	if s.started {
		return nil
	}

	s.cmd = exec.Command(s.config.Python, s.config.Script, "--task", s.config.Task, "--model", s.config.Model)

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	s.cmd.Stderr = os.Stderr

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start model service: %w", err)
	}

	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.started = true
	s.lastUsed = time.Now()

	s.config.Logger.Info().
		Str("task", s.config.Task).
		Str("model", s.config.Model).
		Int("pid", s.cmd.Process.Pid).
		Msg("model service started")
	return nil
}

func (s *ServiceBackend) shutdown() error {
	if !s.started {
		return nil
	}

	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	if s.stdin != nil {
		s.stdin.Close()
	}

	err := s.cmd.Wait()
	s.started = false
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.config.Logger.Warn().Err(err).Str("task", s.config.Task).Msg("model service exited")
	}
	return err
}

func (s *ServiceBackend) resetIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(serviceIdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.shutdown()
	})
}

func findServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/cascade_service.py",
		"../scripts/cascade_service.py",
		filepath.Join(execDir, "scripts/cascade_service.py"),
		filepath.Join(os.Getenv("HOME"), ".watchpost/scripts/cascade_service.py"),
	}
	return firstExisting(candidates)
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".watchpost/venv/bin/python"),
	}
	return firstExisting(candidates)
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}
