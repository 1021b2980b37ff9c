package incident

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/metrics"
)

// TimestampLayout formats record timestamps in local time.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrSuppressed is returned for incidents inside the cooldown window.
	ErrSuppressed = errors.New("incident suppressed by cooldown")
	// ErrQueueFull is returned when the writer cannot keep up.
	ErrQueueFull = errors.New("incident queue full")
	// ErrClosed is returned by Log after Close.
	ErrClosed = errors.New("incident logger closed")
	// ErrPersist is wrapped when neither the store nor the fallback accepted
	// a record.
	ErrPersist = errors.New("persist incident")
)

// Record is the stored form of an incident.
type Record struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
}

// NewRecord builds the record for inc.
func NewRecord(inc *Incident) Record {
	return Record{
		ID:          inc.ID.String(),
		Timestamp:   inc.Timestamp.Local().Format(TimestampLayout),
		Description: Describe(inc.Labels),
		Labels:      slices.Clone(inc.Labels),
	}
}

// Describe renders the human readable description of a label set.
func Describe(labels []string) string {
	return "Detected: " + strings.Join(labels, ", ")
}

// Store is an append-only incident collection.
type Store interface {
	Append(ctx context.Context, r Record) error
}

// Listener is notified after a record has been stored.
type Listener func(Record)

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	// Cooldown suppresses a label set logged less than Cooldown ago. Zero
	// logs every incident.
	Cooldown time.Duration
	// QueueSize bounds the hand-off queue. Zero persists synchronously inside
	// Log.
	QueueSize   int
	MaxAttempts int
	Backoff     backoff.Config
	// Fallback receives records the primary store rejected after all
	// attempts.
	Fallback Store
	Logger   zerolog.Logger
}

// DefaultLoggerConfig returns the queued configuration with retries.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		QueueSize:   64,
		MaxAttempts: 5,
		Backoff:     backoff.Default(),
		Logger:      zerolog.Nop(),
	}
}

// LoggerStats counts logger outcomes.
type LoggerStats struct {
	Accepted   uint64
	Suppressed uint64
	Dropped    uint64
	Persisted  uint64
	Fallback   uint64
	Failed     uint64
}

// Logger persists incidents. With a queue, a single writer goroutine drains
// it so a slow store never blocks the caller.
type Logger struct {
	store  Store
	cfg    LoggerConfig
	logger zerolog.Logger

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	listeners []Listener
	stats     LoggerStats
	closed    bool

	queue  chan Record
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLogger creates a logger writing to store. A writer goroutine is started
// when cfg.QueueSize is positive.
func NewLogger(store Store, cfg LoggerConfig) *Logger {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "incidents").Logger(),
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.QueueSize > 0 {
		l.queue = make(chan Record, cfg.QueueSize)
		go l.writer()
	} else {
		close(l.done)
	}
	return l
}

// Subscribe registers fn for every stored record. Listeners run on the
// writer goroutine and must not block.
func (l *Logger) Subscribe(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Log records inc. It returns ErrSuppressed inside the cooldown window and
// ErrQueueFull when the queue has no room. Without a queue it blocks until the
// record is stored and returns an error wrapping ErrPersist if that failed.
func (l *Logger) Log(ctx context.Context, inc *Incident) error {
	if inc == nil {
		return nil
	}
	metrics.RecordIncident(metrics.OutcomeDeclared)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	key, suppressed := l.suppressed(inc)
	if suppressed {
		l.stats.Suppressed++
		l.mu.Unlock()
		metrics.RecordIncident(metrics.OutcomeSuppressed)
		return ErrSuppressed
	}
	rec := NewRecord(inc)

	if l.queue == nil {
		l.accept(key, inc.Timestamp)
		l.mu.Unlock()
		return l.persist(ctx, rec)
	}

	select {
	case l.queue <- rec:
		l.accept(key, inc.Timestamp)
		l.mu.Unlock()
		return nil
	default:
		l.stats.Dropped++
		l.mu.Unlock()
		metrics.RecordIncident(metrics.OutcomeDropped)
		l.logger.Error().
			Str("id", rec.ID).
			Str("description", rec.Description).
			Msg("incident queue full, record dropped")
		return ErrQueueFull
	}
}

// suppressed reports whether inc's label set is inside the cooldown window.
// l.mu must be held.
func (l *Logger) suppressed(inc *Incident) (string, bool) {
	if l.cfg.Cooldown <= 0 {
		return "", false
	}
	key := labelKey(inc.Labels)
	last, ok := l.lastSeen[key]
	return key, ok && inc.Timestamp.Sub(last) < l.cfg.Cooldown
}

// accept counts an accepted record and starts its cooldown window.
// l.mu must be held.
func (l *Logger) accept(key string, at time.Time) {
	l.stats.Accepted++
	if l.cfg.Cooldown > 0 {
		l.lastSeen[key] = at
	}
}

func labelKey(labels []string) string {
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), "\x00")
}

func (l *Logger) writer() {
	defer close(l.done)
	for rec := range l.queue {
		l.persist(l.ctx, rec)
	}
}

// persist stores rec with retries, then tries the fallback store.
func (l *Logger) persist(ctx context.Context, rec Record) error {
	err := backoff.Retry(ctx, l.cfg.Backoff, l.cfg.MaxAttempts, func(attempt int) error {
		err := l.store.Append(ctx, rec)
		metrics.RecordPersistAttempt("primary", err == nil)
		if err != nil {
			l.logger.Warn().Err(err).Str("id", rec.ID).Int("attempt", attempt).Msg("incident store append failed")
		}
		return err
	})
	if err == nil {
		l.count(func(s *LoggerStats) { s.Persisted++ })
		metrics.RecordIncident(metrics.OutcomePersisted)
		l.notify(rec)
		return nil
	}

	if l.cfg.Fallback != nil {
		// The fallback gets its own context so a shutdown deadline does not
		// lose the record.
		ferr := l.cfg.Fallback.Append(context.WithoutCancel(ctx), rec)
		metrics.RecordPersistAttempt("fallback", ferr == nil)
		if ferr == nil {
			l.count(func(s *LoggerStats) { s.Fallback++ })
			metrics.RecordIncident(metrics.OutcomeFallback)
			l.logger.Warn().Err(err).Str("id", rec.ID).Msg("incident written to fallback store")
			l.notify(rec)
			return nil
		}
		err = errors.Join(err, ferr)
	}

	l.count(func(s *LoggerStats) { s.Failed++ })
	metrics.RecordIncident(metrics.OutcomeFailed)
	l.logger.Error().
		Err(err).
		Str("id", rec.ID).
		Str("timestamp", rec.Timestamp).
		Str("description", rec.Description).
		Msg("incident could not be persisted")
	return fmt.Errorf("%w %s: %w", ErrPersist, rec.ID, err)
}

func (l *Logger) count(fn func(*LoggerStats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Logger) notify(rec Record) {
	l.mu.Lock()
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
}

// Stats returns a copy of the counters.
func (l *Logger) Stats() LoggerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close stops accepting incidents and waits until every queued record has
// been handled.
func (l *Logger) Close() error {
	return l.Shutdown(context.Background())
}

// Shutdown is Close with a deadline. When ctx ends first, pending retries are
// abandoned and the remaining records go straight to the fallback store.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		if l.queue != nil {
			close(l.queue)
		}
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-l.done
		return ctx.Err()
	}
}
