package plugin

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/incident"
)

// DefaultQueueSize bounds records waiting for hooks.
const DefaultQueueSize = 32

// Dispatcher runs subscribed hooks for each persisted incident on its own
// goroutine, so slow hooks never hold up the incident writer.
type Dispatcher struct {
	manager  *Manager
	executor *Executor
	logger   zerolog.Logger

	mu     sync.Mutex
	queue  chan incident.Record
	closed bool
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	runs    uint64
	failed  uint64
	dropped uint64
}

// NewDispatcher starts a dispatcher. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(manager *Manager, executor *Executor, queueSize int, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		manager:  manager,
		executor: executor,
		logger:   logger.With().Str("component", "hooks").Logger(),
		queue:    make(chan incident.Record, queueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go d.run()
	return d
}

// Notify queues rec for the hooks. It has the incident.Listener signature.
// Records are dropped when the queue is full.
func (d *Dispatcher) Notify(rec incident.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.dropped++
		d.logger.Warn().Str("id", rec.ID).Msg("hook queue full, incident not dispatched")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		d.dispatch(rec)
	}
}

func (d *Dispatcher) dispatch(rec incident.Record) {
	req := &Request{
		Event: EventIncident,
		Incident: &IncidentPayload{
			ID:          rec.ID,
			Timestamp:   rec.Timestamp,
			Description: rec.Description,
			Labels:      slices.Clone(rec.Labels),
		},
	}

	for _, p := range d.manager.Subscribers(EventIncident, rec.Labels) {
		resp, err := d.executor.Execute(d.ctx, p, req)
		d.mu.Lock()
		d.runs++
		if err != nil || !resp.Success {
			d.failed++
		}
		d.mu.Unlock()

		switch {
		case err != nil:
			d.logger.Error().Err(err).Str("hook", p.Manifest.Name).Str("id", rec.ID).Msg("hook failed")
		case !resp.Success:
			d.logger.Warn().Str("hook", p.Manifest.Name).Str("id", rec.ID).Str("error", resp.Error).Msg("hook reported failure")
		default:
			d.logger.Debug().Str("hook", p.Manifest.Name).Str("id", rec.ID).Msg("hook ran")
		}
	}
}

// DispatchStats counts hook runs.
type DispatchStats struct {
	Runs    uint64
	Failed  uint64
	Dropped uint64
}

func (d *Dispatcher) Stats() DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatchStats{Runs: d.runs, Failed: d.failed, Dropped: d.dropped}
}

// Close stops accepting records and waits for queued ones to be dispatched.
// Hooks still running when ctx ends are killed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}
