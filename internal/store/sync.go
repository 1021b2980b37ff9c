package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/backoff"
	"github.com/ayusman/watchpost/internal/incident"
)

// DefaultSyncInterval is how often OutboxSync checks the outbox when nothing
// wakes it earlier.
const DefaultSyncInterval = 30 * time.Second

// OutboxSync delivers outbox records to the remote store while the process
// runs. It is also the primary incident.Store: every successful remote
// append wakes the replay loop, since the remote is reachable again.
type OutboxSync struct {
	outbox   *OutboxRepository
	remote   incident.Store
	interval time.Duration
	retry    backoff.Config
	logger   zerolog.Logger
	kick     chan struct{}
}

// NewOutboxSync creates a sync from outbox to remote. A non-positive interval
// uses DefaultSyncInterval; retry paces passes after a failed one.
func NewOutboxSync(outbox *OutboxRepository, remote incident.Store, interval time.Duration, retry backoff.Config, logger zerolog.Logger) *OutboxSync {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &OutboxSync{
		outbox:   outbox,
		remote:   remote,
		interval: interval,
		retry:    retry,
		logger:   logger.With().Str("component", "outbox").Logger(),
		kick:     make(chan struct{}, 1),
	}
}

// Append implements incident.Store by writing rec to the remote store.
func (s *OutboxSync) Append(ctx context.Context, rec incident.Record) error {
	if err := s.remote.Append(ctx, rec); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Kick asks Run for a pass without waiting for the interval.
func (s *OutboxSync) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run replays the outbox once immediately, then every interval or after a
// Kick, until ctx is done. After a failed pass the next one waits on the
// retry schedule instead of the interval.
func (s *OutboxSync) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0

	for {
		sent, err := s.outbox.Replay(ctx, s.remote)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.interval
		if err != nil {
			failures++
			if d := backoff.Delay(s.retry, failures, rng); d > 0 {
				wait = d
			}
			s.logger.Warn().Err(err).Int("sent", sent).Int("failures", failures).Dur("retry_in", wait).Msg("outbox replay stopped")
		} else {
			failures = 0
			if sent > 0 {
				s.logger.Info().Int("sent", sent).Msg("outbox replayed")
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}
