package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ayusman/watchpost/internal/incident"
)

// replayPage is how many pending records Replay reads per query.
const replayPage = 100

// OutboxRepository holds records that still have to reach the remote store.
// It is the fallback of the incident logger when the primary store is remote.
type OutboxRepository struct {
	db        *sql.DB
	incidents *IncidentRepository
}

// Outbox returns the outbox repository for this store.
func (s *Store) Outbox() *OutboxRepository {
	return &OutboxRepository{db: s.db, incidents: s.Incidents()}
}

// Append implements incident.Store. The record is kept locally and marked
// pending.
func (r *OutboxRepository) Append(ctx context.Context, rec incident.Record) error {
	return insertRecord(ctx, r.db, rec, false)
}

// Pending returns undelivered records, oldest first.
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]incident.Record, error) {
	if limit <= 0 {
		limit = replayPage
	}
	return r.incidents.query(ctx,
		`SELECT id, timestamp, description FROM incidents WHERE synced = 0 ORDER BY created_at, rowid LIMIT ?`,
		limit,
	)
}

// MarkSynced flags a record as delivered.
func (r *OutboxRepository) MarkSynced(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE incidents SET synced = 1, last_error = '' WHERE id = ?`, id)
}

// MarkAttempt records a failed delivery attempt.
func (r *OutboxRepository) MarkAttempt(ctx context.Context, id string, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return r.exec(ctx, `UPDATE incidents SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
}

// Replay sends every pending record to dst, oldest first, one page at a
// time until the outbox is empty. It stops at the first failure and returns
// how many records were delivered.
func (r *OutboxRepository) Replay(ctx context.Context, dst incident.Store) (int, error) {
	sent := 0
	for {
		pending, err := r.Pending(ctx, replayPage)
		if err != nil {
			return sent, fmt.Errorf("list pending incidents: %w", err)
		}

		for _, rec := range pending {
			if err := dst.Append(ctx, rec); err != nil {
				if markErr := r.MarkAttempt(ctx, rec.ID, err); markErr != nil {
					return sent, markErr
				}
				return sent, fmt.Errorf("replay incident %s: %w", rec.ID, err)
			}
			if err := r.MarkSynced(ctx, rec.ID); err != nil {
				return sent, err
			}
			sent++
		}
		if len(pending) < replayPage {
			return sent, nil
		}
	}
}

func (r *OutboxRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
