package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ayusman/watchpost/internal/incident"
)

// IncidentRepository appends and queries incident records. Records it
// appends are considered delivered.
type IncidentRepository struct {
	db *sql.DB
}

// Incidents returns the incident repository for this store.
func (s *Store) Incidents() *IncidentRepository {
	return &IncidentRepository{db: s.db}
}

// Append implements incident.Store.
func (r *IncidentRepository) Append(ctx context.Context, rec incident.Record) error {
	return insertRecord(ctx, r.db, rec, true)
}

func insertRecord(ctx context.Context, db *sql.DB, rec incident.Record, synced bool) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("incident record has no id")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (id, timestamp, description, synced)
		 VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Description, synced,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}

	for i, label := range rec.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incident_labels (incident_id, position, label) VALUES (?, ?, ?)`,
			rec.ID, i, label,
		); err != nil {
			return fmt.Errorf("insert incident label: %w", err)
		}
	}

	return tx.Commit()
}

// Get retrieves a record by its ID.
func (r *IncidentRepository) Get(ctx context.Context, id string) (*incident.Record, error) {
	rec := &incident.Record{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, timestamp, description FROM incidents WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Timestamp, &rec.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	labels, err := r.labels(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Labels = labels
	return rec, nil
}

// List returns records newest first. A limit of 0 returns all records.
func (r *IncidentRepository) List(ctx context.Context, limit, offset int) ([]incident.Record, error) {
	query := `SELECT id, timestamp, description FROM incidents ORDER BY timestamp DESC, created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	return r.query(ctx, query, args...)
}

// Count returns the number of stored records.
func (r *IncidentRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&n)
	return n, err
}

// Delete removes a record by its ID.
func (r *IncidentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM incidents WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IncidentRepository) query(ctx context.Context, query string, args ...any) ([]incident.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var records []incident.Record
	for rows.Next() {
		var rec incident.Record
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Description); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Labels are loaded after the cursor is closed; the pool holds a single
	// connection.
	for i := range records {
		labels, err := r.labels(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Labels = labels
	}
	return records, nil
}

func (r *IncidentRepository) labels(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT label FROM incident_labels WHERE incident_id = ? ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	labels := []string{}
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}
