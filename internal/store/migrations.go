package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Incidents table - one row per persisted incident record
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			description TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Incident labels table - ordered label set of each incident
		`CREATE TABLE IF NOT EXISTS incident_labels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			label TEXT NOT NULL
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_incident_labels_incident_id ON incident_labels(incident_id)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_synced ON incidents(synced)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
