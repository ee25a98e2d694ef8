package migration

// MigrationStatus reports the current golang-migrate state of the
// event_outbox schema.
type MigrationStatus struct {
	CurrentVersion  uint   `json:"current_version"`
	IsDirty         bool   `json:"is_dirty"`
	Status          string `json:"status"` // "healthy", "dirty", "error", "not_initialized"
	Error           string `json:"error,omitempty"`
	MigrationsPath  string `json:"migrations_path"`
	TotalMigrations int    `json:"total_migrations"`
}
