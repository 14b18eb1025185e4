package db

import "github.com/agendo/agendo/internal/common/config"

// Open selects the store backend from configuration: PostgreSQL when a URL
// is set, otherwise a local SQLite file.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.URL != "" {
		return OpenPostgres(cfg.URL, cfg.MaxConns, cfg.MinConns)
	}
	return OpenSQLite(cfg.Path)
}
