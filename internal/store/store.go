package store

import (
	"fmt"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
)

// Store provides session, execution, event and heartbeat persistence over
// the shared SQL store.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// New creates a Store and ensures the schema exists.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: pool.DriverName(),
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Pool exposes the underlying pool for collaborators (queue) that share the
// same store.
func (s *Store) Pool() *db.Pool { return s.pool }

// initSchema creates the tables if they don't exist. Types are restricted to
// the portable subset shared by SQLite and PostgreSQL.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			permission_mode TEXT NOT NULL DEFAULT 'default',
			model TEXT NOT NULL DEFAULT '',
			session_ref TEXT NOT NULL DEFAULT '',
			idle_timeout_sec INTEGER,
			last_active_at TIMESTAMP,
			cost_usd REAL NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			task_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			pid INTEGER,
			log_path TEXT NOT NULL DEFAULT '',
			log_bytes INTEGER NOT NULL DEFAULT 0,
			log_lines INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			prompt_override TEXT,
			cli_flags TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			beat_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			binary_path TEXT NOT NULL,
			env_allowlist TEXT NOT NULL DEFAULT '[]',
			max_concurrent INTEGER NOT NULL DEFAULT 4
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			interaction_mode TEXT NOT NULL DEFAULT 'prompt',
			prompt_template TEXT NOT NULL DEFAULT '',
			command_tokens TEXT NOT NULL DEFAULT '[]',
			arg_schema TEXT NOT NULL DEFAULT '[]',
			timeout_sec INTEGER NOT NULL DEFAULT 300,
			max_output_bytes INTEGER NOT NULL DEFAULT 10485760,
			danger_level TEXT NOT NULL DEFAULT 'low'
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			root_path TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
