package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

type migration struct {
	name       string
	statements []string
}

// migrations are forward-only; the schema version is the index of the last
// applied entry plus one. Never edit an existing entry, append a new one.
var migrations = []migration{
	{
		name: "initial schema",
		statements: []string{
			`CREATE TABLE projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE tasks (
				local_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id),
				repo_id TEXT,
				title TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'todo',
				remote_ref_provider TEXT,
				remote_ref_id TEXT,
				remote_ref_number INTEGER,
				remote_ref_url TEXT,
				dirty INTEGER NOT NULL DEFAULT 0,
				remote_updated_at DATETIME,
				local_updated_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE pdr (
				id TEXT PRIMARY KEY,
				action TEXT NOT NULL,
				inputs_hash TEXT NOT NULL,
				outcome TEXT NOT NULL,
				task_id TEXT,
				details TEXT,
				timestamp DATETIME NOT NULL
			)`,
			`CREATE INDEX idx_tasks_project ON tasks(project_id)`,
			`CREATE UNIQUE INDEX idx_tasks_remote_ref ON tasks(remote_ref_provider, remote_ref_id)`,
		},
	},
	{
		name: "linked repos and sync flags",
		statements: []string{
			`CREATE TABLE project_repos (
				project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				repo_id TEXT NOT NULL,
				PRIMARY KEY (project_id, repo_id)
			)`,
			`ALTER TABLE tasks ADD COLUMN conflict INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE tasks ADD COLUMN conflict_remote_at DATETIME`,
			`ALTER TABLE tasks ADD COLUMN orphaned INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE tasks ADD COLUMN rev INTEGER NOT NULL DEFAULT 0`,
			`CREATE INDEX idx_tasks_repo ON tasks(repo_id)`,
		},
	},
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at DATETIME NOT NULL)`,
	); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies pending migrations up to target. An existing database is
// copied aside with VACUUM INTO before any migration touches it.
func (s *Store) migrate(ctx context.Context, target int) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", current, len(migrations))
	}
	if current >= target {
		return nil
	}

	if current > 0 {
		backup, err := s.backup(ctx, current)
		if err != nil {
			return err
		}
		s.logger.Info().Str("backup", backup).Int("from", current).Int("to", target).Msg("backed up database before migration")
	}

	for v := current + 1; v <= target; v++ {
		if err := s.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version int) error {
	m := migrations[version-1]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		version, m.name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	// user_version mirrors the marker for external tools (sqlite3 .dbinfo).
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// backup writes a consistent copy of the database next to it.
func (s *Store) backup(ctx context.Context, version int) (string, error) {
	dest := fmt.Sprintf("%s.bak-v%d-%s", s.path, version, time.Now().UTC().Format("20060102T150405"))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("backup %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO '`+strings.ReplaceAll(dest, "'", "''")+`'`); err != nil {
		return "", fmt.Errorf("backup database: %w", err)
	}
	return dest, nil
}
