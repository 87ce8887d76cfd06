// Package storage implements the relational entity store on SQLite. All
// cross-task coordination in the pipeline is delegated to the unique-index
// upserts and foreign-key checks defined here.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeLayout is the canonical format for all stored timestamps. Columns are
// declared TEXT so the driver hands the string back untouched; a DATETIME
// declaration would make modernc.org/sqlite convert the column to time.Time
// on read. Fixed-width UTC strings compare correctly inside SQL MAX().
const timeLayout = "2006-01-02 15:04:05"

// Store holds the SQLite connection pools. Writes go through a single-writer
// pool so WAL mode serializes upserts; reads use a concurrent pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.Logger
}

// Open opens (creating if needed) the entity store at path. Use ":memory:"
// for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}

	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	// In-memory databases are per-connection; share the single write pool
	// for reads so both see the same data.
	readDB := writeDB
	if path != ":memory:" {
		readDB, err = sql.Open("sqlite", path)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
		readDB.SetMaxOpenConns(10)
	}

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		logger:  logger,
	}

	for _, db := range s.pools() {
		if err := configure(db, path); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("entity store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) pools() []*sql.DB {
	if s.readDB == s.writeDB {
		return []*sql.DB{s.writeDB}
	}
	return []*sql.DB{s.writeDB, s.readDB}
}

// configure applies the pragmas every pool needs: WAL for concurrent reads,
// foreign keys for referential integrity, a busy timeout so writers queue
// instead of failing immediately.
func configure(db *sql.DB, path string) error {
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enabling WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("verifying foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var errs []string
	if s.readDB != s.writeDB {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing store: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.readDB.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS infrastructure (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('ip','domain','email','url','hash')),
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		CHECK(first_seen <= last_seen)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_infrastructure_identity ON infrastructure(type, value);
	CREATE INDEX IF NOT EXISTS idx_infrastructure_last_seen ON infrastructure(last_seen);

	CREATE TABLE IF NOT EXISTS adversaries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		canonical TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		CHECK(first_seen <= last_seen)
	);

	CREATE TABLE IF NOT EXISTS adversary_aliases (
		canonical TEXT PRIMARY KEY,
		alias TEXT NOT NULL,
		adversary_id TEXT NOT NULL REFERENCES adversaries(id)
	);
	CREATE INDEX IF NOT EXISTS idx_adversary_aliases_adversary ON adversary_aliases(adversary_id);

	CREATE TABLE IF NOT EXISTS capabilities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('malware','tool','exploit')),
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_capabilities_identity ON capabilities(name, type);

	CREATE TABLE IF NOT EXISTS victims (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		sector TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS mitre_mappings (
		tid TEXT PRIMARY KEY,
		technique_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_time TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		adversary_id TEXT REFERENCES adversaries(id),
		infrastructure_id TEXT REFERENCES infrastructure(id),
		capability_id TEXT REFERENCES capabilities(id),
		victim_id TEXT REFERENCES victims(id),
		mitre_tid TEXT REFERENCES mitre_mappings(tid),
		confidence_score REAL NOT NULL CHECK(confidence_score >= 0 AND confidence_score <= 1),
		CHECK(adversary_id IS NOT NULL OR infrastructure_id IS NOT NULL
			OR capability_id IS NOT NULL OR victim_id IS NOT NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_events_adversary ON events(adversary_id);
	CREATE INDEX IF NOT EXISTS idx_events_infrastructure ON events(infrastructure_id);
	CREATE INDEX IF NOT EXISTS idx_events_mitre ON events(mitre_tid);
	CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time);

	CREATE TABLE IF NOT EXISTS feed_cursors (
		source_name TEXT PRIMARY KEY,
		cursor_token TEXT NOT NULL DEFAULT '',
		last_run_at TEXT NOT NULL
	);
	`
	_, err := s.writeDB.Exec(schema)
	return err
}

// fmtTime renders a timestamp in the canonical stored form.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp back. A value that does not match the
// canonical layout is a corruption the caller must see, never a zero time.
func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullable maps empty strings to SQL NULL for optional foreign keys.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// isForeignKeyErr reports whether err is a SQLite foreign key failure.
func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsConstraintErr reports whether err is any SQLite constraint failure.
// The resolver retries these: under concurrent upserts the second attempt
// lands on the row the other writer created.
func IsConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
