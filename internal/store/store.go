package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/lockstep/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// migrations[i] brings a database from user_version i to i+1.
var migrations = []struct {
	name string
	sql  string
}{
	{"job lookup index", `CREATE INDEX IF NOT EXISTS idx_job_invocations_job ON job_invocations(participant, job, seq)`},
	{"cycle lookup index", `CREATE INDEX IF NOT EXISTS idx_master_cycles_participant ON master_cycles(participant, seq)`},
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is the run record of one or more participants: incidents, job
// invocations and master cycles. WAL mode lets readers such as the CLI open
// it while a participant writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path (":memory:" for a
// private in-memory database) and brings its schema up to date.
func Open(path string) (*Store, error) {
	const op = "store.Open"
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, core.Wrap(core.CodeFailed, op, err, path)
	}
	// One connection: a single writer, and an in-memory database is per
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := setup(db); err != nil {
		db.Close()
		return nil, core.Wrap(core.CodeFailed, op, err, path)
	}
	return &Store{db: db}, nil
}

func setup(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

// migrate applies the migrations newer than user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if _, err := db.Exec(migrations[v].sql); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", v+1, migrations[v].name, err)
		}
	}
	if version < len(migrations) {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
