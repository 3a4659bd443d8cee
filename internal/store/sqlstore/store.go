package sqlstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/balanced/balanced/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (documents only)
// 1 - Added document_versions audit history
// 2 - Added index on documents.schema_ref
const currentSchemaVersion = 2

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config selects the database.
type Config struct {
	Name   string // adapter name
	Driver string // DriverSQLite or DriverPostgres
	DSN    string // file path for SQLite, connection string for PostgreSQL
}

// Store is a strong Store Adapter over a relational database.
type Store struct {
	name   string
	driver string
	db     *sql.DB
}

var _ store.Adapter = (*Store)(nil)

// OpenSQLite opens a SQLite database file.
func OpenSQLite(name, path string) (*Store, error) {
	return Open(Config{Name: name, Driver: DriverSQLite, DSN: path})
}

// Open creates or opens the database and applies pragmas and migrations.
// This function is idempotent - safe to call multiple times.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Driver
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{name: cfg.Name, driver: cfg.Driver, db: db}

	if cfg.Driver == DriverSQLite {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Name() string                   { return s.name }
func (s *Store) Consistency() store.Consistency { return store.Strong }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func (s *Store) applySchema() error {
	// PostgreSQL's simple protocol rejects multiple statements per Exec.
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on the stored
// schema version.
func (s *Store) runMigrations() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := migrateToV1(s.db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(s.db); err != nil {
			return err
		}
	}

	return s.setSchemaVersion(currentSchemaVersion)
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if s.driver == DriverSQLite {
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			return 0, fmt.Errorf("get user_version: %w", err)
		}
		return version, nil
	}

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get schema_version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(version int) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	if _, err := tx.Exec(s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), version); err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	return tx.Commit()
}

// migrateToV1 adds the audit history table for databases created before it.
// New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS document_versions (
			id         TEXT NOT NULL,
			version    BIGINT NOT NULL,
			schema_ref TEXT NOT NULL,
			body       TEXT NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			digest     TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 indexes documents by schema_ref for operational queries.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_schema_ref
		ON documents(schema_ref)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
