package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when no run matches the requested ID
var ErrRunNotFound = errors.New("run not found")

// ErrEvidenceNotFound is returned when no evidence artifact matches the requested ID
var ErrEvidenceNotFound = errors.New("evidence not found")

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// DB wraps the connection pool together with the SQL dialect in use
type DB struct {
	*sql.DB
	driver string
}

// NewDB opens the database behind databaseURL and makes sure the schema exists.
// postgres:// and postgresql:// URLs use lib/pq; sqlite://<path> (or sqlite://:memory:)
// uses the embedded SQLite driver.
func NewDB(databaseURL string) (*DB, error) {
	driver, dsn, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	if driver == driverSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == driverSQLite {
		// one writer at a time; also keeps :memory: on a single connection
		sqlDB.SetMaxOpenConns(1)
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func parseDatabaseURL(databaseURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return driverPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite database path is empty")
		}
		return driverSQLite, path, nil
	default:
		return "", "", fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}

// InitSchema creates the tables if they do not exist yet
func (db *DB) InitSchema() error {
	schema := postgresSchema
	if db.driver == driverSQLite {
		schema = sqliteSchema
	}
	_, err := db.Exec(schema)
	return err
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for SQLite. Queries in this package use each
// placeholder once, in ascending order, so positional ? is equivalent.
func (db *DB) rebind(query string) string {
	if db.driver != driverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

func (db *DB) exec(query string, args ...interface{}) (sql.Result, error) {
	return db.Exec(db.rebind(query), args...)
}

func (db *DB) query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.Query(db.rebind(query), args...)
}

func (db *DB) queryRow(query string, args ...interface{}) *sql.Row {
	return db.QueryRow(db.rebind(query), args...)
}

// runner is satisfied by *DB and *Tx so repository helpers work inside or outside a transaction
type runner interface {
	exec(query string, args ...interface{}) (sql.Result, error)
	query(query string, args ...interface{}) (*sql.Rows, error)
	queryRow(query string, args ...interface{}) *sql.Row
}

// Tx is a transaction that rewrites placeholders like DB does
type Tx struct {
	*sql.Tx
	db *DB
}

// Begin starts a transaction
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// BeginSnapshot starts a read-only transaction whose reads all see the same
// committed state
func (db *DB) BeginSnapshot(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, db.snapshotOptions())
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// snapshotOptions returns nil for SQLite, where a transaction already reads
// from one snapshot; postgres defaults to READ COMMITTED.
func (db *DB) snapshotOptions() *sql.TxOptions {
	if db.driver != driverPostgres {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (tx *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	return tx.Exec(tx.db.rebind(query), args...)
}

func (tx *Tx) query(query string, args ...interface{}) (*sql.Rows, error) {
	return tx.Query(tx.db.rebind(query), args...)
}

func (tx *Tx) queryRow(query string, args ...interface{}) *sql.Row {
	return tx.QueryRow(tx.db.rebind(query), args...)
}

// timestampLayout is fixed width so stored values sort chronologically as text
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timestamp renders times in one textual form both dialects accept
func timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// dbTime scans TIMESTAMPTZ values (postgres) and RFC3339 text (sqlite)
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time, t.Valid = parsed, true
	return nil
}

func (t dbTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
