package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds archive database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"path" env:"PATH"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// MigrationsPath overrides the embedded migrations with a directory on disk
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path" env:"MIGRATIONS_PATH"`
	// WriteQueue is the buffer of the single writer goroutine
	WriteQueue int `json:"write_queue" yaml:"write_queue" env:"WRITE_QUEUE"`
}

// DefaultConfig returns the archive configuration used when nothing is set
// FUNCTIONAL DISCOVERY: SQLite performs well with 10 connections at classroom
// scale (one teacher, a few dozen students)
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/seminar.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteQueue:      256,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteQueue <= 0 {
		return errors.New("write queue must be greater than 0")
	}
	return nil
}

// DSN returns the sqlite3 data source name with the pragmas every pooled
// connection needs.
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// SQLite pragmas for classroom scale
// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent reads while the archive
// keeps a single writer goroutine
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// ApplySQLiteOptimizations applies the performance pragmas to db.
func ApplySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
