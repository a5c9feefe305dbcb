package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/iliyamo/donation-squares/internal/config"
)

// Dialect identifies the SQL backend behind a *sql.DB.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Connect opens the database described by cfg.
func Connect(cfg config.DBConfig) (*sql.DB, Dialect, error) {
	switch Dialect(cfg.Driver) {
	case SQLite:
		db, err := OpenSQLite(cfg.Path)
		return db, SQLite, err
	case MySQL, "":
		db, err := Open(cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.Name)
		return db, MySQL, err
	}
	return nil, "", fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
}

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens a file-backed SQLite database.  SQLite allows one
// writer at a time, so the pool is limited to a single connection and
// conditional updates are serialized by the driver.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := ping(db); err != nil {
		return nil, err
	}
	return db, nil
}

// ping checks the connection with a timeout.
func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}
