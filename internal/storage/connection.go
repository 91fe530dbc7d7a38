package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"
)

// pingTimeout bounds the connectivity check at startup and in readiness
// probes.
const pingTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when a store is created without
	// a connection.
	ErrNoDatabaseConnection = errors.New("database connection cannot be nil")

	// ErrConnectionFailed is returned when the database is unreachable.
	ErrConnectionFailed = errors.New("database connection failed")
)

// Connection wraps the PostgreSQL connection pool shared by all stores.
type Connection struct {
	DB  *sql.DB
	cfg *Config
}

// NewConnection opens a PostgreSQL connection pool and verifies
// connectivity.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, err.Error())
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, err.Error())
	}

	return &Connection{DB: db, cfg: cfg}, nil
}

// Ping checks database reachability; used by the readiness probe.
func (c *Connection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := c.DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %s", ErrConnectionFailed, err.Error())
	}

	return nil
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	if err := c.DB.Close(); err != nil {
		return fmt.Errorf("close database connection: %w", err)
	}

	return nil
}
