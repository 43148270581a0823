// Package storage is the broker's storage engine (spec §4.4): schema
// init/migration, entity cache activation, and the CRUD surface for
// collections, items, parts, flags, and mime types backed by PostgreSQL
// or SQLite through internal/sqlbuilder.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/pimbroker/broker/internal/entitycache"
	"github.com/pimbroker/broker/internal/partstream"
	"github.com/pimbroker/broker/internal/sqlbuilder"
	"github.com/pimbroker/broker/pkg/logger"
)

// Store is the per-connection storage engine handle: one *sqlx.DB plus
// the process-wide caches and a unique connection name used in logs and
// lock diagnostics (spec: "UUID-tagged connection name").
type Store struct {
	db            *sqlbuilder.DB
	connectionName string
	caches        *entitycache.Set
	log           *logger.Logger
	streamer      *partstream.Streamer

	initOnce sync.Once
	initErr  error

	keepAliveCron *cron.Cron
}

// Config configures a Store's connection.
type Config struct {
	DriverName      string // "postgres" or "sqlite3"
	DSN             string
	MaxConnections  int
	IdleTimeout     time.Duration
	SerializeWrites bool // true for sqlite3-style single-writer backends
	MySQLKeepAlive  bool
}

// Open establishes the connection, wraps it, and assigns a fresh UUID
// connection name. It does not run Init; callers must call Init exactly
// once, from the main goroutine, before issuing any other operation
// (spec: "Init() once-from-main-goroutine enforcement").
func Open(ctx context.Context, cfg Config, caches *entitycache.Set, log *logger.Logger) (*Store, error) {
	conn, err := sqlx.ConnectContext(ctx, cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if cfg.MaxConnections > 0 {
		conn.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.IdleTimeout > 0 {
		conn.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{
		db:             sqlbuilder.New(conn, cfg.SerializeWrites),
		connectionName: uuid.NewString(),
		caches:         caches,
		log:            log,
	}
	if cfg.MySQLKeepAlive {
		s.startKeepAlive(conn)
	}
	return s, nil
}

// NewForTest builds a Store around an already-wrapped DB handle and
// cache set, bypassing Open's dial/ping. Exported for other packages'
// tests (e.g. internal/adminapi) that need a Store backed by sqlmock.
func NewForTest(db *sqlbuilder.DB, caches *entitycache.Set) *Store {
	return &Store{db: db, connectionName: "test-connection", caches: caches}
}

// ConnectionName returns this Store's unique connection identifier.
func (s *Store) ConnectionName() string { return s.connectionName }

// Caches returns the Store's entity cache set.
func (s *Store) Caches() *entitycache.Set { return s.caches }

// Init runs the schema updater; the entity caches are the Set passed to
// Open and Init leaves them as they are. It is idempotent: subsequent calls return the first call's
// result without redoing the work. Per spec, callers must guarantee this
// runs from the main goroutine before any concurrent connection handler
// starts using the Store.
func (s *Store) Init(ctx context.Context, migrationsSourceURL string) error {
	s.initOnce.Do(func() {
		s.initErr = s.initSchema(ctx, migrationsSourceURL)
	})
	return s.initErr
}

func (s *Store) initSchema(ctx context.Context, migrationsSourceURL string) error {
	if migrationsSourceURL == "" {
		if s.log != nil {
			s.log.WithField("connection", s.connectionName).Info("storage: no migrations source configured, skipping schema update")
		}
		return nil
	}
	m, err := migrate.New(migrationsSourceURL, driverURLFor(s.db.DriverName()))
	if err != nil {
		return fmt.Errorf("storage: migrate.New: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	if s.log != nil {
		s.log.WithField("connection", s.connectionName).Info("storage: schema up to date")
	}
	return nil
}

func driverURLFor(driverName string) string {
	return driverName + "://"
}

// startKeepAlive pings the connection on a fixed schedule. Grounded on
// the operational need some MySQL deployments have for a periodic
// no-op query to stop the server from closing idle connections.
func (s *Store) startKeepAlive(conn *sqlx.DB) {
	s.keepAliveCron = cron.New()
	s.keepAliveCron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil && s.log != nil {
			s.log.WithField("connection", s.connectionName).WithField("error", err).Warn("storage: keep-alive ping failed")
		}
	})
	s.keepAliveCron.Start()
}

// Close releases the underlying connection and stops the keep-alive
// scheduler, if any.
func (s *Store) Close() error {
	if s.keepAliveCron != nil {
		s.keepAliveCron.Stop()
	}
	return s.db.Close()
}

// WithTransaction runs fn inside a (possibly nested) transaction scoped
// to this Store's connection.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sqlbuilder.Tx) error) error {
	return sqlbuilder.WithTransaction(ctx, s.db, fn)
}

// DriverName reports "postgres" or "sqlite3".
func (s *Store) DriverName() string { return s.db.DriverName() }
