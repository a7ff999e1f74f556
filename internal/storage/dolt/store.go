// Package dolt implements the capture storage interface on Dolt, a
// versioned MySQL-compatible database.
//
// Connection modes:
//   - Embedded: no server required, database/sql access via dolthub/driver.
//     Single-writer; the pool is pinned to one connection and an advisory
//     flock guards the database directory.
//   - Server: connect to a running dolt sql-server (or any MySQL-compatible
//     server) for multi-writer scenarios. Row-level locking via
//     SELECT ... FOR UPDATE carries the versioning concurrency contract.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
	// MySQL driver for server mode connections.
	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/types"
)

// Store implements the storage.Storage interface using Dolt.
type Store struct {
	db         *sql.DB
	dbPath     string       // path to the Dolt database directory (embedded mode)
	closed     atomic.Bool  // tracks whether Close() has been called
	connStr    string       // connection string for diagnostics
	mu         sync.RWMutex // protects close against concurrent access
	serverMode bool         // true if connected to a sql-server (vs embedded)
	clock      types.Clock  // timestamp source for all writes
	accessLock *AccessLock  // advisory flock preventing concurrent embedded opens

	// embeddedConnector is non-nil only in embedded mode. It must be closed
	// to release filesystem locks held by the embedded engine.
	embeddedConnector *embedded.Connector
}

// Config holds Dolt database configuration.
type Config struct {
	Path        string        // path to the Dolt database directory (embedded mode)
	Database    string        // database name within Dolt (default: "fieldvault")
	Clock       types.Clock   // timestamp source (default: types.SystemClock)
	OpenTimeout time.Duration // advisory lock timeout (0 = no advisory lock)

	// Server mode options
	ServerMode     bool   // connect to a sql-server instead of embedded
	ServerHost     string // server host (default: 127.0.0.1)
	ServerPort     int    // server port (default: 3306)
	ServerUser     string // MySQL user (default: root)
	ServerPassword string // MySQL password (can be set via FV_DB_PASSWORD)
	ServerTLS      bool   // enable TLS for server connections
}

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed
	return bo
}

// Server mode retry configuration.
// Server mode uses go-sql-driver/mysql which doesn't have built-in retry like
// the embedded driver. Transient connection errors (stale pool connections,
// brief network issues, server restarts) are retried with backoff.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient connection error
// that should be retried in server mode.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "driver: bad connection"),
		strings.Contains(errStr, "invalid connection"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "lost connection"),
		strings.Contains(errStr, "gone away"),
		strings.Contains(errStr, "i/o timeout"):
		return true
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
// Only active in server mode; embedded mode has driver-level retry.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}

	bo := newServerRetryBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err // retryable, backoff will retry
		}
		if err != nil {
			return backoff.Permanent(err) // non-retryable, stop immediately
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// execContext wraps s.db.ExecContext with server-mode retry for transient errors.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryContext wraps s.db.QueryContext with server-mode retry for transient errors.
func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRowContext runs a single-row query. Row errors surface at Scan time,
// so there is no retry wrapper here.
func (s *Store) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Compile-time interface check.
var _ storage.Storage = (*Store)(nil)

// New creates a new Dolt storage backend.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if !cfg.ServerMode && cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Database == "" {
		cfg.Database = "fieldvault"
	}
	// Both modes interpolate the name into a backtick-quoted CREATE DATABASE.
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock{}
	}

	if cfg.ServerMode {
		if cfg.ServerHost == "" {
			cfg.ServerHost = "127.0.0.1"
		}
		if cfg.ServerPort == 0 {
			cfg.ServerPort = 3306
		}
		if cfg.ServerUser == "" {
			cfg.ServerUser = "root"
		}
		// Environment variable is preferred over command-line for the password.
		if cfg.ServerPassword == "" {
			cfg.ServerPassword = os.Getenv("FV_DB_PASSWORD")
		}
	}

	var absPath string
	var accessLock *AccessLock
	if !cfg.ServerMode {
		// Guard: if the path is an existing regular file, MkdirAll fails
		// confusingly. Give a clear error instead.
		if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
			return nil, fmt.Errorf("database path %q is a file, not a directory", cfg.Path)
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		// The embedded driver sets its internal working directory to the
		// configured directory; relative paths can end up doubled. Always
		// hand it an absolute path.
		var err error
		absPath, err = filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}

		// Advisory flock before opening dolt (embedded mode only). This keeps
		// multiple fv processes from competing for dolt's internal LOCK file.
		if cfg.OpenTimeout > 0 {
			var lockErr error
			accessLock, lockErr = AcquireAccessLock(absPath, true, cfg.OpenTimeout)
			if lockErr != nil {
				return nil, fmt.Errorf("failed to acquire dolt access lock: %w", lockErr)
			}
		}
	}

	var db *sql.DB
	var connStr string
	var embeddedConnector *embedded.Connector
	var err error

	if cfg.ServerMode {
		// Fail-fast TCP check before MySQL protocol initialization. This
		// gives an immediate, clear error if the server isn't running,
		// rather than waiting for MySQL driver timeouts.
		addr := net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
		conn, dialErr := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if dialErr != nil {
			if accessLock != nil {
				accessLock.Release()
			}
			return nil, fmt.Errorf("database server unreachable at %s: %w", addr, dialErr)
		}
		_ = conn.Close()

		db, connStr, err = openServerConnection(ctx, cfg)
	} else {
		// Embedded mode: ensure the database exists and the schema is
		// initialized as explicit units of work (each with its own
		// connector), then open a fresh connector for the store instance.
		initDSN := fmt.Sprintf("file://%s?commitname=fieldvault&commitemail=fieldvault@local", absPath)
		dbDSN := initDSN + "&database=" + cfg.Database

		if err := withEmbeddedDolt(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
			return err
		}); err != nil {
			if accessLock != nil {
				accessLock.Release()
			}
			return nil, fmt.Errorf("failed to create dolt database: %w", err)
		}

		if err := withEmbeddedDolt(ctx, dbDSN, func(ctx context.Context, db *sql.DB) error {
			return initSchemaOnDB(ctx, db)
		}); err != nil {
			if accessLock != nil {
				accessLock.Release()
			}
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}

		db, connStr, embeddedConnector, err = openEmbeddedConnection(dbDSN)
	}

	if err != nil {
		if accessLock != nil {
			accessLock.Release()
		}
		return nil, err
	}

	// Test the connection. In embedded mode, do not use a caller-supplied ctx
	// to open the first underlying connection: the embedded driver derives a
	// session context from Connect(ctx) and reuses it across statements, so a
	// short-lived ctx would poison the pool.
	pingCtx := ctx
	if embeddedConnector != nil || pingCtx == nil {
		pingCtx = context.Background()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if embeddedConnector != nil {
			_ = embeddedConnector.Close()
		}
		if accessLock != nil {
			accessLock.Release()
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:                db,
		dbPath:            absPath,
		connStr:           connStr,
		serverMode:        cfg.ServerMode,
		clock:             cfg.Clock,
		accessLock:        accessLock,
		embeddedConnector: embeddedConnector,
	}

	// Server mode still needs schema initialization here (idempotent).
	if cfg.ServerMode {
		if err := initSchemaOnDB(ctx, db); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return store, nil
}

// withEmbeddedDolt opens an embedded connector for one unit of work and
// closes it afterwards, releasing the engine's filesystem locks.
func withEmbeddedDolt(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) error {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse Dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return fmt.Errorf("failed to create Dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)
	defer func() {
		_ = db.Close()
		_ = connector.Close()
	}()

	return fn(ctx, db)
}

// openEmbeddedConnection opens a connection using the embedded Dolt driver.
func openEmbeddedConnection(dsn string) (*sql.DB, string, *embedded.Connector, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to parse Dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to create Dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded mode is single-writer; pin the pool to one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// NOTE: the connector must be closed by the caller to release filesystem
	// locks. Store.Close() handles this.
	return db, dsn, connector, nil
}

// buildServerDSN constructs a MySQL DSN for connecting to a server.
// If database is empty, connects without selecting a database.
func buildServerDSN(cfg *Config, database string) string {
	userPart := cfg.ServerUser
	if cfg.ServerPassword != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.ServerUser, cfg.ServerPassword)
	}

	dbPart := "/"
	if database != "" {
		dbPart = "/" + database
	}

	params := "parseTime=true"
	if cfg.ServerTLS {
		params += "&tls=true"
	}

	return fmt.Sprintf("%s@tcp(%s:%d)%s?%s",
		userPart, cfg.ServerHost, cfg.ServerPort, dbPart, params)
}

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// validateDatabaseName rejects names that cannot be safely interpolated into
// a backtick-quoted CREATE DATABASE statement.
func validateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("must contain only letters, digits and underscores")
	}
	return nil
}

// openServerConnection opens a connection to a sql-server via MySQL protocol.
func openServerConnection(ctx context.Context, cfg *Config) (*sql.DB, string, error) {
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, "", fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}

	connStr := buildServerDSN(cfg, cfg.Database)
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open server connection: %w", err)
	}

	// Server mode supports multiple writers; configure a reasonable pool.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Ensure the database exists: connect without a database first.
	initDB, err := sql.Open("mysql", buildServerDSN(cfg, ""))
	if err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: validated by validateDatabaseName above
	if err != nil {
		// Dolt may return error 1007 even with IF NOT EXISTS.
		errLower := strings.ToLower(err.Error())
		if !strings.Contains(errLower, "database exists") && !strings.Contains(errLower, "1007") {
			_ = db.Close()
			return nil, "", fmt.Errorf("failed to create database: %w", err)
		}
	}

	return db, connStr, nil
}

// Close closes the database connection and releases embedded-mode locks.
func (s *Store) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
		s.db = nil
	}
	// Ensure the embedded engine is closed to release filesystem locks.
	if s.embeddedConnector != nil {
		if cerr := s.embeddedConnector.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
		s.embeddedConnector = nil
	}
	// Release the advisory lock after db and connector are closed.
	if s.accessLock != nil {
		s.accessLock.Release()
		s.accessLock = nil
	}
	return err
}

// Path returns the database directory path (empty in server mode).
func (s *Store) Path() string {
	return s.dbPath
}

// UnderlyingDB returns the underlying *sql.DB connection.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}
