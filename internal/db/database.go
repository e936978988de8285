package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

const (
	connectRetries    = 3
	connectRetryDelay = 2 * time.Second
)

// DB wraps sqlx.DB with perimetra-specific functionality.
type DB struct {
	*sqlx.DB
	config Config
}

// Connect establishes a database connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqlxDB, err := sqlx.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	sqlxDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	database := &DB{DB: sqlxDB, config: cfg}

	if err := database.PingContext(ctx); err != nil {
		_ = sqlxDB.Close()
		return nil, errors.ErrDatabaseConnection(err)
	}

	logging.InfoDatabase("database connection established",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return database, nil
}

// ConnectWithRetry connects with a fixed number of retries, for startup
// ordering against the database container.
func ConnectWithRetry(ctx context.Context, cfg Config) (*DB, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		database, err := Connect(ctx, cfg)
		if err == nil {
			return database, nil
		}
		lastErr = err
		logging.ErrorDatabase("database connection failed", err,
			"attempt", attempt, "max_attempts", connectRetries)

		select {
		case <-ctx.Done():
			return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection,
				"connection canceled", ctx.Err())
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, lastErr
}

// WakeUp probes the connection and attempts one reconnect of the pool
// before an operation that must not fail on a stale connection. Managed
// Postgres instances drop idle connections; a single retry covers the
// common resume path.
func (db *DB) WakeUp(ctx context.Context) error {
	var one int
	err := db.GetContext(ctx, &one, "SELECT 1")
	if err == nil {
		return nil
	}
	logging.ErrorDatabase("database probe failed, retrying", err)

	select {
	case <-ctx.Done():
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection,
			"probe canceled", ctx.Err())
	case <-time.After(connectRetryDelay):
	}

	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection,
			"database unreachable after retry", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	logging.InfoDatabase("closing database connection")
	return db.DB.Close()
}

// UpdateConnectionMetrics publishes pool stats to the metrics registry.
func (db *DB) UpdateConnectionMetrics() {
	stats := db.Stats()
	metrics.GetGlobalMetrics().SetActiveConnections(stats.OpenConnections)
}

// sanitizeDBError converts raw driver errors into typed database errors,
// keeping pq details out of API responses.
func sanitizeDBError(err error, operation string) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return &errors.DatabaseError{
			Code:      errors.CodeNotFound,
			Message:   "record not found",
			Operation: operation,
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.DatabaseError{
			Code:      errors.CodeDatabaseTimeout,
			Message:   "database operation timed out",
			Operation: operation,
			Cause:     err,
		}
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return &errors.DatabaseError{
				Code:      errors.CodeConflict,
				Message:   "record already exists",
				Operation: operation,
				Cause:     err,
			}
		case pqErr.Code == "23503" || pqErr.Code == "23502" || pqErr.Code == "23514":
			return &errors.DatabaseError{
				Code:      errors.CodeValidation,
				Message:   "record violates a data constraint",
				Operation: operation,
				Cause:     err,
			}
		case strings.HasPrefix(string(pqErr.Code), "08"):
			return &errors.DatabaseError{
				Code:      errors.CodeDatabaseConnection,
				Message:   "database connection failure",
				Operation: operation,
				Cause:     err,
			}
		}
	}

	return &errors.DatabaseError{
		Code:      errors.CodeDatabaseQuery,
		Message:   fmt.Sprintf("database operation failed: %s", operation),
		Operation: operation,
		Cause:     err,
	}
}

// IsUniqueViolation reports whether the error is a uniqueness conflict on
// the named constraint. An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
