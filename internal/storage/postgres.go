package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertExecution appends an execution record to the audit log.
func (db *DB) InsertExecution(ctx context.Context, row *ExecutionRow) error {
	query := `
		INSERT INTO executions (id, env_id, owner_id, language, status, exit_code,
			stdout_bytes, stderr_bytes, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.pool.Exec(ctx, query,
		row.ID, row.EnvID, row.OwnerID, row.Language, row.Status, row.ExitCode,
		row.StdoutBytes, row.StderrBytes,
		truncateForDB(row.Error, 65535),
		row.StartedAt, row.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// InsertCleanupDecision appends a cleanup decision to the audit log.
func (db *DB) InsertCleanupDecision(ctx context.Context, row *CleanupRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	query := `
		INSERT INTO cleanup_decisions (id, env_id, reason, error, at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.pool.Exec(ctx, query,
		row.ID, row.EnvID, row.Reason,
		truncateForDB(row.Error, 65535),
		row.At,
	)
	if err != nil {
		return fmt.Errorf("inserting cleanup decision: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*ExecutionRow, error) {
	query := `
		SELECT id, env_id, owner_id, language, status, exit_code,
			stdout_bytes, stderr_bytes, error, started_at, ended_at
		FROM executions WHERE id = $1`

	var row ExecutionRow
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&row.ID, &row.EnvID, &row.OwnerID, &row.Language, &row.Status, &row.ExitCode,
		&row.StdoutBytes, &row.StderrBytes, &row.Error,
		&row.StartedAt, &row.EndedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &row, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRow, error) {
	query := `
		SELECT id, env_id, owner_id, language, status, exit_code,
			stdout_bytes, stderr_bytes, started_at, ended_at
		FROM executions
		WHERE ($1 = '' OR env_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.EnvID, filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRow
	for rows.Next() {
		var row ExecutionRow
		if err := rows.Scan(
			&row.ID, &row.EnvID, &row.OwnerID, &row.Language, &row.Status, &row.ExitCode,
			&row.StdoutBytes, &row.StderrBytes,
			&row.StartedAt, &row.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
